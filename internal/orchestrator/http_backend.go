package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lab-sessions/internal/domain"
	"lab-sessions/internal/service"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "lab-api"

// HTTPBackend talks JSON to a remote orchestration service. Requests are
// authenticated with a short-lived HS256 token when a secret is set.
type HTTPBackend struct {
	baseURL string
	secret  []byte
	client  *http.Client
}

func NewHTTPBackend(baseURL, secret string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		client:  client,
	}
}

func (b *HTTPBackend) Name() string { return "http" }

type provisionPayload struct {
	SessionID      string          `json:"sessionId"`
	SessionCode    string          `json:"sessionCode"`
	TraineeID      string          `json:"traineeId"`
	ChallengeID    string          `json:"challengeId"`
	NetworkName    string          `json:"networkName"`
	CIDRBlock      string          `json:"cidrBlock"`
	PrimaryAddress string          `json:"primaryAddress"`
	ConsolePath    string          `json:"consolePath"`
	Manifest       domain.Manifest `json:"manifest"`
}

type activePayload struct {
	SessionCode    string `json:"sessionCode"`
	NetworkName    string `json:"networkName"`
	CIDRBlock      string `json:"cidrBlock"`
	PrimaryAddress string `json:"primaryAddress"`
}

func (b *HTTPBackend) Provision(ctx context.Context, req service.ProvisionRequest) (*ProvisionResponse, error) {
	var resp ProvisionResponse
	err := b.do(ctx, http.MethodPost, "/provision", provisionPayload{
		SessionID:      req.SessionID,
		SessionCode:    req.SessionCode,
		TraineeID:      req.TraineeID,
		ChallengeID:    req.ChallengeID,
		NetworkName:    req.NetworkName,
		CIDRBlock:      req.CIDRBlock,
		PrimaryAddress: req.PrimaryAddress,
		ConsolePath:    req.ConsolePath,
		Manifest:       req.Manifest,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) Terminate(ctx context.Context, sessionCode string) error {
	return b.do(ctx, http.MethodPost, "/terminate", map[string]string{"sessionCode": sessionCode}, nil)
}

func (b *HTTPBackend) Reconcile(ctx context.Context, sessions []service.ActiveSession) (*ReconcileResponse, error) {
	payload := struct {
		ActiveSessions []activePayload `json:"activeSessions"`
	}{ActiveSessions: make([]activePayload, 0, len(sessions))}
	for _, s := range sessions {
		payload.ActiveSessions = append(payload.ActiveSessions, activePayload{
			SessionCode:    s.SessionCode,
			NetworkName:    s.NetworkName,
			CIDRBlock:      s.CIDRBlock,
			PrimaryAddress: s.PrimaryAddress,
		})
	}
	var resp ReconcileResponse
	if err := b.do(ctx, http.MethodPost, "/reconcile", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (b *HTTPBackend) Ping(ctx context.Context) error {
	return b.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if len(b.secret) > 0 {
		token, err := b.token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (b *HTTPBackend) token() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("sign orchestrator token: %w", err)
	}
	return signed, nil
}
