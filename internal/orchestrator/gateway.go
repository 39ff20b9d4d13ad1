// Package orchestrator delegates workload provisioning to an external
// backend and synthesizes a deterministic fallback when it cannot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"lab-sessions/internal/domain"
	"lab-sessions/internal/service"

	"github.com/charmbracelet/log"
)

var errNotConfigured = errors.New("no orchestrator backend configured")

// Backend is one concrete orchestration service.
type Backend interface {
	Name() string
	Provision(ctx context.Context, req service.ProvisionRequest) (*ProvisionResponse, error)
	Terminate(ctx context.Context, sessionCode string) error
	Reconcile(ctx context.Context, sessions []service.ActiveSession) (*ReconcileResponse, error)
	Ping(ctx context.Context) error
}

// ProvisionResponse is the backend's answer. Every field except Instances
// is optional; missing values are filled from the request.
type ProvisionResponse struct {
	Success        *bool             `json:"success,omitempty"`
	Error          string            `json:"error,omitempty"`
	PrimaryAddress string            `json:"primaryAddress,omitempty"`
	ConsolePath    string            `json:"consolePath,omitempty"`
	ConsoleHost    string            `json:"consoleHost,omitempty"`
	ConsolePort    int               `json:"consolePort,omitempty"`
	Instances      []InstancePayload `json:"instances"`
}

type InstancePayload struct {
	Kind            string            `json:"kind"`
	Name            string            `json:"name"`
	ContainerID     string            `json:"containerId,omitempty"`
	Image           string            `json:"image,omitempty"`
	InternalAddress string            `json:"internalAddress,omitempty"`
	AccessHost      string            `json:"accessHost,omitempty"`
	AccessPort      int               `json:"accessPort,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type ReconcileResponse struct {
	Success bool     `json:"success"`
	Orphans []string `json:"orphans,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

type Config struct {
	Timeout             time.Duration
	FallbackConsoleHost string
	FallbackConsolePort int
}

// Gateway implements service.Orchestrator on top of an optional Backend.
type Gateway struct {
	backend Backend
	cfg     Config
	logger  *log.Logger
}

// NewGateway wraps backend. A nil backend puts the gateway permanently in
// fallback mode.
func NewGateway(backend Backend, cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Gateway{backend: backend, cfg: cfg, logger: log.WithPrefix("gateway")}
}

func (g *Gateway) Mode() string {
	if g.backend == nil {
		return service.ModeFallback
	}
	return service.ModeDelegated + ":" + g.backend.Name()
}

func (g *Gateway) Ping(ctx context.Context) error {
	if g.backend == nil {
		return errNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return g.backend.Ping(ctx)
}

// Provision asks the backend for workloads and falls back to a locally
// synthesized result on any failure or malformed answer.
func (g *Gateway) Provision(ctx context.Context, req service.ProvisionRequest) service.ProvisionResult {
	if g.backend == nil {
		return g.fallback(req, errNotConfigured.Error())
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.backend.Provision(callCtx, req)
	if err != nil {
		g.logger.Warn("Provision failed, using fallback", "code", req.SessionCode, "backend", g.backend.Name(), "err", err)
		return g.fallback(req, err.Error())
	}
	result, err := g.validate(req, resp)
	if err != nil {
		g.logger.Warn("Rejecting orchestrator response, using fallback", "code", req.SessionCode, "err", err)
		return g.fallback(req, err.Error())
	}
	return result
}

func (g *Gateway) Terminate(ctx context.Context, sessionCode string) error {
	if g.backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return g.backend.Terminate(ctx, sessionCode)
}

func (g *Gateway) Reconcile(ctx context.Context, sessions []service.ActiveSession) error {
	if g.backend == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.backend.Reconcile(ctx, sessions)
	if err != nil {
		return err
	}
	if resp == nil || !resp.Success {
		return errors.New("orchestrator reported reconcile failure")
	}
	if len(resp.Orphans) > 0 || len(resp.Missing) > 0 {
		g.logger.Warn("Orchestrator reported drift", "orphans", resp.Orphans, "missing", resp.Missing)
	}
	return nil
}

// validate turns a backend response into a complete result or explains why
// it cannot be trusted.
func (g *Gateway) validate(req service.ProvisionRequest, resp *ProvisionResponse) (service.ProvisionResult, error) {
	if resp == nil {
		return service.ProvisionResult{}, errors.New("empty response")
	}
	if resp.Success != nil && !*resp.Success {
		return service.ProvisionResult{}, fmt.Errorf("orchestrator rejected request: %s", resp.Error)
	}
	if len(resp.Instances) == 0 {
		return service.ProvisionResult{}, errors.New("response has no instances")
	}

	result := service.ProvisionResult{
		Mode:           service.ModeDelegated,
		PrimaryAddress: firstNonEmpty(resp.PrimaryAddress, req.PrimaryAddress),
		ConsolePath:    firstNonEmpty(resp.ConsolePath, req.ConsolePath),
		ConsoleHost:    resp.ConsoleHost,
		ConsolePort:    resp.ConsolePort,
	}
	if _, err := netip.ParseAddr(result.PrimaryAddress); err != nil {
		return service.ProvisionResult{}, fmt.Errorf("invalid primary address %q", result.PrimaryAddress)
	}

	for i, p := range resp.Instances {
		kind := domain.InstanceKind(p.Kind)
		if kind != domain.InstanceConsole && kind != domain.InstanceTarget {
			return service.ProvisionResult{}, fmt.Errorf("instance %d has unknown kind %q", i, p.Kind)
		}
		if p.Name == "" {
			return service.ProvisionResult{}, fmt.Errorf("instance %d has no name", i)
		}
		if p.AccessPort < 0 || p.AccessPort > 65535 {
			return service.ProvisionResult{}, fmt.Errorf("instance %s has invalid port %d", p.Name, p.AccessPort)
		}
		if kind == domain.InstanceConsole {
			if result.ConsoleHost == "" {
				result.ConsoleHost = p.AccessHost
			}
			if result.ConsolePort == 0 {
				result.ConsolePort = p.AccessPort
			}
		}
		result.Instances = append(result.Instances, domain.Instance{
			Kind:            kind,
			Name:            p.Name,
			ContainerID:     p.ContainerID,
			Image:           p.Image,
			InternalAddress: p.InternalAddress,
			AccessHost:      p.AccessHost,
			AccessPort:      p.AccessPort,
			Status:          domain.InstanceStatusRunning,
			Metadata:        p.Metadata,
		})
	}

	if result.ConsoleHost == "" || result.ConsolePort <= 0 || result.ConsolePort > 65535 {
		return service.ProvisionResult{}, errors.New("response does not identify a reachable console")
	}
	return result, nil
}

// fallback synthesizes one console and one instance per manifest target from
// the locally allocated addresses.
func (g *Gateway) fallback(req service.ProvisionRequest, reason string) service.ProvisionResult {
	block, _ := netip.ParsePrefix(req.CIDRBlock)
	meta := func(extra map[string]string) map[string]string {
		m := map[string]string{"fallback": "true", "reason": reason}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	targets := req.Manifest.OrderedTargets()
	instances := make([]domain.Instance, 0, len(targets)+1)
	for i, t := range targets {
		addr := hostAddress(block, 2+i)
		instances = append(instances, domain.Instance{
			Kind:            domain.InstanceTarget,
			Name:            t.Name,
			Image:           t.Image,
			InternalAddress: addr,
			Status:          domain.InstanceStatusRunning,
			Metadata:        meta(map[string]string{"entry": strconv.FormatBool(t.Name == req.Manifest.EntryTarget)}),
		})
	}
	instances = append(instances, domain.Instance{
		Kind:            domain.InstanceConsole,
		Name:            "console",
		InternalAddress: hostAddress(block, 2+len(targets)),
		AccessHost:      g.cfg.FallbackConsoleHost,
		AccessPort:      g.cfg.FallbackConsolePort,
		Status:          domain.InstanceStatusRunning,
		Metadata:        meta(map[string]string{"path": req.ConsolePath}),
	})

	return service.ProvisionResult{
		Mode:           service.ModeFallback,
		FallbackReason: reason,
		PrimaryAddress: req.PrimaryAddress,
		ConsolePath:    req.ConsolePath,
		ConsoleHost:    g.cfg.FallbackConsoleHost,
		ConsolePort:    g.cfg.FallbackConsolePort,
		Instances:      instances,
	}
}

func hostAddress(block netip.Prefix, offset int) string {
	if !block.IsValid() {
		return ""
	}
	addr, ok := service.HostAddress(block, offset)
	if !ok {
		return ""
	}
	return addr.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
