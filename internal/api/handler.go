package api

import (
	"errors"
	"net/http"
	"strings"

	"lab-sessions/internal/domain"
	"lab-sessions/internal/service"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
)

// TraineeHeader carries the caller's identity, set by the fronting gateway.
const TraineeHeader = "X-Trainee-ID"

var errMissingTrainee = &domain.Error{Code: "unauthenticated", Status: http.StatusUnauthorized, Message: "missing trainee identity"}

type Handler struct {
	labService    *service.LabService
	healthService *service.HealthService
	consoleWSPath string
	logger        *log.Logger
}

func NewHandler(svc *service.LabService, health *service.HealthService, consoleWSPath string) *Handler {
	return &Handler{
		labService:    svc,
		healthService: health,
		consoleWSPath: consoleWSPath,
		logger:        log.WithPrefix("api"),
	}
}

type StartSessionRequest struct {
	ChallengeID string `json:"challenge_id"`
	ForceNew    bool   `json:"force_new"`
}

type TerminateSessionRequest struct {
	Reason string `json:"reason"`
}

type StartSessionResponse struct {
	Session domain.SessionView `json:"session"`
	Reused  bool               `json:"reused"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// HandleStartSession returns the trainee's active session for the challenge
// or provisions a new one.
// POST /api/v1/sessions
func (h *Handler) HandleStartSession(c echo.Context) error {
	trainee, err := traineeID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, "invalid JSON body")
	}
	req.ChallengeID = strings.TrimSpace(req.ChallengeID)
	if req.ChallengeID == "" {
		return h.badRequest(c, "challenge_id is required")
	}

	res, err := h.labService.StartSession(c.Request().Context(), trainee, req.ChallengeID, req.ForceNew)
	if err != nil {
		return h.fail(c, err)
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	return c.JSON(status, StartSessionResponse{Session: res.Session, Reused: res.Reused})
}

// GET /api/v1/sessions
func (h *Handler) HandleListSessions(c echo.Context) error {
	trainee, err := traineeID(c)
	if err != nil {
		return h.fail(c, err)
	}
	sessions, err := h.labService.ListSessions(c.Request().Context(), trainee)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, sessions)
}

// GET /api/v1/sessions/:id
func (h *Handler) HandleGetSession(c echo.Context) error {
	view, err := h.owned(c)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// POST /api/v1/sessions/:id/extend
func (h *Handler) HandleExtendSession(c echo.Context) error {
	if _, err := h.owned(c); err != nil {
		return h.fail(c, err)
	}
	view, err := h.labService.ExtendSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// POST /api/v1/sessions/:id/terminate
func (h *Handler) HandleTerminateSession(c echo.Context) error {
	if _, err := h.owned(c); err != nil {
		return h.fail(c, err)
	}
	var req TerminateSessionRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return h.badRequest(c, "invalid JSON body")
		}
	}
	view, err := h.labService.TerminateSession(c.Request().Context(), c.Param("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// POST /api/v1/sessions/:id/reset
func (h *Handler) HandleResetSession(c echo.Context) error {
	if _, err := h.owned(c); err != nil {
		return h.fail(c, err)
	}
	res, err := h.labService.ResetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, StartSessionResponse{Session: res.Session, Reused: res.Reused})
}

// HandleResolveProxy is called by the edge proxy to route a console
// request to its internal destination.
// GET /api/v1/proxy/resolve?code=
func (h *Handler) HandleResolveProxy(c echo.Context) error {
	trainee, err := traineeID(c)
	if err != nil {
		return h.fail(c, err)
	}
	code := c.QueryParam("code")
	if code == "" {
		return h.badRequest(c, "code is required")
	}
	target, err := h.labService.ResolveProxyTarget(c.Request().Context(), trainee, code)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, target)
}

// owned loads the path session and hides sessions of other trainees.
func (h *Handler) owned(c echo.Context) (*domain.SessionView, error) {
	trainee, err := traineeID(c)
	if err != nil {
		return nil, err
	}
	return h.labService.GetSession(c.Request().Context(), trainee, c.Param("id"))
}

func traineeID(c echo.Context) (string, error) {
	id := strings.TrimSpace(c.Request().Header.Get(TraineeHeader))
	if id == "" {
		// Browsers cannot set headers on websocket upgrades.
		id = strings.TrimSpace(c.QueryParam("trainee_id"))
	}
	if id == "" {
		return "", errMissingTrainee
	}
	return id, nil
}

func (h *Handler) badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorBody{Code: "invalid_request", Message: msg}})
}

// fail maps domain errors to their status; anything else is a 500 with a
// generic message.
func (h *Handler) fail(c echo.Context, err error) error {
	if de, ok := domain.AsError(err); ok {
		return c.JSON(de.Status, ErrorResponse{Error: ErrorBody{Code: de.Code, Message: de.Message, Retryable: de.Retryable}})
	}
	if errors.Is(err, service.ErrStaleTransition) {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: ErrorBody{Code: "conflict", Message: "session changed concurrently", Retryable: true}})
	}
	h.logger.Error("Request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorBody{Code: "internal_error", Message: "internal error"}})
}
