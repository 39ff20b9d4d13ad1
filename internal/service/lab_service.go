package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lab-sessions/internal/clock"
	"lab-sessions/internal/domain"
	"lab-sessions/internal/metrics"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// maxReserveAttempts bounds the allocate-then-insert retry loop when a
// concurrent writer claims the same block or code first.
const maxReserveAttempts = 5

var activeStatuses = []domain.SessionStatus{domain.StatusProvisioning, domain.StatusRunning}

type LabServiceDeps struct {
	Repo         LabRepository
	Catalog      *TemplateCatalog
	Allocator    *NetworkAllocator
	Admission    *AdmissionController
	Orchestrator Orchestrator
	Metrics      *metrics.Metrics
	Clock        clock.Clock

	// Extension is how far each extend call pushes the expiry.
	Extension time.Duration
	// Strict serializes admission, allocation and insert within this
	// process so concurrent starts cannot over-admit.
	Strict bool
}

// LabService owns the session lifecycle state machine.
type LabService struct {
	repo         LabRepository
	catalog      *TemplateCatalog
	allocator    *NetworkAllocator
	admission    *AdmissionController
	orchestrator Orchestrator
	metrics      *metrics.Metrics
	clock        clock.Clock
	extension    time.Duration
	strict       bool

	reserveMu sync.Mutex
	logger    *log.Logger
}

func NewLabService(deps LabServiceDeps) *LabService {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &LabService{
		repo:         deps.Repo,
		catalog:      deps.Catalog,
		allocator:    deps.Allocator,
		admission:    deps.Admission,
		orchestrator: deps.Orchestrator,
		metrics:      deps.Metrics,
		clock:        clk,
		extension:    deps.Extension,
		strict:       deps.Strict,
		logger:       log.WithPrefix("lifecycle"),
	}
}

type StartResult struct {
	Session domain.SessionView
	Reused  bool
}

// StartSession returns the trainee's active session for the challenge, or
// provisions a new one. forceNew replaces any active session.
func (s *LabService) StartSession(ctx context.Context, traineeID, challengeID string, forceNew bool) (*StartResult, error) {
	tpl, err := s.catalog.EnsureTemplate(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindActiveSession(ctx, traineeID, challengeID)
	if err != nil {
		return nil, fmt.Errorf("find active session: %w", err)
	}
	if existing != nil {
		if !forceNew {
			return s.reuse(ctx, existing)
		}
		if err := s.terminate(ctx, existing, activeStatuses, domain.StatusStopped, domain.ReasonReplaced); err != nil {
			return nil, err
		}
	}

	sess, err := s.reserve(ctx, tpl, traineeID, challengeID)
	if errors.Is(err, ErrActiveSessionExists) {
		// Lost a race against a concurrent start for the same pair.
		winner, ferr := s.repo.FindActiveSession(ctx, traineeID, challengeID)
		if ferr != nil {
			return nil, fmt.Errorf("find active session: %w", ferr)
		}
		if winner != nil {
			return s.reuse(ctx, winner)
		}
		return nil, fmt.Errorf("reserve session: %w", err)
	}
	if err != nil {
		return nil, err
	}

	// Provisioning is not cancelled by the caller going away; the stale
	// provisioning sweep is the only timeout on this path.
	view, err := s.provision(context.WithoutCancel(ctx), sess, tpl)
	if err != nil {
		return nil, err
	}
	return &StartResult{Session: *view}, nil
}

func (s *LabService) reuse(ctx context.Context, sess *domain.Session) (*StartResult, error) {
	view, err := s.view(ctx, sess)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Reusing active session", "code", sess.Code, "trainee", sess.TraineeID)
	return &StartResult{Session: *view, Reused: true}, nil
}

// reserve runs admission, allocates a block and inserts the provisioning
// row, retrying allocation when the store reports a collision.
func (s *LabService) reserve(ctx context.Context, tpl *domain.Template, traineeID, challengeID string) (*domain.Session, error) {
	if s.strict {
		s.reserveMu.Lock()
		defer s.reserveMu.Unlock()
	}

	if err := s.admission.Admit(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		block, err := s.allocator.Allocate(ctx)
		if err != nil {
			return nil, err
		}

		now := s.clock.Now()
		code := newSessionCode()
		sess := &domain.Session{
			ID:             uuid.New().String(),
			Code:           code,
			TraineeID:      traineeID,
			ChallengeID:    challengeID,
			TemplateID:     tpl.ID,
			Status:         domain.StatusProvisioning,
			NetworkName:    "lab-" + code,
			CIDRBlock:      block.String(),
			PrimaryAddress: DeriveHostAddress(block).String(),
			ConsolePath:    consolePath(code),
			MaxExtensions:  tpl.MaxExtensions,
			StartedAt:      now,
			ExpiresAt:      now.Add(time.Duration(tpl.DefaultTTLMinutes) * time.Minute),
			Metadata:       map[string]string{},
		}

		err = s.repo.CreateSession(ctx, sess)
		switch {
		case err == nil:
			s.logger.Info("Session reserved", "code", code, "trainee", traineeID, "challenge", challengeID, "block", sess.CIDRBlock)
			return sess, nil
		case errors.Is(err, ErrBlockInUse), errors.Is(err, ErrCodeInUse):
			s.logger.Warn("Reservation collided, retrying", "attempt", attempt+1, "block", sess.CIDRBlock, "err", err)
			lastErr = err
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("reserve session after %d attempts: %w", maxReserveAttempts, lastErr)
}

func (s *LabService) provision(ctx context.Context, sess *domain.Session, tpl *domain.Template) (*domain.SessionView, error) {
	result := s.orchestrator.Provision(ctx, ProvisionRequest{
		SessionID:      sess.ID,
		SessionCode:    sess.Code,
		TraineeID:      sess.TraineeID,
		ChallengeID:    sess.ChallengeID,
		NetworkName:    sess.NetworkName,
		CIDRBlock:      sess.CIDRBlock,
		PrimaryAddress: sess.PrimaryAddress,
		ConsolePath:    sess.ConsolePath,
		Manifest:       tpl.Manifest,
	})

	if result.Mode == ModeFallback {
		s.recordEvent(ctx, sess.ID, domain.EventProvisioningFallback, domain.SeverityWarn, map[string]any{
			"reason": result.FallbackReason,
		})
	}

	sess.PrimaryAddress = result.PrimaryAddress
	sess.ConsolePath = result.ConsolePath
	sess.ConsoleHost = result.ConsoleHost
	sess.ConsolePort = result.ConsolePort
	sess.Metadata["provisioning_mode"] = result.Mode
	if result.FallbackReason != "" {
		sess.Metadata["fallback_reason"] = result.FallbackReason
	}

	if err := s.repo.MarkRunning(ctx, sess); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			s.logger.Warn("Session left provisioning before the orchestrator answered", "code", sess.Code)
			if result.Mode == ModeDelegated {
				s.orchestratorTerminate(ctx, sess)
			}
			s.recordEvent(ctx, sess.ID, domain.EventProvisioningAborted, domain.SeverityError, map[string]any{
				"mode": result.Mode,
			})
			return nil, fmt.Errorf("session %s: %w", sess.Code, domain.ErrProvisioningAborted)
		}
		return nil, fmt.Errorf("mark session running: %w", err)
	}
	sess.Status = domain.StatusRunning

	if err := s.repo.ReplaceInstances(ctx, sess.ID, result.Instances, s.clock.Now()); err != nil {
		s.logger.Error("Failed to record instances, failing session", "code", sess.Code, "err", err)
		if terr := s.terminate(ctx, sess, []domain.SessionStatus{domain.StatusRunning}, domain.StatusFailed, "instance_registry_error"); terr != nil {
			s.logger.Error("Failed to fail session after instance error", "code", sess.Code, "err", terr)
		}
		return nil, fmt.Errorf("record instances: %w", err)
	}

	s.recordEvent(ctx, sess.ID, domain.EventSessionRunning, domain.SeverityInfo, map[string]any{
		"mode":       result.Mode,
		"cidr_block": sess.CIDRBlock,
		"instances":  len(result.Instances),
	})
	if s.metrics != nil {
		s.metrics.Provisioned.WithLabelValues(result.Mode).Inc()
	}
	s.logger.Info("Session running", "code", sess.Code, "mode", result.Mode, "instances", len(result.Instances))

	return s.view(ctx, sess)
}

// ExtendSession pushes the expiry of a running session forward.
func (s *LabService) ExtendSession(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for attempt := 1; ; attempt++ {
		if err := checkExtendable(sess); err != nil {
			return nil, err
		}
		err := s.repo.ExtendSession(ctx, sessionID, s.extension)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrStaleTransition) || attempt == 3 {
			return nil, fmt.Errorf("extend session: %w", err)
		}
		// The row changed between the read and the conditional update.
		if sess, err = s.load(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	sess, err = s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, sess.ID, domain.EventSessionExtended, domain.SeverityInfo, map[string]any{
		"extension_count": sess.ExtensionCount,
		"expires_at":      sess.ExpiresAt,
	})
	s.logger.Info("Session extended", "code", sess.Code, "count", sess.ExtensionCount, "expires_at", sess.ExpiresAt)
	return s.view(ctx, sess)
}

func checkExtendable(sess *domain.Session) error {
	if sess.Status != domain.StatusRunning || sess.TerminatedAt != nil {
		return fmt.Errorf("session %s is %s: %w", sess.Code, sess.Status, domain.ErrSessionNotRunning)
	}
	if sess.ExtensionCount >= sess.MaxExtensions {
		return fmt.Errorf("session %s used %d/%d extensions: %w", sess.Code, sess.ExtensionCount, sess.MaxExtensions, domain.ErrExtensionLimitReached)
	}
	return nil
}

// TerminateSession stops an active session. Terminal sessions are returned
// unchanged.
func (s *LabService) TerminateSession(ctx context.Context, sessionID, reason string) (*domain.SessionView, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Active() {
		if reason == "" {
			reason = domain.ReasonManual
		}
		if err := s.terminate(ctx, sess, activeStatuses, domain.StatusStopped, reason); err != nil {
			return nil, err
		}
		if sess, err = s.load(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return s.view(ctx, sess)
}

// ResetSession tears the session down and provisions a fresh one for the
// same trainee and challenge.
func (s *LabService) ResetSession(ctx context.Context, sessionID string) (*StartResult, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Active() {
		if err := s.terminate(ctx, sess, activeStatuses, domain.StatusStopped, domain.ReasonReset); err != nil {
			return nil, err
		}
	}
	return s.StartSession(ctx, sess.TraineeID, sess.ChallengeID, true)
}

// ResolveProxyTarget returns the console endpoint of a running, unexpired
// session owned by traineeID. Any other case is ErrSessionUnavailable.
func (s *LabService) ResolveProxyTarget(ctx context.Context, traineeID, sessionCode string) (*domain.ProxyTarget, error) {
	sess, err := s.repo.GetSessionByCode(ctx, sessionCode)
	if err != nil {
		return nil, fmt.Errorf("lookup session code: %w", err)
	}
	if sess == nil ||
		sess.TraineeID != traineeID ||
		sess.Status != domain.StatusRunning ||
		sess.TerminatedAt != nil ||
		!s.clock.Now().Before(sess.ExpiresAt) ||
		sess.ConsoleHost == "" {
		return nil, domain.ErrSessionUnavailable
	}
	return &domain.ProxyTarget{TargetHost: sess.ConsoleHost, TargetPort: sess.ConsolePort}, nil
}

// GetSession returns the trainee's session with instances and tasks.
func (s *LabService) GetSession(ctx context.Context, traineeID, sessionID string) (*domain.SessionView, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.TraineeID != traineeID {
		return nil, domain.ErrSessionNotFound
	}
	return s.view(ctx, sess)
}

func (s *LabService) ListSessions(ctx context.Context, traineeID string) ([]domain.SessionView, error) {
	sessions, err := s.repo.ListSessionsByTrainee(ctx, traineeID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := s.clock.Now()
	views := make([]domain.SessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, domain.NewSessionView(sess, now))
	}
	return views, nil
}

// ActiveCount is the number of non-terminal sessions.
func (s *LabService) ActiveCount(ctx context.Context) (int, error) {
	return s.repo.CountActiveSessions(ctx)
}

func (s *LabService) load(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *LabService) view(ctx context.Context, sess *domain.Session) (*domain.SessionView, error) {
	v := domain.NewSessionView(sess, s.clock.Now())
	instances, err := s.repo.ListInstances(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	tasks, err := s.catalog.Tasks(ctx, sess.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	v.Instances = instances
	v.Tasks = tasks
	return &v, nil
}

// terminate performs the conditional transition to a terminal status and,
// when this call won it, tears down workloads and records the event. Losing
// the race to another writer is not an error.
func (s *LabService) terminate(
	ctx context.Context,
	sess *domain.Session,
	expected []domain.SessionStatus,
	to domain.SessionStatus,
	reason string,
) error {
	changed, err := s.repo.TerminateSession(ctx, sess.ID, expected, to, s.clock.Now(), reason)
	if err != nil {
		return fmt.Errorf("terminate session %s: %w", sess.Code, err)
	}
	if !changed {
		s.logger.Debug("Session already left the expected status", "code", sess.Code, "target", to)
		return nil
	}

	s.orchestratorTerminate(ctx, sess)

	if err := s.repo.StopInstances(ctx, sess.ID); err != nil {
		s.logger.Warn("Failed to mark instances stopped", "code", sess.Code, "err", err)
	}

	severity := domain.SeverityInfo
	if to == domain.StatusFailed {
		severity = domain.SeverityError
	}
	s.recordEvent(ctx, sess.ID, domain.EventSessionTerminated, severity, map[string]any{
		"reason": reason,
		"status": string(to),
	})
	if s.metrics != nil {
		s.metrics.Terminated.WithLabelValues(string(to)).Inc()
	}
	s.logger.Info("Session terminated", "code", sess.Code, "status", to, "reason", reason)
	return nil
}

func (s *LabService) orchestratorTerminate(ctx context.Context, sess *domain.Session) {
	if err := s.orchestrator.Terminate(ctx, sess.Code); err != nil {
		s.logger.Warn("Orchestrator terminate failed", "code", sess.Code, "err", err)
		s.recordEvent(ctx, sess.ID, domain.EventTerminateFailed, domain.SeverityWarn, map[string]any{
			"error": err.Error(),
		})
	}
}

func (s *LabService) recordEvent(ctx context.Context, sessionID, name string, severity domain.Severity, payload map[string]any) {
	e := &domain.Event{
		SessionID: sessionID,
		Name:      name,
		Severity:  severity,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.AppendEvent(ctx, e); err != nil {
		s.logger.Error("Failed to append event", "event", name, "session", sessionID, "err", err)
	}
}

func newSessionCode() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func consolePath(code string) string {
	return "/labs/" + code + "/console"
}
