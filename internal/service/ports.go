package service

import (
	"context"
	"errors"
	"time"

	"lab-sessions/internal/domain"
)

// Store conflicts reported by the repository on insert or conditional
// update. They never leave the service layer.
var (
	ErrBlockInUse          = errors.New("network block already assigned to an active session")
	ErrCodeInUse           = errors.New("session code already assigned to an active session")
	ErrActiveSessionExists = errors.New("trainee already has an active session for this challenge")
	ErrStaleTransition     = errors.New("session is no longer in the expected status")
)

type ProvisionRequest struct {
	SessionID      string
	SessionCode    string
	TraineeID      string
	ChallengeID    string
	NetworkName    string
	CIDRBlock      string
	PrimaryAddress string
	ConsolePath    string
	Manifest       domain.Manifest
}

const (
	ModeDelegated = "delegated"
	ModeFallback  = "fallback"
)

// ProvisionResult is always fully populated: either from the backend or
// synthesized locally.
type ProvisionResult struct {
	Mode           string
	FallbackReason string
	PrimaryAddress string
	ConsolePath    string
	ConsoleHost    string
	ConsolePort    int
	Instances      []domain.Instance
}

type ActiveSession struct {
	SessionCode    string
	NetworkName    string
	CIDRBlock      string
	PrimaryAddress string
}

// Orchestrator provisions real workloads. Provision never fails; Terminate
// and Reconcile are best-effort and their errors are informational only.
type Orchestrator interface {
	Provision(ctx context.Context, req ProvisionRequest) ProvisionResult
	Terminate(ctx context.Context, sessionCode string) error
	Reconcile(ctx context.Context, sessions []ActiveSession) error
	Mode() string
	Ping(ctx context.Context) error
}

type SessionRepository interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	GetSessionByCode(ctx context.Context, code string) (*domain.Session, error)
	FindActiveSession(ctx context.Context, traineeID, challengeID string) (*domain.Session, error)
	ListSessionsByTrainee(ctx context.Context, traineeID string) ([]*domain.Session, error)
	ListActiveSessions(ctx context.Context) ([]*domain.Session, error)
	ListExpiredSessions(ctx context.Context, now time.Time) ([]*domain.Session, error)
	ListStaleProvisioning(ctx context.Context, startedBefore time.Time) ([]*domain.Session, error)
	ListActiveBlocks(ctx context.Context) ([]string, error)
	CountActiveSessions(ctx context.Context) (int, error)

	MarkRunning(ctx context.Context, s *domain.Session) error
	ExtendSession(ctx context.Context, id string, by time.Duration) error
	TerminateSession(ctx context.Context, id string, expected []domain.SessionStatus, to domain.SessionStatus, at time.Time, reason string) (bool, error)

	ReplaceInstances(ctx context.Context, sessionID string, instances []domain.Instance, at time.Time) error
	ListInstances(ctx context.Context, sessionID string) ([]domain.Instance, error)
	StopInstances(ctx context.Context, sessionID string) error

	AppendEvent(ctx context.Context, e *domain.Event) error
	ListEvents(ctx context.Context, sessionID string) ([]domain.Event, error)
}

type TemplateRepository interface {
	GetActiveTemplateByChallenge(ctx context.Context, challengeID string) (*domain.Template, error)
	GetTemplate(ctx context.Context, id string) (*domain.Template, error)
	UpsertTemplate(ctx context.Context, t *domain.Template, at time.Time) error
	UpsertTask(ctx context.Context, task *domain.Task) error
	ListTasks(ctx context.Context, templateID string) ([]domain.Task, error)
}

// ChallengeSource is the read-only curriculum collaborator.
type ChallengeSource interface {
	GetChallenge(ctx context.Context, challengeID string) (*domain.Challenge, error)
}

type LabRepository interface {
	SessionRepository
	TemplateRepository
	ChallengeSource
	PutChallenge(ctx context.Context, c domain.Challenge) error
	Ping(ctx context.Context) error
	Close() error
}
