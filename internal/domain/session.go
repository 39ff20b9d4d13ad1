package domain

import (
	"math"
	"time"
)

type SessionStatus string

const (
	StatusProvisioning SessionStatus = "provisioning"
	StatusRunning      SessionStatus = "running"
	StatusStopped      SessionStatus = "stopped"
	StatusExpired      SessionStatus = "expired"
	StatusFailed       SessionStatus = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusStopped, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Termination reasons recorded in events and session metadata.
const (
	ReasonTTLExpired          = "ttl_expired"
	ReasonProvisioningTimeout = "provisioning_timeout"
	ReasonReset               = "reset"
	ReasonReplaced            = "replaced"
	ReasonManual              = "manual"
)

type Session struct {
	ID             string            `json:"id"`
	Code           string            `json:"code"`
	TraineeID      string            `json:"trainee_id"`
	ChallengeID    string            `json:"challenge_id"`
	TemplateID     string            `json:"template_id"`
	Status         SessionStatus     `json:"status"`
	NetworkName    string            `json:"network_name"`
	CIDRBlock      string            `json:"cidr_block"`
	PrimaryAddress string            `json:"primary_address"`
	ConsolePath    string            `json:"console_path"`
	ConsoleHost    string            `json:"console_host"`
	ConsolePort    int               `json:"console_port"`
	ExtensionCount int               `json:"extension_count"`
	MaxExtensions  int               `json:"max_extensions"`
	StartedAt      time.Time         `json:"started_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	TerminatedAt   *time.Time        `json:"terminated_at,omitempty"`
	Metadata       map[string]string `json:"metadata"`
}

// Active is true while the session is provisioning or running and has not
// been terminated.
func (s *Session) Active() bool {
	return !s.Status.Terminal() && s.TerminatedAt == nil
}

// TimeRemaining returns whole seconds until expiry, floored at zero.
func (s *Session) TimeRemaining(now time.Time) int64 {
	if !now.Before(s.ExpiresAt) {
		return 0
	}
	return int64(math.Ceil(s.ExpiresAt.Sub(now).Seconds()))
}

func (s *Session) CanExtend() bool {
	return s.Status == StatusRunning && s.TerminatedAt == nil && s.ExtensionCount < s.MaxExtensions
}

// SessionView is the read model handed to callers. Derived fields are
// computed at read time and never stored.
type SessionView struct {
	*Session
	TimeRemainingSec int64      `json:"time_remaining_sec"`
	CanExtend        bool       `json:"can_extend"`
	Instances        []Instance `json:"instances,omitempty"`
	Tasks            []Task     `json:"tasks,omitempty"`
}

func NewSessionView(s *Session, now time.Time) SessionView {
	return SessionView{
		Session:          s,
		TimeRemainingSec: s.TimeRemaining(now),
		CanExtend:        s.CanExtend(),
	}
}

// ProxyTarget is the internal routing destination for a session console.
type ProxyTarget struct {
	TargetHost string `json:"target_host"`
	TargetPort int    `json:"target_port"`
}
