package service

import (
	"context"
	"fmt"

	"lab-sessions/internal/domain"
)

type ActiveCounter interface {
	CountActiveSessions(ctx context.Context) (int, error)
}

// AdmissionController caps the platform-wide number of non-terminal
// sessions.
type AdmissionController struct {
	counter ActiveCounter
	ceiling int
}

func NewAdmissionController(counter ActiveCounter, ceiling int) *AdmissionController {
	return &AdmissionController{counter: counter, ceiling: ceiling}
}

// Admit returns ErrCapacityExceeded once the active count reaches the
// ceiling.
func (a *AdmissionController) Admit(ctx context.Context) error {
	n, err := a.counter.CountActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("count active sessions: %w", err)
	}
	if n >= a.ceiling {
		return fmt.Errorf("%d/%d sessions active: %w", n, a.ceiling, domain.ErrCapacityExceeded)
	}
	return nil
}
