package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lab-sessions/internal/clock"
	"lab-sessions/internal/domain"
	"lab-sessions/internal/metrics"

	"github.com/charmbracelet/log"
)

type MaintainerConfig struct {
	Interval            time.Duration
	ReconcileInterval   time.Duration
	ProvisioningTimeout time.Duration
}

// Maintainer is the background reconciliation loop: it expires sessions,
// fails stuck provisioning and periodically reconciles with the
// orchestrator.
type Maintainer struct {
	repo         SessionRepository
	orchestrator Orchestrator
	lifecycle    *LabService
	metrics      *metrics.Metrics
	clock        clock.Clock
	cfg          MaintainerConfig

	inFlight      atomic.Bool
	started       atomic.Bool
	lastReconcile time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	logger   *log.Logger
}

func NewMaintainer(repo SessionRepository, orchestrator Orchestrator, lifecycle *LabService, m *metrics.Metrics, clk clock.Clock, cfg MaintainerConfig) *Maintainer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Maintainer{
		repo:         repo,
		orchestrator: orchestrator,
		lifecycle:    lifecycle,
		metrics:      m,
		clock:        clk,
		cfg:          cfg,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		logger:       log.WithPrefix("maintenance"),
	}
}

// TickReport summarizes one maintenance pass.
type TickReport struct {
	Skipped    bool
	Expired    int
	Failed     int
	Reconciled bool
	Active     int
	Errors     []error
}

// Start runs Tick on every interval until Stop is called or ctx ends.
func (m *Maintainer) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.logger.Info("Maintenance loop started", "interval", m.cfg.Interval, "reconcile_interval", m.cfg.ReconcileInterval)
		for {
			select {
			case <-ticker.C:
				m.safeTick(ctx)
			case <-m.stop:
				m.logger.Info("Maintenance loop stopped")
				return
			case <-ctx.Done():
				m.logger.Info("Maintenance loop stopped", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Stop ends the loop and waits for the running tick, if any.
func (m *Maintainer) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *Maintainer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Maintenance tick panicked", "panic", r)
			m.countTick("panic")
		}
	}()
	m.Tick(ctx)
}

// Tick runs one maintenance pass. A tick that starts while another is in
// flight is skipped. Step failures are logged and reported, never returned.
func (m *Maintainer) Tick(ctx context.Context) TickReport {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("Previous tick still running, skipping")
		m.countTick("skipped")
		return TickReport{Skipped: true}
	}
	defer m.inFlight.Store(false)

	var report TickReport
	now := m.clock.Now()

	n, err := m.expire(ctx, now)
	report.Expired = n
	if err != nil {
		report.Errors = append(report.Errors, err)
	}

	n, err = m.failStaleProvisioning(ctx, now)
	report.Failed = n
	if err != nil {
		report.Errors = append(report.Errors, err)
	}

	if m.lastReconcile.IsZero() || now.Sub(m.lastReconcile) >= m.cfg.ReconcileInterval {
		m.lastReconcile = now
		if err := m.reconcile(ctx); err != nil {
			report.Errors = append(report.Errors, err)
		} else {
			report.Reconciled = true
		}
	}

	active, err := m.repo.CountActiveSessions(ctx)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Errorf("count active sessions: %w", err))
	} else {
		report.Active = active
		if m.metrics != nil {
			m.metrics.ActiveSessions.Set(float64(active))
		}
	}

	for _, err := range report.Errors {
		m.logger.Warn("Maintenance step failed", "err", err)
	}
	if len(report.Errors) > 0 {
		m.countTick("error")
	} else {
		m.countTick("ok")
	}
	if report.Expired > 0 || report.Failed > 0 {
		m.logger.Info("Maintenance tick", "expired", report.Expired, "failed", report.Failed, "active", report.Active)
	}
	return report
}

func (m *Maintainer) expire(ctx context.Context, now time.Time) (int, error) {
	sessions, err := m.repo.ListExpiredSessions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	count := 0
	for _, sess := range sessions {
		if err := m.lifecycle.terminate(ctx, sess, activeStatuses, domain.StatusExpired, domain.ReasonTTLExpired); err != nil {
			m.logger.Warn("Failed to expire session", "code", sess.Code, "err", err)
			continue
		}
		count++
	}
	return count, nil
}

func (m *Maintainer) failStaleProvisioning(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-m.cfg.ProvisioningTimeout)
	sessions, err := m.repo.ListStaleProvisioning(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale provisioning: %w", err)
	}
	count := 0
	for _, sess := range sessions {
		expected := []domain.SessionStatus{domain.StatusProvisioning}
		if err := m.lifecycle.terminate(ctx, sess, expected, domain.StatusFailed, domain.ReasonProvisioningTimeout); err != nil {
			m.logger.Warn("Failed to fail stale session", "code", sess.Code, "err", err)
			continue
		}
		count++
	}
	return count, nil
}

func (m *Maintainer) reconcile(ctx context.Context) error {
	sessions, err := m.repo.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	active := make([]ActiveSession, 0, len(sessions))
	for _, sess := range sessions {
		active = append(active, ActiveSession{
			SessionCode:    sess.Code,
			NetworkName:    sess.NetworkName,
			CIDRBlock:      sess.CIDRBlock,
			PrimaryAddress: sess.PrimaryAddress,
		})
	}
	if err := m.orchestrator.Reconcile(ctx, active); err != nil {
		_ = m.repo.AppendEvent(ctx, &domain.Event{
			Name:      domain.EventReconcileFailed,
			Severity:  domain.SeverityWarn,
			Payload:   map[string]any{"error": err.Error(), "active": len(active)},
			CreatedAt: m.clock.Now(),
		})
		return fmt.Errorf("reconcile: %w", err)
	}
	m.logger.Debug("Reconciled with orchestrator", "active", len(active))
	return nil
}

func (m *Maintainer) countTick(result string) {
	if m.metrics != nil {
		m.metrics.MaintenanceTicks.WithLabelValues(result).Inc()
	}
}
