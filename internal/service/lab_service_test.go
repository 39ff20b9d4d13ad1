package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lab-sessions/internal/domain"
	"lab-sessions/internal/service"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSessionReusesActiveSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	first := h.start(t, "alice", "web-101")
	assert.False(t, first.Reused)
	assert.Equal(t, domain.StatusRunning, first.Session.Status)
	assert.Equal(t, int64(3600), first.Session.TimeRemainingSec)
	assert.True(t, first.Session.CanExtend)
	assert.Len(t, first.Session.Instances, 2)
	require.Len(t, first.Session.Tasks, 1)
	assert.Equal(t, "flag", first.Session.Tasks[0].Slug)
	assert.Equal(t, service.ModeDelegated, first.Session.Metadata["provisioning_mode"])

	second := h.start(t, "alice", "web-101")
	assert.True(t, second.Reused)
	assert.Equal(t, first.Session.ID, second.Session.ID)

	// A different challenge gets its own session.
	other := h.start(t, "alice", "net-201")
	assert.NotEqual(t, first.Session.ID, other.Session.ID)
	assert.NotEqual(t, first.Session.CIDRBlock, other.Session.CIDRBlock)

	sessions, err := h.svc.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	assert.Len(t, h.orch.provisioned, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Provisioned.WithLabelValues(service.ModeDelegated)))
}

func TestStartSessionUnknownChallenge(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.svc.StartSession(context.Background(), "alice", "missing", false)
	assert.ErrorIs(t, err, domain.ErrChallengeNotFound)
}

func TestForceNewReplacesActiveSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	first := h.start(t, "alice", "web-101")

	res, err := h.svc.StartSession(context.Background(), "alice", "web-101", true)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.NotEqual(t, first.Session.ID, res.Session.ID)

	old := h.session(t, first.Session.ID)
	assert.Equal(t, domain.StatusStopped, old.Status)
	assert.Equal(t, domain.ReasonReplaced, old.Metadata["termination_reason"])
	assert.Equal(t, []string{first.Session.Code}, h.orch.terminatedCodes())

	n, err := h.svc.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdmissionCeiling(t *testing.T) {
	h := newHarness(t, harnessOpts{ceiling: 2})
	ctx := context.Background()

	alice := h.start(t, "alice", "web-101")
	h.start(t, "bob", "web-101")

	_, err := h.svc.StartSession(ctx, "carol", "web-101", false)
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.True(t, de.Retryable)

	// Reuse is not subject to admission.
	again, err := h.svc.StartSession(ctx, "alice", "web-101", false)
	require.NoError(t, err)
	assert.True(t, again.Reused)

	_, err = h.svc.TerminateSession(ctx, alice.Session.ID, "")
	require.NoError(t, err)
	h.start(t, "carol", "web-101")
}

func TestConcurrentStartsRespectCeiling(t *testing.T) {
	h := newHarness(t, harnessOpts{ceiling: 3})
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.StartSession(ctx, fmt.Sprintf("trainee-%d", i), "web-101", false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrCapacityExceeded):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 5, rejected)
	n, err := h.svc.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNetworkExhaustion(t *testing.T) {
	h := newHarness(t, harnessOpts{baseCIDR: "10.200.0.0/23"})
	a := h.start(t, "alice", "web-101")
	b := h.start(t, "bob", "web-101")
	assert.NotEqual(t, a.Session.CIDRBlock, b.Session.CIDRBlock)

	_, err := h.svc.StartSession(context.Background(), "carol", "web-101", false)
	assert.ErrorIs(t, err, domain.ErrNetworkExhausted)
}

func TestExtendSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	s := h.start(t, "alice", "web-101")

	v, err := h.svc.ExtendSession(ctx, s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, v.ExtensionCount)
	assert.True(t, v.ExpiresAt.Equal(t0.Add(90*time.Minute)))

	v, err = h.svc.ExtendSession(ctx, s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, v.ExtensionCount)
	assert.False(t, v.CanExtend)

	_, err = h.svc.ExtendSession(ctx, s.Session.ID)
	assert.ErrorIs(t, err, domain.ErrExtensionLimitReached)
	assert.Equal(t, 2, h.session(t, s.Session.ID).ExtensionCount)

	_, err = h.svc.ExtendSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	assert.Contains(t, h.eventNames(t, s.Session.ID), domain.EventSessionExtended)
}

func TestExtendTerminatedSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	s := h.start(t, "alice", "web-101")

	_, err := h.svc.TerminateSession(ctx, s.Session.ID, "done")
	require.NoError(t, err)
	_, err = h.svc.ExtendSession(ctx, s.Session.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotRunning)
}

func TestTerminateIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	s := h.start(t, "alice", "web-101")

	h.clock.Advance(5 * time.Minute)
	v, err := h.svc.TerminateSession(ctx, s.Session.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, v.Status)
	require.NotNil(t, v.TerminatedAt)
	assert.True(t, v.TerminatedAt.Equal(t0.Add(5*time.Minute)))
	assert.Equal(t, domain.ReasonManual, v.Metadata["termination_reason"])
	for _, inst := range v.Instances {
		assert.Equal(t, domain.InstanceStatusStopped, inst.Status)
	}

	h.clock.Advance(time.Minute)
	again, err := h.svc.TerminateSession(ctx, s.Session.ID, "other")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, again.Status)
	assert.True(t, again.TerminatedAt.Equal(t0.Add(5*time.Minute)))
	assert.Len(t, h.orch.terminatedCodes(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Terminated.WithLabelValues(string(domain.StatusStopped))))
}

func TestResetSession(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	s := h.start(t, "alice", "web-101")

	res, err := h.svc.ResetSession(context.Background(), s.Session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, s.Session.ID, res.Session.ID)
	assert.Equal(t, domain.StatusRunning, res.Session.Status)
	assert.Equal(t, "alice", res.Session.TraineeID)

	old := h.session(t, s.Session.ID)
	assert.Equal(t, domain.StatusStopped, old.Status)
	assert.Equal(t, domain.ReasonReset, old.Metadata["termination_reason"])
}

func TestFallbackProvisioningIsRecorded(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.orch.provisionFn = func(_ context.Context, req service.ProvisionRequest) service.ProvisionResult {
		res := delegatedResult(req)
		res.Mode = service.ModeFallback
		res.FallbackReason = "connection refused"
		return res
	}

	s := h.start(t, "alice", "web-101")
	assert.Equal(t, domain.StatusRunning, s.Session.Status)
	assert.Equal(t, service.ModeFallback, s.Session.Metadata["provisioning_mode"])
	assert.Equal(t, "connection refused", s.Session.Metadata["fallback_reason"])
	assert.Equal(t,
		[]string{domain.EventProvisioningFallback, domain.EventSessionRunning},
		h.eventNames(t, s.Session.ID))
}

func TestProvisioningAbortedWhenSessionFailedMeanwhile(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.orch.provisionFn = func(ctx context.Context, req service.ProvisionRequest) service.ProvisionResult {
		changed, err := h.repo.TerminateSession(ctx, req.SessionID,
			[]domain.SessionStatus{domain.StatusProvisioning}, domain.StatusFailed, t0, domain.ReasonProvisioningTimeout)
		require.NoError(t, err)
		require.True(t, changed)
		return delegatedResult(req)
	}

	_, err := h.svc.StartSession(context.Background(), "alice", "web-101", false)
	require.ErrorIs(t, err, domain.ErrProvisioningAborted)

	sessions, err := h.svc.ListSessions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.StatusFailed, sessions[0].Status)
	assert.Equal(t, []string{sessions[0].Code}, h.orch.terminatedCodes())
	assert.Contains(t, h.eventNames(t, sessions[0].ID), domain.EventProvisioningAborted)
}

func TestResolveProxyTarget(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	s := h.start(t, "alice", "web-101")

	target, err := h.svc.ResolveProxyTarget(ctx, "alice", s.Session.Code)
	require.NoError(t, err)
	assert.Equal(t, "console.internal", target.TargetHost)
	assert.Equal(t, 7681, target.TargetPort)

	_, err = h.svc.ResolveProxyTarget(ctx, "bob", s.Session.Code)
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)

	_, err = h.svc.ResolveProxyTarget(ctx, "alice", "unknown")
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)

	// Past expiry the console is unreachable even before the sweep runs.
	h.clock.Advance(time.Hour)
	_, err = h.svc.ResolveProxyTarget(ctx, "alice", s.Session.Code)
	assert.ErrorIs(t, err, domain.ErrSessionUnavailable)
}

func TestGetSessionHidesOtherTrainees(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	s := h.start(t, "alice", "web-101")

	_, err := h.svc.GetSession(ctx, "bob", s.Session.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	h.clock.Advance(10 * time.Minute)
	v, err := h.svc.GetSession(ctx, "alice", s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50*60), v.TimeRemainingSec)

	h.clock.Advance(50*time.Minute - 500*time.Millisecond)
	v, err = h.svc.GetSession(ctx, "alice", s.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.TimeRemainingSec)

	h.clock.Advance(time.Second)
	v, err = h.svc.GetSession(ctx, "alice", s.Session.ID)
	require.NoError(t, err)
	assert.Zero(t, v.TimeRemainingSec)
}

// brokenInstanceStore fails every instance write and delegates the rest.
type brokenInstanceStore struct {
	service.LabRepository
}

func (brokenInstanceStore) ReplaceInstances(context.Context, string, []domain.Instance, time.Time) error {
	return errors.New("disk I/O error")
}

func TestInstanceRecordFailureFailsSession(t *testing.T) {
	h := newHarness(t, harnessOpts{wrapRepo: func(r service.LabRepository) service.LabRepository {
		return brokenInstanceStore{r}
	}})
	ctx := context.Background()

	_, err := h.svc.StartSession(ctx, "alice", "web-101", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record instances")

	sessions, err := h.repo.ListSessionsByTrainee(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	sess := sessions[0]
	assert.Equal(t, domain.StatusFailed, sess.Status)
	require.NotNil(t, sess.TerminatedAt)
	assert.True(t, sess.TerminatedAt.Equal(t0))
	assert.Equal(t, "instance_registry_error", sess.Metadata["termination_reason"])

	names := h.eventNames(t, sess.ID)
	assert.NotContains(t, names, domain.EventSessionRunning)
	assert.Contains(t, names, domain.EventSessionTerminated)
	assert.Equal(t, []string{sess.Code}, h.orch.terminatedCodes())

	active, err := h.repo.CountActiveSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, active)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Terminated.WithLabelValues(string(domain.StatusFailed))))
}
