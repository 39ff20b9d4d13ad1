package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lab-sessions/internal/clock"
	"lab-sessions/internal/domain"
	"lab-sessions/internal/metrics"
	"lab-sessions/internal/repository"
	"lab-sessions/internal/service"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// stubOrchestrator records calls and answers Provision through provisionFn.
type stubOrchestrator struct {
	mu           sync.Mutex
	provisionFn  func(ctx context.Context, req service.ProvisionRequest) service.ProvisionResult
	reconcileFn  func(ctx context.Context, sessions []service.ActiveSession) error
	provisioned  []string
	terminated   []string
	reconcileArg [][]service.ActiveSession
}

func (o *stubOrchestrator) Provision(ctx context.Context, req service.ProvisionRequest) service.ProvisionResult {
	o.mu.Lock()
	o.provisioned = append(o.provisioned, req.SessionCode)
	fn := o.provisionFn
	o.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return delegatedResult(req)
}

func (o *stubOrchestrator) Terminate(_ context.Context, code string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminated = append(o.terminated, code)
	return nil
}

func (o *stubOrchestrator) Reconcile(ctx context.Context, sessions []service.ActiveSession) error {
	o.mu.Lock()
	o.reconcileArg = append(o.reconcileArg, sessions)
	fn := o.reconcileFn
	o.mu.Unlock()
	if fn != nil {
		return fn(ctx, sessions)
	}
	return nil
}

func (o *stubOrchestrator) Mode() string { return "delegated:stub" }

func (o *stubOrchestrator) Ping(context.Context) error { return nil }

func (o *stubOrchestrator) terminatedCodes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.terminated...)
}

func delegatedResult(req service.ProvisionRequest) service.ProvisionResult {
	return service.ProvisionResult{
		Mode:           service.ModeDelegated,
		PrimaryAddress: req.PrimaryAddress,
		ConsolePath:    req.ConsolePath,
		ConsoleHost:    "console.internal",
		ConsolePort:    7681,
		Instances: []domain.Instance{
			{Kind: domain.InstanceTarget, Name: "web", InternalAddress: req.PrimaryAddress, Status: domain.InstanceStatusRunning},
			{Kind: domain.InstanceConsole, Name: "console", AccessHost: "console.internal", AccessPort: 7681, Status: domain.InstanceStatusRunning},
		},
	}
}

type harnessOpts struct {
	baseCIDR string
	ceiling  int
	// wrapRepo lets a test intercept store calls made by the services.
	wrapRepo func(service.LabRepository) service.LabRepository
}

type harness struct {
	repo       service.LabRepository
	clock      *clock.Fake
	orch       *stubOrchestrator
	metrics    *metrics.Metrics
	svc        *service.LabService
	maintainer *service.Maintainer
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.baseCIDR == "" {
		opts.baseCIDR = "10.200.0.0/16"
	}
	if opts.ceiling == 0 {
		opts.ceiling = 50
	}

	sqlRepo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "lab.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlRepo.Close() })
	repo := sqlRepo
	if opts.wrapRepo != nil {
		repo = opts.wrapRepo(sqlRepo)
	}

	ctx := context.Background()
	for _, id := range []string{"web-101", "net-201"} {
		require.NoError(t, repo.PutChallenge(ctx, domain.Challenge{ID: id, Title: id, TargetServiceName: "web", Points: 100}))
	}

	clk := clock.NewFake(t0)
	alloc, err := service.NewNetworkAllocator(opts.baseCIDR, 24, repo, clk)
	require.NoError(t, err)

	orch := &stubOrchestrator{}
	m := metrics.New()
	svc := service.NewLabService(service.LabServiceDeps{
		Repo:         repo,
		Catalog:      service.NewTemplateCatalog(repo, clk, 60, 2),
		Allocator:    alloc,
		Admission:    service.NewAdmissionController(repo, opts.ceiling),
		Orchestrator: orch,
		Metrics:      m,
		Clock:        clk,
		Extension:    30 * time.Minute,
		Strict:       true,
	})
	maintainer := service.NewMaintainer(repo, orch, svc, m, clk, service.MaintainerConfig{
		Interval:            time.Second,
		ReconcileInterval:   2 * time.Minute,
		ProvisioningTimeout: 10 * time.Minute,
	})

	return &harness{repo: repo, clock: clk, orch: orch, metrics: m, svc: svc, maintainer: maintainer}
}

func (h *harness) start(t *testing.T, trainee, challenge string) *service.StartResult {
	t.Helper()
	res, err := h.svc.StartSession(context.Background(), trainee, challenge, false)
	require.NoError(t, err)
	return res
}

func (h *harness) session(t *testing.T, id string) *domain.Session {
	t.Helper()
	s, err := h.repo.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

func (h *harness) eventNames(t *testing.T, sessionID string) []string {
	t.Helper()
	events, err := h.repo.ListEvents(context.Background(), sessionID)
	require.NoError(t, err)
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.Name)
	}
	return names
}
