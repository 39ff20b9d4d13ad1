package service

import (
	"context"
	"os"
	"time"
)

type HealthStatus string

const (
	StatusOK          HealthStatus = "ok"
	StatusDegraded    HealthStatus = "degraded"
	StatusUnavailable HealthStatus = "unavailable"
)

type HealthCheckResponse struct {
	Status    HealthStatus      `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthService struct {
	repo         Pinger
	orchestrator Orchestrator
	dataDir      string
}

func NewHealthService(repo Pinger, orchestrator Orchestrator, dataDir string) *HealthService {
	return &HealthService{
		repo:         repo,
		orchestrator: orchestrator,
		dataDir:      dataDir,
	}
}

func (s *HealthService) CheckHealth(ctx context.Context) HealthCheckResponse {
	checks := make(map[string]string)
	aggregatedStatus := StatusOK

	// The store is the source of truth; without it nothing works.
	if err := s.repo.Ping(ctx); err != nil {
		checks["database"] = "error: " + err.Error()
		aggregatedStatus = StatusUnavailable
	} else {
		checks["database"] = "ok"
	}

	if err := s.checkDiskWritable(); err != nil {
		checks["disk"] = "error: " + err.Error()
		degrade(&aggregatedStatus)
	} else {
		checks["disk"] = "ok"
	}

	// Without a reachable orchestrator sessions still start, in fallback mode.
	checks["orchestrator_mode"] = s.orchestrator.Mode()
	if err := s.orchestrator.Ping(ctx); err != nil {
		checks["orchestrator"] = "error: " + err.Error()
		degrade(&aggregatedStatus)
	} else {
		checks["orchestrator"] = "ok"
	}

	return HealthCheckResponse{
		Status:    aggregatedStatus,
		Checks:    checks,
		Timestamp: time.Now(),
	}
}

func degrade(status *HealthStatus) {
	if *status == StatusOK {
		*status = StatusDegraded
	}
}

func (s *HealthService) checkDiskWritable() error {
	f, err := os.CreateTemp(s.dataDir, "healthcheck")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	return f.Close()
}
