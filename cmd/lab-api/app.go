package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"lab-sessions/internal/api"
	"lab-sessions/internal/clock"
	"lab-sessions/internal/config"
	"lab-sessions/internal/metrics"
	"lab-sessions/internal/orchestrator"
	"lab-sessions/internal/repository"
	"lab-sessions/internal/service"

	"github.com/charmbracelet/log"
)

// app holds the wired components shared by the serve and sweep commands.
type app struct {
	cfg        *config.Config
	repo       service.LabRepository
	metrics    *metrics.Metrics
	gateway    *orchestrator.Gateway
	labs       *service.LabService
	maintainer *service.Maintainer
	handler    *api.Handler
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	repo, err := repository.NewSQLiteRepository(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clk := clock.Real()
	catalog := service.NewTemplateCatalog(repo, clk, cfg.DefaultTTLMinutes, cfg.MaxExtensions)
	if cfg.TemplatesFile != "" {
		seeds, err := service.LoadTemplateSeeds(cfg.TemplatesFile)
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("load templates: %w", err)
		}
		if err := catalog.Seed(ctx, seeds); err != nil {
			repo.Close()
			return nil, err
		}
		log.Info("Templates seeded", "file", cfg.TemplatesFile, "count", len(seeds))
	}

	allocator, err := service.NewNetworkAllocator(cfg.NetworkBaseCIDR, cfg.NetworkSubnetPrefix, repo, clk)
	if err != nil {
		repo.Close()
		return nil, err
	}

	backend, err := selectBackend(cfg)
	if err != nil {
		repo.Close()
		return nil, err
	}
	gateway := orchestrator.NewGateway(backend, orchestrator.Config{
		Timeout:             cfg.OrchestratorTimeout(),
		FallbackConsoleHost: cfg.FallbackConsoleHost,
		FallbackConsolePort: cfg.FallbackConsolePort,
	})
	log.Info("Orchestrator configured", "mode", gateway.Mode())

	m := metrics.New()
	labs := service.NewLabService(service.LabServiceDeps{
		Repo:         repo,
		Catalog:      catalog,
		Allocator:    allocator,
		Admission:    service.NewAdmissionController(repo, cfg.MaxActiveSessions),
		Orchestrator: gateway,
		Metrics:      m,
		Clock:        clk,
		Extension:    cfg.Extension(),
		Strict:       cfg.AdmissionStrict,
	})
	maintainer := service.NewMaintainer(repo, gateway, labs, m, clk, service.MaintainerConfig{
		Interval:            cfg.MaintenanceInterval(),
		ReconcileInterval:   cfg.ReconcileInterval(),
		ProvisioningTimeout: cfg.ProvisioningTimeout(),
	})
	health := service.NewHealthService(repo, gateway, filepath.Dir(cfg.DBPath))

	return &app{
		cfg:        cfg,
		repo:       repo,
		metrics:    m,
		gateway:    gateway,
		labs:       labs,
		maintainer: maintainer,
		handler:    api.NewHandler(labs, health, cfg.ConsoleWSPath),
	}, nil
}

// selectBackend prefers a remote orchestrator, then the local Docker
// engine. A nil backend leaves the gateway in fallback mode.
func selectBackend(cfg *config.Config) (orchestrator.Backend, error) {
	switch {
	case cfg.OrchestratorURL != "":
		client := &http.Client{Timeout: cfg.OrchestratorTimeout()}
		return orchestrator.NewHTTPBackend(cfg.OrchestratorURL, cfg.OrchestratorSecret, client), nil
	case cfg.OrchestratorBackend == "docker":
		return orchestrator.NewDockerBackend(orchestrator.DockerConfig{
			ConsoleImage: cfg.DockerConsoleImage,
			ConsolePort:  cfg.DockerConsolePort,
		})
	default:
		return nil, nil
	}
}

func (a *app) Close() error {
	return a.repo.Close()
}
