package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strconv"

	"lab-sessions/internal/domain"
	"lab-sessions/internal/service"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	labelManaged = "lab.managed"
	labelSession = "lab.session"
	labelKind    = "lab.kind"
)

type DockerConfig struct {
	ConsoleImage string
	ConsolePort  int
}

// DockerBackend provisions each session as an isolated bridge network with
// one container per target plus a web console, all at static addresses.
type DockerBackend struct {
	cli    *client.Client
	cfg    DockerConfig
	logger *log.Logger
}

func NewDockerBackend(cfg DockerConfig) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerBackend{cli: cli, cfg: cfg, logger: log.WithPrefix("docker")}, nil
}

func (d *DockerBackend) Name() string { return "docker" }

func (d *DockerBackend) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerBackend) Provision(ctx context.Context, req service.ProvisionRequest) (*ProvisionResponse, error) {
	block, err := netip.ParsePrefix(req.CIDRBlock)
	if err != nil {
		return nil, fmt.Errorf("parse block %q: %w", req.CIDRBlock, err)
	}
	gateway, _ := service.HostAddress(block, 1)

	labels := map[string]string{labelManaged: "true", labelSession: req.SessionCode}
	_, err = d.cli.NetworkCreate(ctx, req.NetworkName, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: block.String(), Gateway: gateway.String()}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create network %s: %w", req.NetworkName, err)
	}

	resp := &ProvisionResponse{PrimaryAddress: req.PrimaryAddress, ConsolePath: req.ConsolePath}
	targets := req.Manifest.OrderedTargets()
	for i, t := range targets {
		addr, ok := service.HostAddress(block, 2+i)
		if !ok {
			d.cleanup(req.SessionCode)
			return nil, fmt.Errorf("block %s too small for %d targets", block, len(targets))
		}
		id, err := d.run(ctx, req, t.Name, domain.InstanceTarget, &container.Config{
			Image: t.Image,
			Env:   envList(t.Env),
		}, addr)
		if err != nil {
			d.cleanup(req.SessionCode)
			return nil, err
		}
		resp.Instances = append(resp.Instances, InstancePayload{
			Kind:            string(domain.InstanceTarget),
			Name:            t.Name,
			ContainerID:     id,
			Image:           t.Image,
			InternalAddress: addr.String(),
			Metadata:        map[string]string{"entry": strconv.FormatBool(t.Name == req.Manifest.EntryTarget)},
		})
	}

	consoleAddr, ok := service.HostAddress(block, 2+len(targets))
	if !ok {
		d.cleanup(req.SessionCode)
		return nil, fmt.Errorf("block %s has no room for a console", block)
	}
	port := strconv.Itoa(d.cfg.ConsolePort)
	id, err := d.run(ctx, req, "console", domain.InstanceConsole, &container.Config{
		Image: d.cfg.ConsoleImage,
		Cmd:   []string{"ttyd", "-W", "-p", port, "sh"},
		Env:   []string{"LAB_TARGET=" + req.PrimaryAddress},
	}, consoleAddr)
	if err != nil {
		d.cleanup(req.SessionCode)
		return nil, err
	}
	resp.ConsoleHost = consoleAddr.String()
	resp.ConsolePort = d.cfg.ConsolePort
	resp.Instances = append(resp.Instances, InstancePayload{
		Kind:            string(domain.InstanceConsole),
		Name:            "console",
		ContainerID:     id,
		Image:           d.cfg.ConsoleImage,
		InternalAddress: consoleAddr.String(),
		AccessHost:      consoleAddr.String(),
		AccessPort:      d.cfg.ConsolePort,
	})

	d.logger.Info("Session provisioned", "code", req.SessionCode, "network", req.NetworkName, "containers", len(resp.Instances))
	return resp, nil
}

// run creates and starts one container pinned to addr on the session
// network, pulling the image first when it is missing locally.
func (d *DockerBackend) run(ctx context.Context, req service.ProvisionRequest, name string, kind domain.InstanceKind, cfg *container.Config, addr netip.Addr) (string, error) {
	cfg.Labels = map[string]string{
		labelManaged: "true",
		labelSession: req.SessionCode,
		labelKind:    string(kind),
	}
	cfg.Hostname = name
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			req.NetworkName: {
				IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: addr.String()},
				Aliases:    []string{name},
			},
		},
	}
	hostCfg := &container.HostConfig{AutoRemove: false}
	containerName := fmt.Sprintf("%s-%s", req.NetworkName, name)

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName)
	if err != nil && client.IsErrNotFound(err) {
		d.logger.Info("Image not found locally, pulling", "image", cfg.Image)
		if pullErr := d.pull(ctx, cfg.Image); pullErr != nil {
			return "", fmt.Errorf("pull %s: %w", cfg.Image, pullErr)
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName)
	}
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", containerName, err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", containerName, err)
	}
	return created.ID, nil
}

func (d *DockerBackend) pull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerBackend) Terminate(ctx context.Context, sessionCode string) error {
	return d.remove(ctx, sessionCode)
}

func (d *DockerBackend) Reconcile(ctx context.Context, sessions []service.ActiveSession) (*ReconcileResponse, error) {
	args := filters.NewArgs(filters.Arg("label", labelManaged+"=true"))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	active := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		active[s.SessionCode] = false
	}
	orphans := map[string]bool{}
	for _, c := range containers {
		code := c.Labels[labelSession]
		if _, ok := active[code]; ok {
			active[code] = true
			continue
		}
		orphans[code] = true
	}

	resp := &ReconcileResponse{Success: true}
	var errs []error
	for code := range orphans {
		resp.Orphans = append(resp.Orphans, code)
		if err := d.remove(ctx, code); err != nil {
			errs = append(errs, err)
		}
	}
	for code, seen := range active {
		if !seen {
			resp.Missing = append(resp.Missing, code)
		}
	}
	sort.Strings(resp.Orphans)
	sort.Strings(resp.Missing)
	if len(errs) > 0 {
		return resp, errors.Join(errs...)
	}
	return resp, nil
}

// remove deletes every container and network labelled with sessionCode.
func (d *DockerBackend) remove(ctx context.Context, sessionCode string) error {
	args := filters.NewArgs(filters.Arg("label", labelSession+"="+sessionCode))

	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("list containers of %s: %w", sessionCode, err)
	}
	var errs []error
	for _, c := range containers {
		if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("remove container %s: %w", c.ID, err))
		}
	}

	networks, err := d.cli.NetworkList(ctx, network.ListOptions{Filters: args})
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list networks of %s: %w", sessionCode, err))...)
	}
	for _, n := range networks {
		if err := d.cli.NetworkRemove(ctx, n.ID); err != nil && !client.IsErrNotFound(err) {
			errs = append(errs, fmt.Errorf("remove network %s: %w", n.Name, err))
		}
	}
	if len(errs) == 0 {
		d.logger.Info("Session resources removed", "code", sessionCode, "containers", len(containers), "networks", len(networks))
	}
	return errors.Join(errs...)
}

// cleanup is used after a partial provision; the caller's context may
// already be cancelled.
func (d *DockerBackend) cleanup(sessionCode string) {
	if err := d.remove(context.Background(), sessionCode); err != nil {
		d.logger.Warn("Cleanup after failed provision incomplete", "code", sessionCode, "err", err)
	}
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
