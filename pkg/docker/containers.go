package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/abcdlsj/devnest/pkg/labels"
)

// CreateContainer creates (but does not start) a managed container and
// returns its id. The managed label set is always applied.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if !spec.Kind.Valid() {
		return "", fmt.Errorf("create container %s: invalid kind %q", spec.Name, spec.Kind)
	}
	if spec.Owner == "" {
		return "", fmt.Errorf("create container %s: owner is required", spec.Name)
	}

	cfg, hostCfg, netCfg, err := buildCreateConfig(spec)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", wrap("create container", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		log.Warn("Runtime warning on create", "container", spec.Name, "warning", w)
	}

	log.Debug("Created container", "name", spec.Name, "id", ShortID(resp.ID), "kind", spec.Kind, "owner", spec.Owner)
	return resp.ID, nil
}

func buildCreateConfig(spec ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	exposed, bindings, err := portConfig(spec.Ports)
	if err != nil {
		return nil, nil, nil, err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Cmd:          spec.Cmd,
		Entrypoint:   spec.Entrypoint,
		WorkingDir:   spec.WorkingDir,
		User:         spec.User,
		Hostname:     spec.Hostname,
		Tty:          spec.Tty,
		ExposedPorts: exposed,
		Labels:       labels.Merge(labels.For(spec.Kind, spec.Owner), spec.Labels),
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts(spec.Mounts),
	}
	if spec.Restart != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(spec.Restart)}
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	return cfg, hostCfg, netCfg, nil
}

func portConfig(ports map[string]int) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}

	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for raw, hostPort := range ports {
		proto, port := nat.SplitProtoPort(raw)
		p, err := nat.NewPort(proto, port)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %q: %w", raw, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}
	}
	return exposed, bindings, nil
}

func mounts(in []Mount) []mount.Mount {
	out := make([]mount.Mount, 0, len(in))
	for _, m := range in {
		if m.Volume != "" {
			out = append(out, mount.Mount{Type: mount.TypeVolume, Source: m.Volume, Target: m.Target, ReadOnly: m.ReadOnly})
			continue
		}
		out = append(out, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	return out
}

// StartContainer starts a created or stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	return wrap("start container", id, c.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

// StopContainer stops a container, giving it timeout before SIGKILL.
// A negative timeout uses the runtime default.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout >= 0 {
		secs := int(timeout.Seconds())
		opts.Timeout = &secs
	}
	return wrap("stop container", id, c.cli.ContainerStop(ctx, id, opts))
}

// RestartContainer restarts a container with the default stop timeout.
func (c *Client) RestartContainer(ctx context.Context, id string) error {
	secs := defaultStopTimeout
	return wrap("restart container", id, c.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &secs}))
}

// KillContainer sends SIGKILL.
func (c *Client) KillContainer(ctx context.Context, id string) error {
	return wrap("kill container", id, c.cli.ContainerKill(ctx, id, "SIGKILL"))
}

// RemoveContainer removes a container. Removing a container that no longer
// exists is not an error.
func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	err := c.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil && IsNotFound(err) {
		return nil
	}
	return wrap("remove container", id, err)
}

// Inspect returns the live state of a container. A missing container yields
// Exists=false and no error.
func (c *Client) Inspect(ctx context.Context, id string) (ContainerState, error) {
	ctx, cancel := c.statusCtx(ctx)
	defer cancel()

	resp, err := c.cli.ContainerInspect(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return ContainerState{}, nil
		}
		return ContainerState{}, wrap("inspect container", id, err)
	}
	return stateFromInspect(resp), nil
}

func stateFromInspect(resp container.InspectResponse) ContainerState {
	st := ContainerState{Exists: true, Health: HealthNone}
	if resp.ContainerJSONBase != nil {
		st.ID = resp.ID
		st.Name = strings.TrimPrefix(resp.Name, "/")
		if t, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
			st.Created = t
		}
		if resp.State != nil {
			st.State = string(resp.State.Status)
			st.Running = resp.State.Running
			if resp.State.Health != nil && resp.State.Health.Status != "" {
				st.Health = string(resp.State.Health.Status)
			}
		}
	}
	if resp.Config != nil {
		st.Labels = resp.Config.Labels
	}
	if resp.NetworkSettings != nil {
		st.Ports = bindingsFromPortMap(resp.NetworkSettings.Ports)
	}
	return st
}

func bindingsFromPortMap(pm nat.PortMap) []PortBinding {
	var out []PortBinding
	for port, binds := range pm {
		for _, b := range binds {
			hp, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			out = append(out, PortBinding{HostIP: b.HostIP, HostPort: hp, ContainerPort: string(port)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContainerPort != out[j].ContainerPort {
			return out[i].ContainerPort < out[j].ContainerPort
		}
		return out[i].HostPort < out[j].HostPort
	})
	return out
}

// FindByLabel locates the managed container carrying key=value (and kind, if
// given). When several match, a running one is preferred. No match yields
// Exists=false.
func (c *Client) FindByLabel(ctx context.Context, key, value string, kind labels.Kind) (ContainerState, error) {
	lctx, cancel := c.statusCtx(ctx)
	defer cancel()

	args := filters.NewArgs(
		filters.Arg("label", labels.Selector(labels.Managed, labels.ManagedValue)),
		filters.Arg("label", labels.Selector(key, value)),
	)
	if kind != "" {
		args.Add("label", labels.Selector(labels.Type, string(kind)))
	}

	list, err := c.cli.ContainerList(lctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return ContainerState{}, wrap("find container", labels.Selector(key, value), err)
	}

	var candidates []candidate
	for _, ct := range list {
		candidates = append(candidates, candidate{id: ct.ID, state: string(ct.State), labels: ct.Labels})
	}

	id := pickCandidate(candidates, key, value, kind)
	if id == "" {
		return ContainerState{}, nil
	}
	return c.Inspect(ctx, id)
}

type candidate struct {
	id     string
	state  string
	labels map[string]string
}

// pickCandidate re-checks the daemon's filter result locally and returns the
// preferred id.
func pickCandidate(list []candidate, key, value string, kind labels.Kind) string {
	var fallback string
	for _, ct := range list {
		if !labels.Matches(ct.labels, key, value, kind) {
			continue
		}
		if ct.state == StateRunning {
			return ct.id
		}
		if fallback == "" {
			fallback = ct.id
		}
	}
	return fallback
}

// ListManaged returns every managed container, volume and network.
func (c *Client) ListManaged(ctx context.Context) ([]Resource, error) {
	ctx, cancel := c.statusCtx(ctx)
	defer cancel()

	args := filters.NewArgs(filters.Arg("label", labels.Selector(labels.Managed, labels.ManagedValue)))

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, wrap("list containers", "", err)
	}

	var out []Resource
	for _, ct := range containers {
		if !labels.IsManaged(ct.Labels) {
			continue
		}
		name := ""
		if len(ct.Names) > 0 {
			name = strings.TrimPrefix(ct.Names[0], "/")
		}
		out = append(out, Resource{
			Type:   ResourceContainer,
			ID:     ct.ID,
			Name:   name,
			Kind:   labels.KindOf(ct.Labels),
			Owner:  labels.OwnerOf(ct.Labels),
			State:  string(ct.State),
			Labels: ct.Labels,
		})
	}

	vols, err := c.listVolumes(ctx, args)
	if err != nil {
		return nil, err
	}
	out = append(out, vols...)

	nets, err := c.listNetworks(ctx, args)
	if err != nil {
		return nil, err
	}
	out = append(out, nets...)

	return out, nil
}

// WaitContainer blocks until the container stops and returns its exit code.
// The caller bounds the wait through ctx.
func (c *Client) WaitContainer(ctx context.Context, id string) (int64, error) {
	respCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case resp := <-respCh:
		if resp.Error != nil && resp.Error.Message != "" {
			return resp.StatusCode, wrap("wait container", id, fmt.Errorf("%s", resp.Error.Message))
		}
		return resp.StatusCode, nil
	case err := <-errCh:
		return -1, wrap("wait container", id, err)
	case <-ctx.Done():
		return -1, wrap("wait container", id, ctx.Err())
	}
}

// WaitRunning polls until the container reports running. It returns false
// when the deadline passes or the container disappears.
func (c *Client) WaitRunning(ctx context.Context, id string, interval, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := c.Inspect(ctx, id)
		if err == nil && st.Running {
			return true
		}
		if err == nil && !st.Exists {
			return false
		}

		select {
		case <-ctx.Done():
			log.Debug("Gave up waiting for container to run", "id", ShortID(id), "timeout", timeout)
			return false
		case <-ticker.C:
		}
	}
}
