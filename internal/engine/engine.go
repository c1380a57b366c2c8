// Package engine is the facade callers use: resource queries, project
// lifecycle, bulk file jobs and proxy reconciliation over one runtime.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/abcdlsj/devnest/pkg/config"
	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/events"
	"github.com/abcdlsj/devnest/pkg/helper"
	"github.com/abcdlsj/devnest/pkg/labels"
	"github.com/abcdlsj/devnest/pkg/metrics"
	"github.com/abcdlsj/devnest/pkg/ports"
	"github.com/abcdlsj/devnest/pkg/proxy"
	"github.com/abcdlsj/devnest/pkg/syncq"
)

const (
	runningPoll    = 250 * time.Millisecond
	runningTimeout = 30 * time.Second
	stopTimeout    = 10 * time.Second
)

// Runtime is everything the engine asks of the container runtime.
type Runtime interface {
	helper.Runtime
	proxy.Runtime

	Ping(ctx context.Context) error
	ListManaged(ctx context.Context) ([]docker.Resource, error)
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RestartContainer(ctx context.Context, id string) error
	WaitRunning(ctx context.Context, id string, interval, timeout time.Duration) bool
	EnsureNetwork(ctx context.Context, name string) error
	CreateVolume(ctx context.Context, name string, kind labels.Kind, owner string) error
	RemoveVolume(ctx context.Context, name string) error
}

type Engine struct {
	rt     Runtime
	broker *events.Broker
	queue  *syncq.Queue
	runner *helper.Runner
	proxy  *proxy.Reconciler
	ports  *ports.Resolver

	mu   sync.RWMutex
	cfg  *config.Config
	jobs map[string]*Job
}

func New(rt Runtime, cfg *config.Config, broker *events.Broker) *Engine {
	if broker == nil {
		broker = events.NewBroker()
	}

	e := &Engine{
		rt:     rt,
		broker: broker,
		queue:  syncq.New(cfg.Sync.Concurrency),
		runner: helper.New(rt, helperConfig(cfg)),
		proxy:  proxy.New(rt, cfg.Proxy.Caddyfile),
		ports:  ports.New(cfg.Ports.MaxAttempts),
		cfg:    cfg,
		jobs:   make(map[string]*Job),
	}
	e.queue.OnChange = func(st syncq.Status) {
		metrics.SetQueue(len(st.Active), len(st.Queued))
	}
	return e
}

func helperConfig(cfg *config.Config) helper.Config {
	return helper.Config{
		BaseImage:   cfg.Sync.BaseImage,
		SyncImage:   cfg.Sync.SyncImage,
		CopyTimeout: cfg.Sync.CopyTimeout,
		SyncTimeout: cfg.Sync.SyncTimeout,
		Excludes:    cfg.Sync.Excludes,
		Owner:       cfg.Sync.Owner,
	}
}

// Config returns the configuration in use.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig swaps the project table and proxy settings after a reload.
// Queue and runner settings take effect on restart.
func (e *Engine) SetConfig(cfg *config.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Broker returns the event feed the engine publishes to.
func (e *Engine) Broker() *events.Broker {
	return e.broker
}

// Subscribe attaches to the event feed.
func (e *Engine) Subscribe(buffer int) (<-chan events.Message, func()) {
	return e.broker.Subscribe(buffer)
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.rt.Ping(ctx)
}

// ContainerState looks up the container of kind owned by owner. A missing
// container is Exists=false, not an error.
func (e *Engine) ContainerState(ctx context.Context, kind labels.Kind, owner string) (docker.ContainerState, error) {
	if !kind.Valid() {
		return docker.ContainerState{}, fmt.Errorf("invalid kind %q", kind)
	}
	return e.rt.FindByLabel(ctx, labels.OwnerKey(kind), owner, kind)
}

// ListManagedResources returns all managed containers, volumes and networks,
// sorted by type then name.
func (e *Engine) ListManagedResources(ctx context.Context) ([]docker.Resource, error) {
	res, err := e.rt.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Type != res[j].Type {
			return res[i].Type < res[j].Type
		}
		return res[i].Name < res[j].Name
	})
	return res, nil
}

// ProjectSpec describes a project container to create.
type ProjectSpec struct {
	ID      string
	Name    string
	Image   string
	Domain  string
	Port    int
	Ports   []int
	Workdir string
	Env     map[string]string
}

// ProjectSpecFor builds a ProjectSpec from the configured project.
func (e *Engine) ProjectSpecFor(id string) (ProjectSpec, error) {
	cfg := e.Config()
	p, ok := cfg.Project(id)
	if !ok {
		return ProjectSpec{}, fmt.Errorf("project %s is not configured", id)
	}
	return ProjectSpec{
		ID:      id,
		Name:    p.Name,
		Image:   p.Image,
		Domain:  cfg.DomainFor(id),
		Port:    p.Port,
		Ports:   p.Ports,
		Workdir: p.Workdir,
		Env:     p.Env,
	}, nil
}

// ProjectResult is the outcome of CreateProjectContainer.
type ProjectResult struct {
	State docker.ContainerState `json:"state" yaml:"state"`
	// Ports maps each desired host port to the one actually bound.
	Ports map[int]int `json:"ports" yaml:"ports"`
}

// CreateProjectContainer makes sure the project's network, volume and
// container exist and that the container is running.
func (e *Engine) CreateProjectContainer(ctx context.Context, spec ProjectSpec) (ProjectResult, error) {
	if spec.ID == "" || spec.Image == "" {
		return ProjectResult{}, errors.New("create project: id and image are required")
	}
	cfg := e.Config()

	existing, err := e.ContainerState(ctx, labels.KindProject, spec.ID)
	if err != nil {
		return ProjectResult{}, err
	}
	if existing.Exists {
		if !existing.Running {
			if err := e.startAndWait(ctx, existing.ID); err != nil {
				return ProjectResult{}, fmt.Errorf("project %s: %w", spec.ID, err)
			}
		}
		st, err := e.ContainerState(ctx, labels.KindProject, spec.ID)
		return ProjectResult{State: st, Ports: boundPorts(st)}, err
	}

	if err := e.rt.EnsureNetwork(ctx, cfg.Network); err != nil {
		return ProjectResult{}, fmt.Errorf("project %s: %w", spec.ID, err)
	}
	volume := config.VolumeFor(spec.ID)
	if err := e.rt.CreateVolume(ctx, volume, labels.KindProject, spec.ID); err != nil {
		return ProjectResult{}, fmt.Errorf("project %s: %w", spec.ID, err)
	}

	desired := append([]int(nil), spec.Ports...)
	mapping, err := e.ports.Resolve(desired)
	if err != nil {
		return ProjectResult{}, fmt.Errorf("project %s: %w", spec.ID, err)
	}
	for want, got := range mapping {
		if want != got {
			log.Info("Port in use, remapped", "project", spec.ID, "desired", want, "actual", got)
		}
	}

	workdir := spec.Workdir
	if workdir == "" {
		workdir = "/workspace"
	}

	extra := map[string]string{labels.Domain: spec.Domain}
	if spec.Name != "" {
		extra[labels.ProjectName] = spec.Name
	}
	if spec.Port > 0 {
		extra[labels.Port] = strconv.Itoa(spec.Port)
	}

	cs := docker.ContainerSpec{
		Name:       config.ContainerFor(spec.ID),
		Image:      spec.Image,
		Kind:       labels.KindProject,
		Owner:      spec.ID,
		Labels:     extra,
		Env:        envList(spec.Env),
		WorkingDir: workdir,
		Hostname:   spec.ID,
		Ports:      make(map[string]int, len(mapping)),
		Mounts:     []docker.Mount{{Volume: volume, Target: workdir}},
		Network:    cfg.Network,
		Aliases:    []string{spec.ID},
		Restart:    "unless-stopped",
	}
	for want, got := range mapping {
		cs.Ports[strconv.Itoa(want)] = got
	}

	id, err := e.rt.CreateContainer(ctx, cs)
	if err != nil {
		return ProjectResult{}, err
	}
	if err := e.startAndWait(ctx, id); err != nil {
		return ProjectResult{}, fmt.Errorf("project %s: %w", spec.ID, err)
	}

	st, err := e.ContainerState(ctx, labels.KindProject, spec.ID)
	if err != nil {
		return ProjectResult{}, err
	}
	log.Info("Project container ready", "project", spec.ID, "id", st.ShortID())
	return ProjectResult{State: st, Ports: mapping}, nil
}

func (e *Engine) startAndWait(ctx context.Context, id string) error {
	if err := e.rt.StartContainer(ctx, id); err != nil {
		return err
	}
	if !e.rt.WaitRunning(ctx, id, runningPoll, runningTimeout) {
		return fmt.Errorf("container %s did not reach running within %s: %w", docker.ShortID(id), runningTimeout, docker.ErrTimeout)
	}
	return nil
}

func boundPorts(st docker.ContainerState) map[int]int {
	out := make(map[int]int, len(st.Ports))
	for _, b := range st.Ports {
		port, _, _ := strings.Cut(b.ContainerPort, "/")
		if n, err := strconv.Atoi(port); err == nil {
			out[n] = b.HostPort
		}
	}
	return out
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// locate resolves kind/owner to a container id, failing with ErrNotFound.
func (e *Engine) locate(ctx context.Context, kind labels.Kind, owner string) (docker.ContainerState, error) {
	st, err := e.ContainerState(ctx, kind, owner)
	if err != nil {
		return st, err
	}
	if !st.Exists {
		return st, fmt.Errorf("%s %s: %w", kind, owner, docker.ErrNotFound)
	}
	return st, nil
}

func (e *Engine) Start(ctx context.Context, kind labels.Kind, owner string) error {
	st, err := e.locate(ctx, kind, owner)
	if err != nil {
		return err
	}
	if st.Running {
		return nil
	}
	return e.startAndWait(ctx, st.ID)
}

func (e *Engine) Stop(ctx context.Context, kind labels.Kind, owner string) error {
	st, err := e.locate(ctx, kind, owner)
	if err != nil {
		return err
	}
	if !st.Running {
		return nil
	}
	return e.rt.StopContainer(ctx, st.ID, stopTimeout)
}

func (e *Engine) Restart(ctx context.Context, kind labels.Kind, owner string) error {
	st, err := e.locate(ctx, kind, owner)
	if err != nil {
		return err
	}
	return e.rt.RestartContainer(ctx, st.ID)
}

// Remove force-removes the container. With purge, a project's source volume
// is removed as well.
func (e *Engine) Remove(ctx context.Context, kind labels.Kind, owner string, purge bool) error {
	st, err := e.ContainerState(ctx, kind, owner)
	if err != nil {
		return err
	}
	if st.Exists {
		if err := e.rt.RemoveContainer(ctx, st.ID, true); err != nil {
			return err
		}
		log.Info("Removed container", "kind", kind, "owner", owner, "id", st.ShortID())
	}
	if purge && kind == labels.KindProject {
		if err := e.rt.RemoveVolume(ctx, config.VolumeFor(owner)); err != nil && !docker.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// ReconcileProxy brings the proxy configuration in line with the configured
// projects.
func (e *Engine) ReconcileProxy(ctx context.Context) (proxy.Result, error) {
	res, err := e.proxy.Reconcile(ctx, e.proxyProjects())
	switch {
	case err != nil:
		metrics.ReconcileTotal.WithLabelValues(metrics.OutcomeError).Inc()
	case res.Skipped == proxy.SkipNoProxy:
		metrics.ReconcileTotal.WithLabelValues(metrics.OutcomeNoProxy).Inc()
	case res.Skipped == proxy.SkipUnchanged:
		metrics.ReconcileTotal.WithLabelValues(metrics.OutcomeUnchanged).Inc()
	default:
		metrics.ReconcileTotal.WithLabelValues(metrics.OutcomeApplied).Inc()
	}
	return res, err
}

// ReconcileInBackground is the monitor's debounced callback. Failures are
// logged; the next event retries.
func (e *Engine) ReconcileInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := e.ReconcileProxy(ctx); err != nil {
		log.Warn("Proxy reconcile failed", "err", err)
	}
}

func (e *Engine) proxyProjects() []proxy.Project {
	cfg := e.Config()
	ids := cfg.ProjectIDs()
	out := make([]proxy.Project, 0, len(ids))
	for _, id := range ids {
		p := cfg.Projects[id]
		out = append(out, proxy.Project{ID: id, Domain: cfg.DomainFor(id), Port: p.Port})
	}
	return out
}
