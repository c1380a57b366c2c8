package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdlsj/devnest/pkg/config"
	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/events"
	"github.com/abcdlsj/devnest/pkg/labels"
	"github.com/abcdlsj/devnest/pkg/proxy"
	"github.com/abcdlsj/devnest/pkg/syncq"
)

type fakeRuntime struct {
	mu sync.Mutex

	containers map[string]docker.ContainerState // by id
	nextID     int

	exitCode int64
	logs     string
	// blockWait makes helper waits hang until ctx ends or the helper is removed.
	blockWait bool
	removedCh chan string

	networks []string
	volumes  []string
	created  []docker.ContainerSpec
	removed  []string
	stopped  []string
	execs    int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]docker.ContainerState{}, removedCh: make(chan string, 16)}
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) ListManaged(context.Context) ([]docker.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.Resource
	for id, c := range f.containers {
		out = append(out, docker.Resource{Type: docker.ResourceContainer, ID: id, Name: c.Name, Kind: labels.KindOf(c.Labels), Owner: labels.OwnerOf(c.Labels)})
	}
	for _, v := range f.volumes {
		out = append(out, docker.Resource{Type: docker.ResourceVolume, ID: v, Name: v})
	}
	return out, nil
}

func (f *fakeRuntime) FindByLabel(_ context.Context, key, value string, kind labels.Kind) (docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if labels.Matches(c.Labels, key, value, kind) {
			return c, nil
		}
	}
	return docker.ContainerState{}, nil
}

func (f *fakeRuntime) Exec(context.Context, string, []string) (docker.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	return docker.ExecResult{}, nil
}

func (f *fakeRuntime) ImageExists(context.Context, string) (bool, error) { return true, nil }
func (f *fakeRuntime) PullImage(context.Context, string) error           { return nil }
func (f *fakeRuntime) BuildImage(context.Context, string, string) error  { return nil }

func (f *fakeRuntime) CreateContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := spec.Name + "-0000000000" + string(rune('a'+f.nextID))
	f.created = append(f.created, spec)
	f.containers[id] = docker.ContainerState{
		Exists: true,
		ID:     id,
		Name:   spec.Name,
		State:  docker.StateCreated,
		Labels: labels.Merge(labels.For(spec.Kind, spec.Owner), spec.Labels),
	}
	return id, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[id]
	c.Running = true
	c.State = docker.StateRunning
	f.containers[id] = c
	return nil
}

func (f *fakeRuntime) WaitContainer(ctx context.Context, id string) (int64, error) {
	if f.blockWait {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-f.removedCh:
			return 137, nil
		}
	}
	return f.exitCode, nil
}

func (f *fakeRuntime) Logs(context.Context, string) (string, error) { return f.logs, nil }

func (f *fakeRuntime) StreamLogs(context.Context, string, func(string)) (func(), error) {
	return func() {}, nil
}

func (f *fakeRuntime) KillContainer(context.Context, string) error { return nil }

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.containers, id)
	select {
	case f.removedCh <- id:
	default:
	}
	return nil
}

func (f *fakeRuntime) StopContainer(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	if c, ok := f.containers[id]; ok {
		c.Running = false
		c.State = docker.StateExited
		f.containers[id] = c
	}
	return nil
}

func (f *fakeRuntime) RestartContainer(context.Context, string) error { return nil }

func (f *fakeRuntime) WaitRunning(_ context.Context, id string, _, _ time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id].Running
}

func (f *fakeRuntime) EnsureNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks = append(f.networks, name)
	return nil
}

func (f *fakeRuntime) CreateVolume(_ context.Context, name string, _ labels.Kind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, name)
	return nil
}

func (f *fakeRuntime) RemoveVolume(context.Context, string) error { return nil }

func (f *fakeRuntime) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func testConfig() *config.Config {
	return &config.Config{
		Network: "devnest",
		Sync:    config.SyncConfig{Concurrency: 2, Owner: "1000:1000", CopyTimeout: time.Minute, SyncTimeout: time.Minute},
		Ports:   config.PortsConfig{MaxAttempts: 10},
		Projects: map[string]*config.ProjectConfig{
			"alpha": {Path: "/work/alpha", Image: "node:20", Port: 3000, Ports: []int{3306, 5432}},
		},
	}
}

func TestCopyToVolume_FailureReportsOutputAndCleansUp(t *testing.T) {
	rt := newFakeRuntime()
	rt.exitCode = 1
	rt.logs = "tar: short write"
	e := New(rt, testConfig(), nil)

	feed, unsub := e.Subscribe(32)
	defer unsub()

	req, err := e.ProjectTransfer("alpha")
	require.NoError(t, err)
	job, err := e.CopyToVolume(req)
	require.NoError(t, err)

	err = job.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 1")
	assert.Contains(t, err.Error(), "tar: short write")
	assert.Len(t, rt.removedIDs(), 1, "helper removed after failure")
	assert.Equal(t, JobFailed, job.Info().Status)

	var statuses []string
	for len(statuses) < 3 {
		m := <-feed
		if m.Type == events.TypeJob {
			statuses = append(statuses, m.Job.Status)
		}
	}
	assert.Equal(t, []string{JobQueued, JobRunning, JobFailed}, statuses)
}

func TestSubmit_SameOwnerFailsFast(t *testing.T) {
	rt := newFakeRuntime()
	rt.blockWait = true
	e := New(rt, testConfig(), nil)

	req, err := e.ProjectTransfer("alpha")
	require.NoError(t, err)

	first, err := e.SyncToVolume(req)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.ContainerID() != "" }, 2*time.Second, time.Millisecond)

	_, err = e.SyncFromVolume(req)
	require.ErrorIs(t, err, syncq.ErrOwnerBusy)

	assert.True(t, e.CancelJob("alpha"))
	err = first.Wait(context.Background())
	require.ErrorIs(t, err, syncq.ErrCancelled)
	assert.Equal(t, JobCancelled, first.Info().Status)
	assert.Contains(t, rt.removedIDs(), first.ContainerID())

	// the owner is free again
	rt.blockWait = false
	next, err := e.SyncFromVolume(req)
	require.NoError(t, err)
	require.NoError(t, next.Wait(context.Background()))
	assert.False(t, e.CancelJob("alpha"))
}

func TestCreateProjectContainer(t *testing.T) {
	rt := newFakeRuntime()
	e := New(rt, testConfig(), nil)
	e.ports.Probe = func(port int) bool { return port != 3306 }

	spec, err := e.ProjectSpecFor("alpha")
	require.NoError(t, err)
	res, err := e.CreateProjectContainer(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, map[int]int{3306: 3307, 5432: 5432}, res.Ports)
	assert.True(t, res.State.Running)
	assert.Equal(t, []string{"devnest"}, rt.networks)
	assert.Equal(t, []string{"devnest-alpha-src"}, rt.volumes)

	require.Len(t, rt.created, 1)
	cs := rt.created[0]
	assert.Equal(t, labels.KindProject, cs.Kind)
	assert.Equal(t, "alpha.localhost", cs.Labels[labels.Domain])
	assert.Equal(t, "3000", cs.Labels[labels.Port])
	assert.Equal(t, 3307, cs.Ports["3306"])

	// a second call reuses the running container
	_, err = e.CreateProjectContainer(context.Background(), spec)
	require.NoError(t, err)
	assert.Len(t, rt.created, 1)
}

func TestLifecycleByLabel(t *testing.T) {
	rt := newFakeRuntime()
	e := New(rt, testConfig(), nil)

	st, err := e.ContainerState(context.Background(), labels.KindService, "postgres")
	require.NoError(t, err)
	assert.False(t, st.Exists)

	err = e.Stop(context.Background(), labels.KindService, "postgres")
	assert.True(t, errors.Is(err, docker.ErrNotFound))

	_, err = e.ContainerState(context.Background(), labels.Kind("bogus"), "x")
	assert.Error(t, err)

	spec, err := e.ProjectSpecFor("alpha")
	require.NoError(t, err)
	e.ports.Probe = func(int) bool { return true }
	_, err = e.CreateProjectContainer(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, e.Stop(context.Background(), labels.KindProject, "alpha"))
	st, err = e.ContainerState(context.Background(), labels.KindProject, "alpha")
	require.NoError(t, err)
	assert.False(t, st.Running)

	require.NoError(t, e.Start(context.Background(), labels.KindProject, "alpha"))
	require.NoError(t, e.Remove(context.Background(), labels.KindProject, "alpha", false))
	st, err = e.ContainerState(context.Background(), labels.KindProject, "alpha")
	require.NoError(t, err)
	assert.False(t, st.Exists)

	require.NoError(t, e.Remove(context.Background(), labels.KindProject, "alpha", false), "removing twice is fine")
}

func TestReconcileProxy_NoProxy(t *testing.T) {
	rt := newFakeRuntime()
	e := New(rt, testConfig(), nil)

	res, err := e.ReconcileProxy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, proxy.SkipNoProxy, res.Skipped)
	assert.Zero(t, rt.execs)
}

func TestListManagedResourcesSorted(t *testing.T) {
	rt := newFakeRuntime()
	rt.volumes = []string{"b-src", "a-src"}
	e := New(rt, testConfig(), nil)

	res, err := e.ListManagedResources(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a-src", res[0].Name)
}
