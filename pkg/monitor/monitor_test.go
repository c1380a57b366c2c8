package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/events"
	"github.com/abcdlsj/devnest/pkg/labels"
	"github.com/abcdlsj/devnest/pkg/proxy"
)

type fakeRuntime struct {
	mu      sync.Mutex
	pingErr error
	pings   int
	evs     chan docker.Event
	errs    chan error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{}
}

func (f *fakeRuntime) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeRuntime) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeRuntime) Events(ctx context.Context) (<-chan docker.Event, <-chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := make(chan docker.Event)
	out := make(chan docker.Event)
	errs := make(chan error, 1)
	f.evs = in
	f.errs = errs
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-in:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errs
}

func (f *fakeRuntime) send(ev docker.Event) {
	f.mu.Lock()
	ch := f.evs
	f.mu.Unlock()
	ch <- ev
}

func (f *fakeRuntime) streamErr(err error) {
	f.mu.Lock()
	ch := f.errs
	f.mu.Unlock()
	ch <- err
}

func waitState(t *testing.T, m *Monitor, want State, attempt int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, a := m.State()
		return s == want && a == attempt
	}, 2*time.Second, time.Millisecond)
}

func waitTimers(t *testing.T, fc *clocktesting.FakeClock) {
	t.Helper()
	require.Eventually(t, fc.HasWaiters, 2*time.Second, time.Millisecond)
}

func connectionAttempts(ch <-chan events.Message) []int {
	var out []int
	for {
		select {
		case m := <-ch:
			if m.Type == events.TypeConnection && m.Connection.State == string(StateReconnectScheduled) {
				out = append(out, m.Connection.Attempt)
			}
		default:
			return out
		}
	}
}

func TestMonitor_ProbeFailureSchedulesOneReconnectPerCycle(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	rt := newFakeRuntime()
	broker := events.NewBroker()
	feed, unsub := broker.Subscribe(64)
	defer unsub()

	m := New(rt, broker, nil, Config{Clock: fc})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	waitState(t, m, StateConnected, 0)
	waitTimers(t, fc)

	rt.setPingErr(errors.New("Cannot connect to the Docker daemon"))
	fc.Step(DefaultProbeInterval)
	waitState(t, m, StateReconnectScheduled, 1)

	waitTimers(t, fc)
	fc.Step(DefaultRetryDelay)
	waitState(t, m, StateReconnectScheduled, 2)

	assert.Equal(t, []int{1, 2}, connectionAttempts(feed))
	assert.Equal(t, string(StateReconnectScheduled), m.Status().State)
	assert.Contains(t, m.Status().Error, "Cannot connect")

	// recovery resets the counter
	rt.setPingErr(nil)
	waitTimers(t, fc)
	fc.Step(DefaultRetryDelay)
	waitState(t, m, StateConnected, 0)
}

func TestMonitor_StreamErrorAndProbeFailTogether(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	rt := newFakeRuntime()
	m := New(rt, events.NewBroker(), nil, Config{Clock: fc})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	waitState(t, m, StateConnected, 0)

	gen := func() uint64 {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.gen
	}()

	rt.streamErr(errors.New("unexpected EOF"))
	m.fail(gen, errors.New("probe failed"))

	waitState(t, m, StateReconnectScheduled, 1)
	time.Sleep(20 * time.Millisecond)
	_, attempt := m.State()
	assert.Equal(t, 1, attempt, "concurrent failures collapse into one cycle")
}

func TestMonitor_DebouncedReconcile(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	rt := newFakeRuntime()
	broker := events.NewBroker()
	feed, unsub := broker.Subscribe(16)
	defer unsub()

	var reconciles atomic.Int32
	m := New(rt, broker, func() { reconciles.Add(1) }, Config{Clock: fc})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	waitState(t, m, StateConnected, 0)

	start := docker.Event{ID: "abc", Action: "start", Time: fc.Now(), Labels: labels.For(labels.KindProject, "alpha")}
	var got []events.ContainerEvent

	rt.send(start)
	got = append(got, nextContainerEvent(t, feed))

	fc.Step(100 * time.Millisecond)
	start.Time = fc.Now()
	rt.send(start)
	got = append(got, nextContainerEvent(t, feed))

	// a helper start never triggers a reconcile
	rt.send(docker.Event{ID: "h", Action: "start", Labels: labels.For(labels.KindHelper, "alpha")})
	got = append(got, nextContainerEvent(t, feed))

	fc.Step(499 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, reconciles.Load())

	fc.Step(time.Millisecond)
	require.Eventually(t, func() bool { return reconciles.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), reconciles.Load())

	assert.Equal(t, "alpha", got[0].Owner)
	assert.Equal(t, labels.KindProject, got[0].Kind)
	assert.Equal(t, "abc", got[1].ResourceID)
	assert.Equal(t, labels.KindHelper, got[2].Kind)
}

// proxyRuntime serves a running proxy and one container per project.
type proxyRuntime struct {
	mu         sync.Mutex
	containers map[string]docker.ContainerState
	execs      int
}

func (p *proxyRuntime) FindByLabel(_ context.Context, _, value string, kind labels.Kind) (docker.ContainerState, error) {
	if kind == labels.KindProxy {
		return docker.ContainerState{Exists: true, Running: true, ID: "proxy0000000000"}, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.containers[value], nil
}

func (p *proxyRuntime) Exec(context.Context, string, []string) (docker.ExecResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execs++
	return docker.ExecResult{}, nil
}

func (p *proxyRuntime) execCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.execs
}

func TestMonitor_BurstFromTwoOwnersReconcilesBoth(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	rt := newFakeRuntime()
	broker := events.NewBroker()
	feed, unsub := broker.Subscribe(16)
	defer unsub()

	prt := &proxyRuntime{containers: map[string]docker.ContainerState{}}
	rec := proxy.New(prt, "")
	projects := []proxy.Project{{ID: "alpha", Port: 3000}, {ID: "beta", Port: 4000}}

	var applied atomic.Int32
	var routed atomic.Int32
	reconcile := func() {
		res, err := rec.Reconcile(context.Background(), projects)
		if err == nil && res.Skipped == proxy.SkipNone {
			applied.Add(1)
			routed.Store(int32(res.Routed))
		}
	}

	m := New(rt, broker, reconcile, Config{Clock: fc})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	waitState(t, m, StateConnected, 0)

	start := func(owner, id string) {
		prt.mu.Lock()
		prt.containers[owner] = docker.ContainerState{Exists: true, Running: true, ID: id}
		prt.mu.Unlock()
		rt.send(docker.Event{ID: id, Action: "start", Time: fc.Now(), Labels: labels.For(labels.KindProject, owner)})
		nextContainerEvent(t, feed)
	}

	start("alpha", "aaaaaaaaaaaa1111")
	fc.Step(100 * time.Millisecond)
	start("beta", "bbbbbbbbbbbb2222")

	fc.Step(499 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, prt.execCount())

	fc.Step(time.Millisecond)
	require.Eventually(t, func() bool { return applied.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, int32(2), routed.Load())
	assert.Equal(t, 3, prt.execCount(), "one write, format and reload")
	assert.Equal(t, proxy.MappingHash([]proxy.Route{
		{Project: projects[0], ShortID: "aaaaaaaaaaaa"},
		{Project: projects[1], ShortID: "bbbbbbbbbbbb"},
	}), rec.LastHash())
}

func TestMonitor_ProxyStartTriggersReconcile(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	rt := newFakeRuntime()
	broker := events.NewBroker()
	feed, unsub := broker.Subscribe(16)
	defer unsub()

	var reconciles atomic.Int32
	m := New(rt, broker, func() { reconciles.Add(1) }, Config{Clock: fc})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	waitState(t, m, StateConnected, 0)

	rt.send(docker.Event{ID: "px", Action: "start", Time: fc.Now(), Labels: labels.For(labels.KindProxy, "proxy")})
	ev := nextContainerEvent(t, feed)
	assert.Equal(t, labels.KindProxy, ev.Kind)

	fc.Step(DefaultDebounce)
	require.Eventually(t, func() bool { return reconciles.Load() == 1 }, time.Second, time.Millisecond)
}

func nextContainerEvent(t *testing.T, feed <-chan events.Message) events.ContainerEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-feed:
			if msg.Type == events.TypeContainer {
				return *msg.Container
			}
		case <-timeout:
			t.Fatal("no container event published")
		}
	}
}

func TestMonitor_StopIsFinal(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	rt := newFakeRuntime()
	rt.setPingErr(errors.New("down"))
	m := New(rt, nil, nil, Config{Clock: fc})

	m.Start(context.Background())
	waitState(t, m, StateReconnectScheduled, 1)

	m.Stop()
	fc.Step(time.Minute)
	time.Sleep(20 * time.Millisecond)

	s, _ := m.State()
	assert.Equal(t, StateDisconnected, s)
}

func TestDebouncer(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	var n atomic.Int32
	d := NewDebouncer(fc, 0, func() { n.Add(1) })

	d.Trigger()
	fc.Step(100 * time.Millisecond)
	d.Trigger()
	fc.Step(499 * time.Millisecond)
	assert.True(t, fc.HasWaiters(), "timer still pending")
	assert.Zero(t, n.Load())

	fc.Step(time.Millisecond)
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)

	d.Trigger()
	d.Stop()
	fc.Step(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}

func TestDebouncer_LateFireKeepsNewerTimer(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Now())
	var n atomic.Int32
	d := NewDebouncer(fc, 0, func() { n.Add(1) })

	d.Trigger()
	d.Trigger()

	// the first timer's callback lands after the second Trigger re-armed
	d.fire(1)
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, time.Millisecond)

	d.Stop()
	assert.False(t, fc.HasWaiters(), "Stop cancels the newer timer")
	fc.Step(time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}
