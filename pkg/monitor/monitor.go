// Package monitor watches the runtime's lifecycle events for managed
// containers and keeps that subscription alive across daemon restarts.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"k8s.io/utils/clock"

	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/events"
	"github.com/abcdlsj/devnest/pkg/labels"
	"github.com/abcdlsj/devnest/pkg/metrics"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultRetryDelay    = 5 * time.Second
)

type State string

const (
	StateDisconnected       State = "disconnected"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateReconnectScheduled State = "reconnect-scheduled"
)

var errStreamEnded = errors.New("event stream ended")

// Runtime is the part of the resource client the monitor needs.
type Runtime interface {
	Ping(ctx context.Context) error
	Events(ctx context.Context) (<-chan docker.Event, <-chan error)
}

type Config struct {
	ProbeInterval time.Duration
	RetryDelay    time.Duration
	Debounce      time.Duration
	Clock         clock.WithDelayedExecution
}

type Monitor struct {
	rt     Runtime
	broker *events.Broker
	cfg    Config
	clock  clock.WithDelayedExecution
	logger *log.Logger

	debounce *Debouncer

	mu      sync.Mutex
	ctx     context.Context
	state   State
	gen     uint64
	attempt int
	lastErr error
	stream  context.CancelFunc
	probe   clock.Timer
	retry   clock.Timer
	stopped bool
}

// New creates a monitor that publishes to broker and calls reconcile after
// each quiet period following a project or proxy container start.
func New(rt Runtime, broker *events.Broker, reconcile func(), cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if reconcile == nil {
		reconcile = func() {}
	}

	return &Monitor{
		rt:       rt,
		broker:   broker,
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   log.WithPrefix("monitor"),
		debounce: NewDebouncer(cfg.Clock, cfg.Debounce, reconcile),
		state:    StateDisconnected,
	}
}

// Start connects in the background. The monitor runs until Stop or until ctx
// is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.stopped = false
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()
	go m.connect(gen)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	m.gen++
	m.teardownLocked()
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.debounce.Stop()
	m.setStateLocked(StateDisconnected, nil)
}

// State returns the current state and reconnect attempt count.
func (m *Monitor) State() (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.attempt
}

// Status is the same as State in the shape published on the feed.
func (m *Monitor) Status() events.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) connect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.setStateLocked(StateConnecting, nil)
	m.mu.Unlock()

	if err := m.rt.Ping(ctx); err != nil {
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.stopped {
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	m.stream = cancel
	evs, errs := m.rt.Events(streamCtx)
	go m.consume(streamCtx, gen, evs, errs)

	m.attempt = 0
	m.scheduleProbeLocked(gen)
	m.setStateLocked(StateConnected, nil)
	m.logger.Info("Connected to container runtime")
}

func (m *Monitor) scheduleProbeLocked(gen uint64) {
	m.probe = m.clock.AfterFunc(m.cfg.ProbeInterval, func() {
		go m.runProbe(gen)
	})
}

func (m *Monitor) runProbe(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	if err := m.rt.Ping(ctx); err != nil {
		m.fail(gen, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.state == StateConnected {
		m.scheduleProbeLocked(gen)
	}
}

func (m *Monitor) consume(ctx context.Context, gen uint64, evs <-chan docker.Event, errs <-chan error) {
	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				if ctx.Err() == nil {
					m.fail(gen, errStreamEnded)
				}
				return
			}
			m.handle(ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && ctx.Err() == nil {
				m.fail(gen, err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) handle(ev docker.Event) {
	metrics.EventsTotal.WithLabelValues(ev.Action).Inc()

	kind := labels.KindOf(ev.Labels)
	if ev.Action == "start" && (kind == labels.KindProject || kind == labels.KindProxy) {
		m.debounce.Trigger()
	}

	if m.broker != nil {
		m.broker.PublishContainer(events.ContainerEvent{
			ResourceID: ev.ID,
			Action:     ev.Action,
			Detail:     ev.Detail,
			Timestamp:  ev.Time,
			Kind:       kind,
			Owner:      labels.OwnerOf(ev.Labels),
			Labels:     ev.Labels,
		})
	}
}

// fail moves the monitor from generation gen into a single scheduled
// reconnect. Calls for a stale generation are ignored.
func (m *Monitor) fail(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.stopped {
		return
	}
	m.gen++
	next := m.gen
	m.teardownLocked()

	m.attempt++
	metrics.MonitorReconnects.Inc()
	m.logger.Warn("Lost connection to container runtime", "attempt", m.attempt, "retry_in", m.cfg.RetryDelay, "err", err)

	m.retry = m.clock.AfterFunc(m.cfg.RetryDelay, func() {
		go m.connect(next)
	})
	m.setStateLocked(StateReconnectScheduled, err)
}

func (m *Monitor) teardownLocked() {
	if m.stream != nil {
		m.stream()
		m.stream = nil
	}
	if m.probe != nil {
		m.probe.Stop()
		m.probe = nil
	}
}

func (m *Monitor) setStateLocked(s State, err error) {
	m.state = s
	m.lastErr = err
	if s == StateConnected {
		metrics.MonitorConnected.Set(1)
	} else {
		metrics.MonitorConnected.Set(0)
	}
	if m.broker != nil {
		m.broker.PublishConnection(m.statusLocked())
	}
}

func (m *Monitor) statusLocked() events.ConnectionStatus {
	st := events.ConnectionStatus{State: string(m.state), Attempt: m.attempt, At: m.clock.Now()}
	if m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}
