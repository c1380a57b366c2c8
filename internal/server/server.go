package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/abcdlsj/devnest/internal/api"
	"github.com/abcdlsj/devnest/internal/engine"
	"github.com/abcdlsj/devnest/pkg/config"
	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/events"
	"github.com/abcdlsj/devnest/pkg/history"
	"github.com/abcdlsj/devnest/pkg/monitor"
	"github.com/abcdlsj/devnest/pkg/relay"
)

const (
	// Server timeouts; no write timeout so /api/events can stream.
	readTimeout       = 30 * time.Second
	idleTimeout       = 120 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second

	maxRequestSize = 1 << 20
	maxHeaderSize  = 1 << 20

	// editors emit several writes per save
	reloadDebounce = 300 * time.Millisecond

	historyBuffer = 256
)

type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.RWMutex
	cfg *config.Config

	client  *docker.Client
	broker  *events.Broker
	engine  *engine.Engine
	monitor *monitor.Monitor
	limiter *api.RateLimiter
	history *history.Manager
	http    *http.Server

	watcher *fsnotify.Watcher
	reload  *monitor.Debouncer
	cfgPath string

	cron   *cron.Cron
	resync cron.EntryID

	relay *relay.NATS
}

func New(cfg *config.Config, cfgPath string) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	cli, err := docker.New(ctx, docker.Options{Host: cfg.Docker.Host, StatusTimeout: cfg.Docker.StatusTimeout})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to container runtime: %w", err)
	}

	if cfgPath == "" {
		cfgPath = cfg.Path
	}

	broker := events.NewBroker()
	eng := engine.New(cli, cfg, broker)

	s := &Server{
		ctx:     ctx,
		cancel:  cancel,
		cfg:     cfg,
		client:  cli,
		broker:  broker,
		engine:  eng,
		limiter: api.NewRateLimiter(cfg.API.RateLimit, cfg.API.Burst),
		history: history.NewManager(cfg.BaseDir),
		cfgPath: cfgPath,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{}))),
	}
	s.monitor = monitor.New(cli, broker, eng.ReconcileInBackground, monitor.Config{
		ProbeInterval: cfg.Monitor.ProbeInterval,
		RetryDelay:    cfg.Monitor.RetryDelay,
		Debounce:      cfg.Monitor.Debounce,
	})
	s.reload = monitor.NewDebouncer(clock.RealClock{}, reloadDebounce, func() {
		if err := s.Reload(); err != nil {
			log.Error("Failed to reload configuration", "err", err)
		}
	})

	return s, nil
}

// Start starts the event monitor and serves the API until Stop.
func (s *Server) Start() error {
	if err := s.setupConfigWatcher(); err != nil {
		log.Error("Failed to setup config watcher", "err", err)
	}

	jobs, unsubscribe := s.broker.SubscribeFunc(historyBuffer, finishedJob)
	go recordJobs(jobs, unsubscribe, s.history)
	s.startRelay()

	s.monitor.Start(s.ctx)
	s.scheduleResync(s.config().Proxy.Resync)
	s.cron.Start()
	go s.limiter.Cleanup(s.ctx.Done())
	go s.engine.ReconcileInBackground()

	mux := http.NewServeMux()
	api.New(s.engine, s.monitor.Status, s.config().API.TokenHash).
		WithHistory(s.history).
		RegisterRoutes(mux)

	addr := s.config().API.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.limiter.Middleware(limitBody(mux)),
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		MaxHeaderBytes:    maxHeaderSize,
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	log.Info("Starting API", "addr", addr, "runtime", s.client.Host())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// startRelay forwards the feed to NATS when configured. A relay that cannot
// connect is logged and skipped; the daemon runs without it.
func (s *Server) startRelay() {
	rc := s.config().Relay
	if rc.NATSURL == "" {
		return
	}
	nc, err := relay.NewNATS(rc.NATSURL)
	if err != nil {
		log.Error("Event relay disabled", "err", err)
		return
	}
	s.relay = nc

	feed, unsubscribe := s.broker.Subscribe(256)
	go func() {
		defer unsubscribe()
		relay.Run(feed, nc, rc.Subject)
	}()
	log.Info("Relaying events to NATS", "url", rc.NATSURL, "subject", rc.Subject)
}

// scheduleResync replaces the periodic proxy check with one on spec.
func (s *Server) scheduleResync(spec string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resync != 0 {
		s.cron.Remove(s.resync)
		s.resync = 0
	}
	if spec == "" {
		return
	}
	id, err := s.cron.AddFunc(spec, s.engine.ReconcileInBackground)
	if err != nil {
		log.Error("Invalid proxy resync schedule", "schedule", spec, "err", err)
		return
	}
	s.resync = id
	log.Debug("Scheduled proxy resync", "schedule", spec)
}

// cronLogger routes the scheduler's logging through charmbracelet/log.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

func finishedJob(m events.Message) bool {
	return m.Type == events.TypeJob && m.Job != nil && engine.Terminal(m.Job.Status)
}

// recordJobs copies finished jobs from the feed into the history until the
// feed closes.
func recordJobs(feed <-chan events.Message, unsubscribe func(), h *history.Manager) {
	defer unsubscribe()
	for m := range feed {
		if !finishedJob(m) {
			continue
		}
		h.Record(history.Record{
			JobID:  m.Job.JobID,
			Owner:  m.Job.Owner,
			Op:     m.Job.Op,
			Status: m.Job.Status,
			Bytes:  m.Job.BytesTransferred,
			Error:  m.Job.Error,
		})
	}
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// Stop stops the server
func (s *Server) Stop() {
	s.mu.RLock()
	srv := s.http
	s.mu.RUnlock()

	// ends open event streams, which Shutdown would otherwise wait for
	s.cancel()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("API shutdown", "err", err)
		}
		cancel()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.reload.Stop()
	<-s.cron.Stop().Done()
	s.monitor.Stop()
	s.broker.Close()
	s.history.Stop()
	if s.relay != nil {
		s.relay.Close()
	}
	if err := s.client.Close(); err != nil {
		log.Debug("Closing runtime client", "err", err)
	}
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// setupConfigWatcher sets up fsnotify watcher for configuration file changes
func (s *Server) setupConfigWatcher() error {
	if s.cfgPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	s.watcher = watcher

	target := filepath.Clean(s.cfgPath)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == target && event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Debug("Config file changed", "op", event.Op.String())
					s.reload.Trigger()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error("Config watcher error", "err", err)
			case <-s.ctx.Done():
				return
			}
		}
	}()

	// watch the directory so editors that replace the file are seen
	return watcher.Add(filepath.Dir(target))
}

// Reload re-reads the configuration file, swaps the project set and
// reconciles the proxy against it.
func (s *Server) Reload() error {
	newCfg, err := config.Load(s.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	s.mu.Lock()
	s.cfg = newCfg
	s.mu.Unlock()

	s.engine.SetConfig(newCfg)
	s.scheduleResync(newCfg.Proxy.Resync)
	log.Info("Configuration reloaded", "projects", len(newCfg.Projects))

	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()
	if _, err := s.engine.ReconcileProxy(ctx); err != nil {
		return fmt.Errorf("reconcile after reload: %w", err)
	}
	return nil
}
