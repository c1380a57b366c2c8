// Package proxy keeps the reverse-proxy container's site configuration in
// step with the project containers that are actually present.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/labels"
)

const (
	DefaultCaddyfile = "/etc/caddy/Caddyfile"
	DefaultPort      = 443

	// lookups run concurrently up to this many at a time
	lookupLimit = 8
)

// Runtime is the part of the resource client the reconciler needs.
type Runtime interface {
	FindByLabel(ctx context.Context, key, value string, kind labels.Kind) (docker.ContainerState, error)
	Exec(ctx context.Context, id string, argv []string) (docker.ExecResult, error)
}

// Project is one routable project.
type Project struct {
	ID     string
	Domain string
	// Port is the HTTPS port the project container listens on.
	Port int
}

func (p Project) domain() string {
	if p.Domain != "" {
		return p.Domain
	}
	return p.ID + ".localhost"
}

func (p Project) port() int {
	if p.Port > 0 {
		return p.Port
	}
	return DefaultPort
}

type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipNoProxy   SkipReason = "proxy not running"
	SkipUnchanged SkipReason = "configuration unchanged"
)

// Result describes what a Reconcile did.
type Result struct {
	Skipped SkipReason `json:"skipped,omitempty"`
	Hash    string     `json:"hash,omitempty"`
	// Routed is the number of projects that got a site block.
	Routed int `json:"routed"`
}

// StepError is a failed step of applying a new configuration.
type StepError struct {
	Step     string
	ExitCode int
	Output   string
	Err      error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxy %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("proxy %s failed (exit code %d): %s", e.Step, e.ExitCode, e.Output)
}

func (e *StepError) Unwrap() error { return e.Err }

type Reconciler struct {
	rt        Runtime
	caddyfile string

	mu       sync.Mutex
	lastHash string
	// lastProxy is the container the last configuration was applied to; a
	// recreated proxy starts from its image's Caddyfile.
	lastProxy string
}

func New(rt Runtime, caddyfile string) *Reconciler {
	if caddyfile == "" {
		caddyfile = DefaultCaddyfile
	}
	return &Reconciler{rt: rt, caddyfile: caddyfile}
}

// LastHash returns the mapping hash of the last applied configuration.
func (r *Reconciler) LastHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHash
}

// Reset forgets the last applied configuration so the next Reconcile
// applies unconditionally.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHash = ""
	r.lastProxy = ""
}

// Reconcile rewrites and reloads the proxy configuration when the set of
// (project, container) pairs has changed since the last successful apply.
func (r *Reconciler) Reconcile(ctx context.Context, projects []Project) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	px, err := r.rt.FindByLabel(ctx, labels.Type, string(labels.KindProxy), labels.KindProxy)
	if err != nil {
		return Result{}, fmt.Errorf("locate proxy: %w", err)
	}
	if !px.Exists || !px.Running {
		log.Debug("Proxy not running, skipping reconcile")
		return Result{Skipped: SkipNoProxy}, nil
	}

	routes, err := r.lookup(ctx, projects)
	if err != nil {
		return Result{}, err
	}

	hash := MappingHash(routes)
	if hash == r.lastHash && px.ID == r.lastProxy {
		return Result{Skipped: SkipUnchanged, Hash: hash, Routed: len(routes)}, nil
	}

	if err := r.apply(ctx, px.ID, Render(routes)); err != nil {
		return Result{}, err
	}

	r.lastHash = hash
	r.lastProxy = px.ID
	log.Info("Proxy configuration reloaded", "projects", len(routes), "hash", hash[:12])
	return Result{Hash: hash, Routed: len(routes)}, nil
}

// Route is a project paired with the container currently serving it.
type Route struct {
	Project
	ShortID string
}

func (r *Reconciler) lookup(ctx context.Context, projects []Project) ([]Route, error) {
	found := make([]*Route, len(projects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupLimit)
	for i, p := range projects {
		g.Go(func() error {
			st, err := r.rt.FindByLabel(gctx, labels.ProjectID, p.ID, labels.KindProject)
			if err != nil {
				return fmt.Errorf("locate project %s: %w", p.ID, err)
			}
			if !st.Exists {
				log.Debug("Project container missing, leaving it out of the proxy", "project", p.ID)
				return nil
			}
			found[i] = &Route{Project: p, ShortID: st.ShortID()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var routes []Route
	for _, rt := range found {
		if rt != nil {
			routes = append(routes, *rt)
		}
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	return routes, nil
}

// MappingHash digests the project to container pairs of routes; order does
// not matter.
func MappingHash(routes []Route) string {
	lines := make([]string, 0, len(routes))
	for _, rt := range routes {
		lines = append(lines, rt.ID+"="+rt.ShortID)
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

func (r *Reconciler) apply(ctx context.Context, proxyID string, caddyfile string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(caddyfile))
	steps := []struct {
		name string
		argv []string
	}{
		{"write config", []string{"sh", "-c", fmt.Sprintf("echo %s | base64 -d > %s", encoded, r.caddyfile)}},
		{"format config", []string{"caddy", "fmt", "--overwrite", r.caddyfile}},
		{"reload", []string{"caddy", "reload", "--config", r.caddyfile}},
	}

	for _, s := range steps {
		res, err := r.rt.Exec(ctx, proxyID, s.argv)
		if err != nil {
			return &StepError{Step: s.name, Err: err}
		}
		if res.ExitCode != 0 {
			return &StepError{Step: s.name, ExitCode: res.ExitCode, Output: strings.TrimSpace(res.Output())}
		}
	}
	return nil
}

// Render produces the complete proxy configuration for the given routes.
func Render(routes []Route) string {
	var b strings.Builder
	b.WriteString("{\n\tlocal_certs\n}\n\n")
	b.WriteString("localhost {\n\trespond \"devnest proxy\" 200\n}\n")

	for _, rt := range routes {
		fmt.Fprintf(&b, "\n%s {\n", rt.domain())
		fmt.Fprintf(&b, "\treverse_proxy https://%s:%d {\n", rt.ShortID, rt.port())
		b.WriteString("\t\ttransport http {\n\t\t\ttls_insecure_skip_verify\n\t\t}\n\t}\n}\n")
	}
	return b.String()
}
