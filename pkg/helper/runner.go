// Package helper runs bulk file jobs in short-lived containers that mount a
// host directory and a named volume side by side.
package helper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/labels"
)

const (
	DefaultBaseImage   = "alpine:3.20"
	DefaultSyncImage   = "devnest/rsync:3.20"
	DefaultCopyTimeout = 5 * time.Minute
	DefaultSyncTimeout = 30 * time.Minute

	sourceDir = "/source"
	targetDir = "/target"

	// JobLabel records which operation a helper container runs.
	JobLabel = labels.Prefix + "job"
)

// DefaultExcludes are directories skipped by copy and sync unless included.
var DefaultExcludes = []string{"node_modules", "vendor", ".venv", "__pycache__", "target", "dist", ".next"}

// Runtime is the part of the resource client the runner needs.
type Runtime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	BuildImage(ctx context.Context, tag, dockerfile string) error
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	WaitContainer(ctx context.Context, id string) (int64, error)
	Logs(ctx context.Context, id string) (string, error)
	StreamLogs(ctx context.Context, id string, onLine func(string)) (func(), error)
	KillContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, force bool) error
}

type Config struct {
	BaseImage   string
	SyncImage   string
	CopyTimeout time.Duration
	SyncTimeout time.Duration
	Excludes    []string
	// Owner is the UID:GID written files are chowned to; empty means the
	// current host user.
	Owner string
	// ProgressInterval is the minimum gap between progress callbacks.
	ProgressInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.BaseImage == "" {
		c.BaseImage = DefaultBaseImage
	}
	if c.SyncImage == "" {
		c.SyncImage = DefaultSyncImage
	}
	if c.CopyTimeout <= 0 {
		c.CopyTimeout = DefaultCopyTimeout
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = DefaultSyncTimeout
	}
	if c.Excludes == nil {
		c.Excludes = DefaultExcludes
	}
	if c.Owner == "" {
		c.Owner = HostOwner()
	}
}

type Runner struct {
	rt  Runtime
	cfg Config

	imageMu   sync.Mutex
	syncReady bool
}

func New(rt Runtime, cfg Config) *Runner {
	cfg.setDefaults()
	return &Runner{rt: rt, cfg: cfg}
}

// Direction says which side of a sync is the source.
type Direction string

const (
	ToVolume   Direction = "to-volume"
	FromVolume Direction = "from-volume"
)

func (d Direction) Valid() bool {
	return d == ToVolume || d == FromVolume
}

// CopyRequest seeds a volume from a host directory.
type CopyRequest struct {
	HostPath   string
	Volume     string
	Owner      string
	OnProgress func(Progress)
	// OnContainerReady receives the helper id once it is running.
	OnContainerReady func(id string)
}

// SyncRequest mirrors a host directory and a volume in one direction.
type SyncRequest struct {
	Direction        Direction
	HostPath         string
	Volume           string
	Owner            string
	Include          []string
	OnProgress       func(Progress)
	OnContainerReady func(id string)
}

// RunCopy tars the host directory into the volume and fixes ownership.
func (r *Runner) RunCopy(ctx context.Context, req CopyRequest) error {
	host, err := absPath(req.HostPath)
	if err != nil {
		return err
	}
	if req.Volume == "" {
		return errors.New("copy: volume is required")
	}

	if err := r.ensureImage(ctx, r.cfg.BaseImage); err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	progress := newProgressReporter(req.OnProgress, r.cfg.ProgressInterval)
	spec := r.helperSpec("copy", req.Owner, r.cfg.BaseImage, copyScript(r.cfg.Excludes, r.cfg.Owner),
		docker.Mount{Source: host, Target: sourceDir, ReadOnly: true},
		docker.Mount{Volume: req.Volume, Target: targetDir},
	)

	if err := r.run(ctx, "copy", spec, r.cfg.CopyTimeout, req.OnContainerReady, nil); err != nil {
		return err
	}
	progress.finish()
	return nil
}

// RunSync runs rsync between the host directory and the volume.
func (r *Runner) RunSync(ctx context.Context, req SyncRequest) error {
	if !req.Direction.Valid() {
		return fmt.Errorf("sync: invalid direction %q", req.Direction)
	}
	host, err := absPath(req.HostPath)
	if err != nil {
		return err
	}
	if req.Volume == "" {
		return errors.New("sync: volume is required")
	}

	if err := r.ensureSyncImage(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	op := "sync " + string(req.Direction)
	excludes := withoutIncluded(r.cfg.Excludes, req.Include)

	var mounts []docker.Mount
	chown := ""
	if req.Direction == ToVolume {
		mounts = []docker.Mount{
			{Source: host, Target: sourceDir, ReadOnly: true},
			{Volume: req.Volume, Target: targetDir},
		}
		chown = r.cfg.Owner
	} else {
		mounts = []docker.Mount{
			{Volume: req.Volume, Target: sourceDir, ReadOnly: true},
			{Source: host, Target: targetDir},
		}
	}

	progress := newProgressReporter(req.OnProgress, r.cfg.ProgressInterval)
	spec := r.helperSpec(op, req.Owner, r.cfg.SyncImage, syncScript(excludes, chown), mounts...)

	if err := r.run(ctx, op, spec, r.cfg.SyncTimeout, req.OnContainerReady, progress.line); err != nil {
		return err
	}
	progress.finish()
	return nil
}

func (r *Runner) helperSpec(op, owner, image, script string, mounts ...docker.Mount) docker.ContainerSpec {
	if owner == "" {
		owner = "devnest"
	}
	name := fmt.Sprintf("devnest-helper-%s-%s", owner, uuid.NewString()[:8])
	return docker.ContainerSpec{
		Name:       name,
		Image:      image,
		Kind:       labels.KindHelper,
		Owner:      owner,
		Labels:     map[string]string{JobLabel: op},
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{script},
		Mounts:     mounts,
	}
}

// run drives one helper container from create to removal.
func (r *Runner) run(ctx context.Context, op string, spec docker.ContainerSpec, timeout time.Duration, onReady func(string), onLine func(string)) error {
	id, err := r.rt.CreateContainer(ctx, spec)
	if err != nil {
		return fmt.Errorf("%s: create helper: %w", op, err)
	}
	defer r.remove(id)

	if err := r.rt.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("%s: start helper: %w", op, err)
	}
	log.Debug("Helper started", "op", op, "owner", spec.Owner, "id", docker.ShortID(id))
	if onReady != nil {
		onReady(id)
	}

	if onLine != nil {
		stop, err := r.rt.StreamLogs(ctx, id, onLine)
		if err != nil {
			log.Warn("Could not follow helper output", "op", op, "id", docker.ShortID(id), "err", err)
		} else {
			defer stop()
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	code, err := r.rt.WaitContainer(waitCtx, id)
	if err != nil {
		r.kill(id)
		if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Op: op, ContainerID: id, Timeout: timeout}
		}
		return fmt.Errorf("%s: waiting for helper %s: %w", op, docker.ShortID(id), err)
	}

	if code != 0 {
		return &JobError{Op: op, ContainerID: id, ExitCode: code, Output: r.output(id)}
	}
	return nil
}

func (r *Runner) output(id string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := r.rt.Logs(ctx, id)
	if err != nil {
		log.Warn("Could not read helper output", "id", docker.ShortID(id), "err", err)
	}
	return strings.TrimSpace(out)
}

func (r *Runner) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.rt.KillContainer(ctx, id); err != nil && !docker.IsNotFound(err) && !docker.IsConflict(err) {
		log.Warn("Failed to kill helper", "id", docker.ShortID(id), "err", err)
	}
}

func (r *Runner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.rt.RemoveContainer(ctx, id, true); err != nil {
		log.Warn("Failed to remove helper", "id", docker.ShortID(id), "err", err)
	}
}

func (r *Runner) ensureImage(ctx context.Context, ref string) error {
	ok, err := r.rt.ImageExists(ctx, ref)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	log.Info("Pulling helper image", "image", ref)
	return r.rt.PullImage(ctx, ref)
}

// ensureSyncImage builds the rsync image at most once per process.
func (r *Runner) ensureSyncImage(ctx context.Context) error {
	r.imageMu.Lock()
	defer r.imageMu.Unlock()

	if r.syncReady {
		return nil
	}

	ok, err := r.rt.ImageExists(ctx, r.cfg.SyncImage)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("Building sync image", "image", r.cfg.SyncImage)
		dockerfile := fmt.Sprintf("FROM %s\nRUN apk add --no-cache rsync\n", r.cfg.BaseImage)
		if err := r.rt.BuildImage(ctx, r.cfg.SyncImage, dockerfile); err != nil {
			return err
		}
	}

	r.syncReady = true
	return nil
}

func copyScript(excludes []string, owner string) string {
	var b strings.Builder
	b.WriteString("set -eo pipefail; cd " + sourceDir + "; tar -cf -")
	for _, ex := range excludes {
		b.WriteString(" --exclude=" + shellQuote(ex))
	}
	b.WriteString(" . | tar -xf - -C " + targetDir)
	b.WriteString("; chown -R " + owner + " " + targetDir)
	return b.String()
}

func syncScript(excludes []string, owner string) string {
	var b strings.Builder
	b.WriteString("set -e; rsync -a --delete --info=progress2 --no-inc-recursive")
	for _, ex := range excludes {
		b.WriteString(" --exclude=" + shellQuote(ex+"/"))
	}
	b.WriteString(" " + sourceDir + "/ " + targetDir + "/")
	if owner != "" {
		b.WriteString("; chown -R " + owner + " " + targetDir)
	}
	return b.String()
}

func withoutIncluded(excludes, include []string) []string {
	if len(include) == 0 {
		return excludes
	}
	keep := make(map[string]bool, len(include))
	for _, in := range include {
		keep[strings.Trim(in, "/")] = true
	}
	var out []string
	for _, ex := range excludes {
		if !keep[ex] {
			out = append(out, ex)
		}
	}
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func absPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("host path is required")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve host path %s: %w", p, err)
	}
	return abs, nil
}
