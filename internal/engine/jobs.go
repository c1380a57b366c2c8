package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/abcdlsj/devnest/pkg/config"
	"github.com/abcdlsj/devnest/pkg/docker"
	"github.com/abcdlsj/devnest/pkg/events"
	"github.com/abcdlsj/devnest/pkg/helper"
	"github.com/abcdlsj/devnest/pkg/metrics"
	"github.com/abcdlsj/devnest/pkg/syncq"
)

// Job statuses published on the feed.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobProgress  = "progress"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

const (
	OpCopy           = "copy"
	OpSyncToVolume   = "sync-to-volume"
	OpSyncFromVolume = "sync-from-volume"
)

// TransferRequest names the two sides of a bulk file job.
type TransferRequest struct {
	Owner    string
	HostPath string
	Volume   string
	// Include lists excluded directories to transfer anyway.
	Include    []string
	OnProgress func(helper.Progress)
}

// Job is a handle on a submitted bulk file job.
type Job struct {
	ID      string    `json:"id"`
	Owner   string    `json:"owner"`
	Op      string    `json:"op"`
	Created time.Time `json:"created"`

	e      *Engine
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	status      string
	containerID string
	progress    helper.Progress
	cancelled   bool
	err         error
}

// JobInfo is a point-in-time view of a Job.
type JobInfo struct {
	ID          string          `json:"id" yaml:"id"`
	Owner       string          `json:"owner" yaml:"owner"`
	Op          string          `json:"op" yaml:"op"`
	Status      string          `json:"status" yaml:"status"`
	ContainerID string          `json:"container_id,omitempty" yaml:"container_id,omitempty"`
	Progress    helper.Progress `json:"progress" yaml:"progress"`
	Error       string          `json:"error,omitempty" yaml:"error,omitempty"`
	Created     time.Time       `json:"created" yaml:"created"`
}

func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	info := JobInfo{
		ID:          j.ID,
		Owner:       j.Owner,
		Op:          j.Op,
		Status:      j.status,
		ContainerID: j.containerID,
		Progress:    j.progress,
		Created:     j.Created,
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}

// ContainerID returns the helper container running the job, once known.
func (j *Job) ContainerID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.containerID
}

// Done is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx ends.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel drops a queued job, or stops and removes the helper of a running
// one. The job then finishes with syncq.ErrCancelled.
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.cancelled || j.isDone() {
		j.mu.Unlock()
		return
	}
	j.cancelled = true
	id := j.containerID
	j.mu.Unlock()

	if j.e.queue.Cancel(j.Owner) {
		return
	}

	if id != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := j.e.rt.StopContainer(ctx, id, 0); err != nil && !docker.IsNotFound(err) {
			log.Warn("Failed to stop helper", "job", j.ID, "id", docker.ShortID(id), "err", err)
		}
		if err := j.e.rt.RemoveContainer(ctx, id, true); err != nil {
			log.Warn("Failed to remove helper", "job", j.ID, "id", docker.ShortID(id), "err", err)
		}
	}
	j.cancel()
}

func (j *Job) event(status string) events.JobEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	ev := events.JobEvent{
		JobID:            j.ID,
		Owner:            j.Owner,
		Op:               j.Op,
		Status:           status,
		Percentage:       j.progress.Percentage,
		BytesTransferred: j.progress.BytesTransferred,
		ContainerID:      j.containerID,
	}
	if j.err != nil {
		ev.Error = j.err.Error()
	}
	return ev
}

func (j *Job) setStatus(status string) {
	j.mu.Lock()
	j.status = status
	j.mu.Unlock()
	j.e.broker.PublishJob(j.event(status))
}

// CopyToVolume seeds req.Volume from req.HostPath.
func (e *Engine) CopyToVolume(req TransferRequest) (*Job, error) {
	return e.submit(OpCopy, req, func(ctx context.Context, j *Job) error {
		return e.runner.RunCopy(ctx, helper.CopyRequest{
			HostPath:         req.HostPath,
			Volume:           req.Volume,
			Owner:            req.Owner,
			OnProgress:       j.onProgress(req.OnProgress),
			OnContainerReady: j.onReady,
		})
	})
}

// SyncToVolume mirrors req.HostPath into req.Volume.
func (e *Engine) SyncToVolume(req TransferRequest) (*Job, error) {
	return e.sync(OpSyncToVolume, helper.ToVolume, req)
}

// SyncFromVolume mirrors req.Volume back to req.HostPath.
func (e *Engine) SyncFromVolume(req TransferRequest) (*Job, error) {
	return e.sync(OpSyncFromVolume, helper.FromVolume, req)
}

func (e *Engine) sync(op string, dir helper.Direction, req TransferRequest) (*Job, error) {
	return e.submit(op, req, func(ctx context.Context, j *Job) error {
		return e.runner.RunSync(ctx, helper.SyncRequest{
			Direction:        dir,
			HostPath:         req.HostPath,
			Volume:           req.Volume,
			Owner:            req.Owner,
			Include:          req.Include,
			OnProgress:       j.onProgress(req.OnProgress),
			OnContainerReady: j.onReady,
		})
	})
}

// ProjectTransfer fills a TransferRequest from the configured project.
func (e *Engine) ProjectTransfer(id string) (TransferRequest, error) {
	p, ok := e.Config().Project(id)
	if !ok {
		return TransferRequest{}, fmt.Errorf("project %s is not configured", id)
	}
	return TransferRequest{
		Owner:    id,
		HostPath: p.Path,
		Volume:   config.VolumeFor(id),
		Include:  p.Include,
	}, nil
}

func (j *Job) onReady(id string) {
	j.mu.Lock()
	j.containerID = id
	cancelled := j.cancelled
	j.mu.Unlock()

	if cancelled {
		// Cancel ran before the id was known.
		j.cancel()
		return
	}
	j.setStatus(JobRunning)
}

func (j *Job) onProgress(user func(helper.Progress)) func(helper.Progress) {
	return func(p helper.Progress) {
		j.mu.Lock()
		j.progress = p
		j.mu.Unlock()
		j.e.broker.PublishJob(j.event(JobProgress))
		if user != nil {
			user(p)
		}
	}
}

// submit admits a job for req.Owner and runs it in the background. A second
// job for the same owner fails with syncq.ErrOwnerBusy right away.
func (e *Engine) submit(op string, req TransferRequest, run func(context.Context, *Job) error) (*Job, error) {
	if req.Owner == "" {
		return nil, errors.New("job owner is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:      uuid.NewString(),
		Owner:   req.Owner,
		Op:      op,
		Created: time.Now(),
		e:       e,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  JobQueued,
	}

	e.mu.Lock()
	if prev, ok := e.jobs[req.Owner]; ok && !prev.isDone() {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("owner %s: %w", req.Owner, syncq.ErrOwnerBusy)
	}
	e.jobs[req.Owner] = j
	e.mu.Unlock()

	e.broker.PublishJob(j.event(JobQueued))

	go func() {
		defer cancel()
		start := time.Now()

		err := e.queue.Execute(ctx, req.Owner, func(ctx context.Context) error {
			return run(ctx, j)
		})
		j.finish(err)

		info := j.Info()
		metrics.JobsTotal.WithLabelValues(op, outcome(info.Status)).Inc()
		metrics.JobDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err != nil && info.Status == JobFailed {
			log.Error("Job failed", "op", op, "owner", req.Owner, "err", err)
		} else {
			log.Info("Job finished", "op", op, "owner", req.Owner, "status", info.Status, "took", time.Since(start).Round(time.Millisecond))
		}
	}()

	return j, nil
}

func (j *Job) finish(err error) {
	j.mu.Lock()
	status := JobSucceeded
	switch {
	case j.cancelled:
		status = JobCancelled
		if !errors.Is(err, syncq.ErrCancelled) {
			err = fmt.Errorf("owner %s: %w", j.Owner, syncq.ErrCancelled)
		}
	case err != nil:
		status = JobFailed
	}
	j.err = err
	j.status = status
	close(j.done)
	j.mu.Unlock()

	j.e.broker.PublishJob(j.event(status))
}

func (j *Job) isDone() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Terminal reports whether status is a final job status.
func Terminal(status string) bool {
	return status == JobSucceeded || status == JobFailed || status == JobCancelled
}

func outcome(status string) string {
	switch status {
	case JobSucceeded:
		return metrics.OutcomeSuccess
	case JobCancelled:
		return metrics.OutcomeCancelled
	}
	return metrics.OutcomeError
}

// Jobs returns every job known to the engine, finished ones included, until
// the owner submits again.
func (e *Engine) Jobs() []JobInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]JobInfo, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j.Info())
	}
	sortJobs(out)
	return out
}

// JobFor returns owner's most recent job.
func (e *Engine) JobFor(owner string) (*Job, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[owner]
	return j, ok
}

// CancelJob cancels owner's current job. It reports false when the owner
// has no unfinished job.
func (e *Engine) CancelJob(owner string) bool {
	j, ok := e.JobFor(owner)
	if !ok || j.isDone() {
		return false
	}
	j.Cancel()
	return true
}

// QueueStatus returns the sync queue's view of active and waiting owners.
func (e *Engine) QueueStatus() syncq.Status {
	return e.queue.Snapshot()
}

func sortJobs(in []JobInfo) {
	sort.Slice(in, func(i, k int) bool {
		if !in[i].Created.Equal(in[k].Created) {
			return in[i].Created.Before(in[k].Created)
		}
		return in[i].Owner < in[k].Owner
	})
}
