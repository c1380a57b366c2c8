// Package syncq bounds how many helper-container jobs run at once and keeps
// jobs for the same owner from overlapping.
package syncq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
)

const DefaultConcurrency = 2

var (
	// ErrOwnerBusy is returned when the owner already has a job queued or running.
	ErrOwnerBusy = errors.New("a sync job is already in progress for this owner")
	// ErrCancelled is returned to the caller of a queued job removed by Cancel.
	ErrCancelled = errors.New("sync job cancelled before it started")
)

// Job is the unit of work; the queue only knows when it starts and ends.
type Job func(ctx context.Context) error

type entry struct {
	owner     string
	cancel    context.CancelFunc
	active    bool
	cancelled bool
}

// Queue admits jobs FIFO under a global concurrency bound.
type Queue struct {
	sem   *semaphore.Weighted
	limit int

	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	// OnChange, if set, is called after every admission state change.
	OnChange func(Status)
}

// Status is a point-in-time view of the queue.
type Status struct {
	Limit  int      `json:"limit"`
	Active []string `json:"active"`
	Queued []string `json:"queued"`
}

func New(limit int) *Queue {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	return &Queue{
		sem:     semaphore.NewWeighted(int64(limit)),
		limit:   limit,
		entries: make(map[string]*entry),
	}
}

// Execute runs job for owner once a slot is free and returns its error. It
// fails fast with ErrOwnerBusy if owner already has a job in the queue.
func (q *Queue) Execute(ctx context.Context, owner string, job Job) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	q.mu.Lock()
	if _, busy := q.entries[owner]; busy {
		q.mu.Unlock()
		return fmt.Errorf("owner %s: %w", owner, ErrOwnerBusy)
	}
	e := &entry{owner: owner, cancel: cancel}
	q.entries[owner] = e
	q.order = append(q.order, owner)
	q.mu.Unlock()
	q.changed()

	if err := q.sem.Acquire(waitCtx, 1); err != nil {
		q.mu.Lock()
		cancelled := e.cancelled
		q.removeLocked(e)
		q.mu.Unlock()
		q.changed()

		if cancelled {
			return fmt.Errorf("owner %s: %w", owner, ErrCancelled)
		}
		return fmt.Errorf("owner %s: waiting for a sync slot: %w", owner, err)
	}

	q.mu.Lock()
	if e.cancelled {
		// Cancel won the race against Acquire.
		q.removeLocked(e)
		q.mu.Unlock()
		q.sem.Release(1)
		q.changed()
		return fmt.Errorf("owner %s: %w", owner, ErrCancelled)
	}
	e.active = true
	q.mu.Unlock()
	q.changed()

	log.Debug("Sync job started", "owner", owner)
	defer func() {
		q.mu.Lock()
		q.removeLocked(e)
		q.mu.Unlock()
		q.sem.Release(1)
		q.changed()
	}()

	return job(ctx)
}

// Cancel removes owner's job if it is still waiting. It returns false when
// there is no such job or the job is already running; running jobs are
// stopped by their caller.
func (q *Queue) Cancel(owner string) bool {
	q.mu.Lock()
	e, ok := q.entries[owner]
	if !ok || e.active || e.cancelled {
		q.mu.Unlock()
		return false
	}
	e.cancelled = true
	e.cancel()
	q.mu.Unlock()

	log.Debug("Queued sync job cancelled", "owner", owner)
	return true
}

// Active reports whether owner currently has a running job.
func (q *Queue) Active(owner string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[owner]
	return ok && e.active
}

// Snapshot returns the active and queued owners in submission order.
func (q *Queue) Snapshot() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() Status {
	st := Status{Limit: q.limit, Active: []string{}, Queued: []string{}}
	for _, owner := range q.order {
		e := q.entries[owner]
		if e == nil {
			continue
		}
		if e.active {
			st.Active = append(st.Active, owner)
		} else if !e.cancelled {
			st.Queued = append(st.Queued, owner)
		}
	}
	return st
}

func (q *Queue) removeLocked(e *entry) {
	if q.entries[e.owner] != e {
		return
	}
	delete(q.entries, e.owner)
	for i, o := range q.order {
		if o == e.owner {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) changed() {
	if q.OnChange == nil {
		return
	}
	q.OnChange(q.Snapshot())
}
