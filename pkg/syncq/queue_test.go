package syncq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingJob returns a job that signals started and then waits for release.
func blockingJob(started chan<- string, owner string, release <-chan struct{}, result error) Job {
	return func(ctx context.Context) error {
		started <- owner
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		return result
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestQueue_SameOwnerFailsFast(t *testing.T) {
	q := New(2)
	started := make(chan string, 1)
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- q.Execute(context.Background(), "alpha", blockingJob(started, "alpha", release, nil)) }()
	<-started

	begin := time.Now()
	err := q.Execute(context.Background(), "alpha", func(context.Context) error {
		t.Fatal("duplicate job must not run")
		return nil
	})
	require.ErrorIs(t, err, ErrOwnerBusy)
	assert.Less(t, time.Since(begin), 100*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, q.Active("alpha"))
}

func TestQueue_GlobalLimitAndFIFO(t *testing.T) {
	q := New(2)
	started := make(chan string, 4)
	releases := map[string]chan struct{}{}
	for _, o := range []string{"a", "b", "c", "d"} {
		releases[o] = make(chan struct{})
	}

	var wg sync.WaitGroup
	submit := func(owner string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, q.Execute(context.Background(), owner, blockingJob(started, owner, releases[owner], nil)))
		}()
	}

	submit("a")
	submit("b")
	first := map[string]bool{<-started: true, <-started: true}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, first)

	submit("c")
	waitFor(t, func() bool { return len(q.Snapshot().Queued) == 1 })
	submit("d")
	waitFor(t, func() bool { return len(q.Snapshot().Queued) == 2 })
	assert.Equal(t, []string{"c", "d"}, q.Snapshot().Queued)

	select {
	case o := <-started:
		t.Fatalf("%s started above the concurrency limit", o)
	case <-time.After(50 * time.Millisecond):
	}

	close(releases["a"])
	assert.Equal(t, "c", <-started)

	close(releases["b"])
	assert.Equal(t, "d", <-started)

	close(releases["c"])
	close(releases["d"])
	wg.Wait()

	st := q.Snapshot()
	assert.Empty(t, st.Active)
	assert.Empty(t, st.Queued)
}

func TestQueue_CancelQueued(t *testing.T) {
	q := New(1)
	started := make(chan string, 2)
	release := make(chan struct{})

	go q.Execute(context.Background(), "a", blockingJob(started, "a", release, nil))
	<-started

	ran := false
	done := make(chan error, 1)
	go func() {
		done <- q.Execute(context.Background(), "b", func(context.Context) error {
			ran = true
			return nil
		})
	}()
	waitFor(t, func() bool { return len(q.Snapshot().Queued) == 1 })

	assert.False(t, q.Cancel("a"), "running jobs are not cancelled by the queue")
	assert.True(t, q.Cancel("b"))
	assert.False(t, q.Cancel("b"))

	err := <-done
	require.ErrorIs(t, err, ErrCancelled)
	close(release)

	waitFor(t, func() bool { return len(q.Snapshot().Active) == 0 })
	assert.False(t, ran)
	assert.False(t, q.Cancel("nobody"))
}

func TestQueue_FailureStaysWithCaller(t *testing.T) {
	q := New(2)
	boom := errors.New("tar: short write")

	errA := q.Execute(context.Background(), "a", func(context.Context) error { return boom })
	errB := q.Execute(context.Background(), "b", func(context.Context) error { return nil })

	assert.ErrorIs(t, errA, boom)
	assert.NoError(t, errB)

	// The owner slot is released after a failure.
	assert.NoError(t, q.Execute(context.Background(), "a", func(context.Context) error { return nil }))
}

func TestQueue_OnChange(t *testing.T) {
	q := New(1)
	var mu sync.Mutex
	var seen []Status
	q.OnChange = func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	require.NoError(t, q.Execute(context.Background(), "a", func(context.Context) error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, []string{"a"}, seen[1].Active)
	assert.Empty(t, seen[len(seen)-1].Active)
}
