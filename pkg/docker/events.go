package docker

import (
	"context"
	"strings"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"

	"github.com/abcdlsj/devnest/pkg/labels"
)

// LifecycleActions are the container actions the event stream is filtered to.
var LifecycleActions = []string{
	"start", "stop", "die", "kill", "pause", "unpause", "restart", "health_status",
}

// Event is a container lifecycle event for a managed resource.
type Event struct {
	ID     string
	Action string
	// Detail carries the suffix of compound actions, e.g. "healthy" for
	// "health_status: healthy".
	Detail string
	Time   time.Time
	Labels map[string]string
}

// Events subscribes to lifecycle events of managed containers. Both channels
// are closed when ctx ends or the stream fails; a stream failure is sent on
// the error channel first.
func (c *Client) Events(ctx context.Context) (<-chan Event, <-chan error) {
	args := filters.NewArgs(
		filters.Arg("type", string(events.ContainerEventType)),
		filters.Arg("label", labels.Selector(labels.Managed, labels.ManagedValue)),
	)
	for _, a := range LifecycleActions {
		args.Add("event", a)
	}

	msgs, errs := c.cli.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan Event)
	outErr := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(outErr)

		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					return
				}
				ev, keep := normalize(m)
				if !keep {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case err, ok := <-errs:
				if ok && err != nil && ctx.Err() == nil {
					outErr <- wrap("events", "", err)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, outErr
}

func normalize(m events.Message) (Event, bool) {
	if m.Type != events.ContainerEventType {
		return Event{}, false
	}

	action, detail := splitAction(string(m.Action))
	if !isLifecycle(action) {
		return Event{}, false
	}

	attrs := m.Actor.Attributes
	if !labels.IsManaged(attrs) {
		return Event{}, false
	}

	ts := time.Unix(0, m.TimeNano)
	if m.TimeNano == 0 {
		ts = time.Unix(m.Time, 0)
	}

	return Event{
		ID:     m.Actor.ID,
		Action: action,
		Detail: detail,
		Time:   ts,
		Labels: attrs,
	}, true
}

func splitAction(a string) (string, string) {
	action, detail, _ := strings.Cut(a, ":")
	return strings.TrimSpace(action), strings.TrimSpace(detail)
}

func isLifecycle(action string) bool {
	for _, a := range LifecycleActions {
		if a == action {
			return true
		}
	}
	return false
}
