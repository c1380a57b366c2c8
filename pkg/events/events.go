// Package events carries normalized container lifecycle events and runtime
// connection changes from the core to whoever is listening.
package events

import (
	"sync"
	"time"

	"github.com/abcdlsj/devnest/pkg/labels"
)

// MessageType tells subscribers which payload a Message carries.
type MessageType string

const (
	TypeContainer  MessageType = "container"
	TypeConnection MessageType = "connection"
	TypeJob        MessageType = "job"
)

// ContainerEvent is a lifecycle change of a managed container.
type ContainerEvent struct {
	ResourceID string            `json:"resource_id"`
	Action     string            `json:"action"`
	Detail     string            `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       labels.Kind       `json:"kind"`
	Owner      string            `json:"owner"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// ConnectionStatus reports the event monitor's link to the runtime.
type ConnectionStatus struct {
	State   string    `json:"state"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// JobEvent reports progress or completion of a bulk file job.
type JobEvent struct {
	JobID            string  `json:"job_id"`
	Owner            string  `json:"owner"`
	Op               string  `json:"op"`
	Status           string  `json:"status"`
	Percentage       float64 `json:"percentage,omitempty"`
	BytesTransferred int64   `json:"bytes_transferred,omitempty"`
	ContainerID      string  `json:"container_id,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// Message is one item on the feed; exactly one payload field is set.
type Message struct {
	Type       MessageType       `json:"type"`
	Container  *ContainerEvent   `json:"container,omitempty"`
	Connection *ConnectionStatus `json:"connection,omitempty"`
	Job        *JobEvent         `json:"job,omitempty"`
}

// Broker fans messages out to subscribers. A subscriber that does not keep
// up loses messages; publishers never block.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	nextID int
	closed bool
}

type subscriber struct {
	ch   chan Message
	keep func(Message) bool
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]subscriber)}
}

// Subscribe returns a channel of messages and a function that ends the
// subscription and closes the channel.
func (b *Broker) Subscribe(buffer int) (<-chan Message, func()) {
	return b.SubscribeFunc(buffer, nil)
}

// SubscribeFunc is Subscribe restricted to the messages keep accepts, so
// unrelated traffic never takes room in the buffer. keep runs on the
// publisher's goroutine and must not block.
func (b *Broker) SubscribeFunc(buffer int, keep func(Message) bool) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{ch: ch, keep: keep}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Publish delivers m to every subscriber with room in its buffer.
func (b *Broker) Publish(m Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.keep != nil && !sub.keep(m) {
			continue
		}
		select {
		case sub.ch <- m:
		default:
		}
	}
}

func (b *Broker) PublishContainer(ev ContainerEvent) {
	b.Publish(Message{Type: TypeContainer, Container: &ev})
}

func (b *Broker) PublishConnection(st ConnectionStatus) {
	b.Publish(Message{Type: TypeConnection, Connection: &st})
}

func (b *Broker) PublishJob(ev JobEvent) {
	b.Publish(Message{Type: TypeJob, Job: &ev})
}

// Close ends all subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
