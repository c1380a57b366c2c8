// Package relay forwards the in-process event feed to a NATS subject tree so
// tools outside the daemon can follow containers, jobs and the runtime link.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"github.com/abcdlsj/devnest/pkg/events"
)

const DefaultSubject = "devnest.events"

// Publisher sends one payload on a subject.
type Publisher interface {
	Publish(subject string, payload []byte) error
}

// Subject returns where m is published below prefix:
// <prefix>.container.<owner>, <prefix>.job.<owner> or <prefix>.connection.
func Subject(prefix string, m events.Message) string {
	if prefix == "" {
		prefix = DefaultSubject
	}
	switch {
	case m.Container != nil:
		return prefix + "." + string(events.TypeContainer) + "." + token(m.Container.Owner)
	case m.Job != nil:
		return prefix + "." + string(events.TypeJob) + "." + token(m.Job.Owner)
	}
	return prefix + "." + string(m.Type)
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Run publishes every message from feed until it closes. Publish failures
// are logged and the message dropped.
func Run(feed <-chan events.Message, pub Publisher, prefix string) {
	for m := range feed {
		data, err := json.Marshal(m)
		if err != nil {
			log.Warn("Failed to encode event for relay", "type", m.Type, "err", err)
			continue
		}
		if err := pub.Publish(Subject(prefix, m), data); err != nil {
			log.Debug("Relay publish failed", "type", m.Type, "err", err)
		}
	}
}

// NATS is a Publisher over a NATS connection that reconnects forever.
type NATS struct {
	nc *nats.Conn
}

func NewNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("devnest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATS{nc: nc}, nil
}

func (n *NATS) Publish(subject string, payload []byte) error {
	if n.nc == nil || n.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return n.nc.Publish(subject, payload)
}

// Close flushes pending messages and closes the connection.
func (n *NATS) Close() {
	if n.nc != nil {
		if err := n.nc.Drain(); err != nil {
			n.nc.Close()
		}
	}
}
