package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/charmbracelet/log"
)

const (
	maxPort = 65535
	// Scans that run past maxPort restart here instead of in the privileged range.
	wrapPort = 1024

	DefaultMaxAttempts = 100
)

var ErrNoAvailablePort = errors.New("no available port")

// Resolver maps desired host ports onto ports that are currently free.
type Resolver struct {
	// Probe reports whether a port can be bound. Defaults to IsFree.
	Probe func(port int) bool
	// MaxAttempts bounds the forward scan for each conflicting port.
	MaxAttempts int
}

// New returns a Resolver probing the local TCP stack.
func New(maxAttempts int) *Resolver {
	return &Resolver{Probe: IsFree, MaxAttempts: maxAttempts}
}

// IsFree binds the port on all interfaces and releases it immediately. The
// answer may be stale by the time the caller uses the port.
func IsFree(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Resolve returns a desired→actual mapping. A desired port that is free maps
// to itself; a busy one maps to the next free port after it.
func (r *Resolver) Resolve(desired []int) (map[int]int, error) {
	probe := r.Probe
	if probe == nil {
		probe = IsFree
	}
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	out := make(map[int]int, len(desired))
	claimed := make(map[int]bool, len(desired))

	for _, want := range desired {
		if _, done := out[want]; done {
			continue
		}
		if want < 1 || want > maxPort {
			return nil, fmt.Errorf("invalid port %d", want)
		}

		if !claimed[want] && probe(want) {
			out[want] = want
			claimed[want] = true
			continue
		}

		port, err := scan(want, attempts, probe, claimed)
		if err != nil {
			return nil, err
		}
		log.Debug("Remapped busy host port", "desired", want, "actual", port)
		out[want] = port
		claimed[port] = true
	}

	return out, nil
}

func scan(from, attempts int, probe func(int) bool, claimed map[int]bool) (int, error) {
	port := from
	for i := 0; i < attempts; i++ {
		port = next(port)
		if claimed[port] {
			continue
		}
		if probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("port %d: %w after %d attempts", from, ErrNoAvailablePort, attempts)
}

func next(port int) int {
	if port >= maxPort {
		return wrapPort
	}
	return port + 1
}
