package docker

import (
	"time"

	"github.com/abcdlsj/devnest/pkg/labels"
)

// Runtime states reported by the daemon.
const (
	StateCreated    = "created"
	StateRunning    = "running"
	StatePaused     = "paused"
	StateRestarting = "restarting"
	StateRemoving   = "removing"
	StateExited     = "exited"
	StateDead       = "dead"
)

// Health values; HealthNone means the image defines no healthcheck.
const (
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthNone      = "none"
)

// ContainerState is a snapshot computed from the runtime on every call.
// Exists=false is a valid answer, distinct from a transport error.
type ContainerState struct {
	Exists  bool              `json:"exists" yaml:"exists"`
	Running bool              `json:"running" yaml:"running"`
	ID      string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	State   string            `json:"state,omitempty" yaml:"state,omitempty"`
	Health  string            `json:"health,omitempty" yaml:"health,omitempty"`
	Ports   []PortBinding     `json:"ports,omitempty" yaml:"ports,omitempty"`
	Labels  map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Created time.Time         `json:"created,omitempty" yaml:"created,omitempty"`
}

// ShortID returns the 12 character id prefix used as a hostname on the
// runtime network.
func (s ContainerState) ShortID() string {
	return ShortID(s.ID)
}

// PortBinding pairs a host port with a container port ("5432/tcp").
type PortBinding struct {
	HostIP        string `json:"host_ip,omitempty" yaml:"host_ip,omitempty"`
	HostPort      int    `json:"host_port" yaml:"host_port"`
	ContainerPort string `json:"container_port" yaml:"container_port"`
}

// ResourceType distinguishes the three kinds of runtime objects we manage.
type ResourceType string

const (
	ResourceContainer ResourceType = "container"
	ResourceVolume    ResourceType = "volume"
	ResourceNetwork   ResourceType = "network"
)

// Resource is a managed runtime object as returned by ListManaged.
type Resource struct {
	Type   ResourceType      `json:"type" yaml:"type"`
	ID     string            `json:"id" yaml:"id"`
	Name   string            `json:"name" yaml:"name"`
	Kind   labels.Kind       `json:"kind" yaml:"kind"`
	Owner  string            `json:"owner" yaml:"owner"`
	State  string            `json:"state,omitempty" yaml:"state,omitempty"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Mount describes a bind mount (Source is a host path) or a named volume
// mount (Volume is set).
type Mount struct {
	Source   string
	Volume   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is everything needed to create a managed container.
type ContainerSpec struct {
	Name       string
	Image      string
	Kind       labels.Kind
	Owner      string
	Labels     map[string]string
	Env        []string
	Cmd        []string
	Entrypoint []string
	WorkingDir string
	User       string
	Hostname   string
	// Ports maps container ports ("80/tcp" or "80") to host ports.
	Ports   map[string]int
	Mounts  []Mount
	Network string
	Aliases []string
	// Restart is a restart policy name such as "unless-stopped".
	Restart string
	Tty     bool
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stdout and stderr joined, the way a terminal would show it.
func (r ExecResult) Output() string {
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	}
	return r.Stdout + r.Stderr
}

// Stats is a reduced view of one stats sample.
type Stats struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsage uint64  `json:"memory_usage"`
	MemoryLimit uint64  `json:"memory_limit"`
}

// ShortID truncates a runtime id to 12 characters.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
