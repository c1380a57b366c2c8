package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abcdlsj/devnest/pkg/labels"
)

func TestPickCandidate(t *testing.T) {
	mine := labels.For(labels.KindProject, "alpha")
	other := labels.For(labels.KindProject, "beta")
	unmanaged := map[string]string{labels.ProjectID: "alpha", labels.Type: "project"}

	tests := []struct {
		name string
		list []candidate
		want string
	}{
		{
			name: "no candidates",
			list: nil,
			want: "",
		},
		{
			name: "ignores other owners and unmanaged look-alikes",
			list: []candidate{
				{id: "b1", state: StateRunning, labels: other},
				{id: "u1", state: StateRunning, labels: unmanaged},
			},
			want: "",
		},
		{
			name: "prefers running match",
			list: []candidate{
				{id: "a-old", state: StateExited, labels: mine},
				{id: "b1", state: StateRunning, labels: other},
				{id: "a-new", state: StateRunning, labels: mine},
			},
			want: "a-new",
		},
		{
			name: "falls back to first stopped match",
			list: []candidate{
				{id: "a1", state: StateExited, labels: mine},
				{id: "a2", state: StateCreated, labels: mine},
			},
			want: "a1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickCandidate(tt.list, labels.ProjectID, "alpha", labels.KindProject))
		})
	}
}

func TestBuildCreateConfig(t *testing.T) {
	cfg, hostCfg, netCfg, err := buildCreateConfig(ContainerSpec{
		Name:    "devnest-alpha",
		Image:   "node:20",
		Kind:    labels.KindProject,
		Owner:   "alpha",
		Labels:  map[string]string{labels.Managed: "false", labels.Domain: "alpha.localhost"},
		Ports:   map[string]int{"3000": 3001, "9229/tcp": 9229},
		Mounts:  []Mount{{Volume: "alpha-src", Target: "/workspace"}, {Source: "/tmp/x", Target: "/x", ReadOnly: true}},
		Network: "devnest",
		Aliases: []string{"alpha"},
		Restart: "unless-stopped",
	})
	require.NoError(t, err)

	assert.True(t, labels.IsManaged(cfg.Labels))
	assert.Equal(t, "alpha", cfg.Labels[labels.ProjectID])
	assert.Equal(t, "alpha.localhost", cfg.Labels[labels.Domain])

	require.Contains(t, hostCfg.PortBindings, nat.Port("3000/tcp"))
	assert.Equal(t, "3001", hostCfg.PortBindings[nat.Port("3000/tcp")][0].HostPort)
	assert.Contains(t, cfg.ExposedPorts, nat.Port("9229/tcp"))

	require.Len(t, hostCfg.Mounts, 2)
	assert.Equal(t, "alpha-src", hostCfg.Mounts[0].Source)
	assert.True(t, hostCfg.Mounts[1].ReadOnly)

	require.NotNil(t, netCfg)
	assert.Equal(t, []string{"alpha"}, netCfg.EndpointsConfig["devnest"].Aliases)
	assert.Equal(t, "unless-stopped", string(hostCfg.RestartPolicy.Name))
}

func TestBuildCreateConfig_BadPort(t *testing.T) {
	_, _, _, err := buildCreateConfig(ContainerSpec{
		Kind:  labels.KindService,
		Owner: "db",
		Ports: map[string]int{"abc/tcp": 1},
	})
	assert.Error(t, err)
}

func TestBindingsFromPortMap(t *testing.T) {
	got := bindingsFromPortMap(nat.PortMap{
		"5432/tcp": {{HostIP: "127.0.0.1", HostPort: "5433"}},
		"3306/tcp": {{HostIP: "127.0.0.1", HostPort: "3307"}},
		"9000/tcp": nil,
	})
	require.Len(t, got, 2)
	assert.Equal(t, PortBinding{HostIP: "127.0.0.1", HostPort: 3307, ContainerPort: "3306/tcp"}, got[0])
	assert.Equal(t, 5433, got[1].HostPort)
}

func TestNormalize(t *testing.T) {
	managed := labels.For(labels.KindProject, "alpha")

	ev, ok := normalize(events.Message{
		Type:     events.ContainerEventType,
		Action:   "health_status: healthy",
		Actor:    events.Actor{ID: "abc", Attributes: managed},
		TimeNano: 1_700_000_000_000_000_000,
	})
	require.True(t, ok)
	assert.Equal(t, "health_status", ev.Action)
	assert.Equal(t, "healthy", ev.Detail)
	assert.Equal(t, "abc", ev.ID)
	assert.Equal(t, int64(1_700_000_000), ev.Time.Unix())

	_, ok = normalize(events.Message{
		Type:   events.ContainerEventType,
		Action: "exec_create: ls",
		Actor:  events.Actor{ID: "abc", Attributes: managed},
	})
	assert.False(t, ok)

	_, ok = normalize(events.Message{
		Type:   events.ContainerEventType,
		Action: "start",
		Actor:  events.Actor{ID: "abc", Attributes: map[string]string{"name": "other"}},
	})
	assert.False(t, ok, "unmanaged containers are ignored")
}

func TestScanLinesOrCR(t *testing.T) {
	in := "first\r  1,024  10%\r  2,048  20%\r\nlast"
	sc := bufio.NewScanner(strings.NewReader(in))
	sc.Split(ScanLinesOrCR)

	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"first", "  1,024  10%", "  2,048  20%", "last"}, lines)
}

func TestOpError(t *testing.T) {
	err := &OpError{Op: "remove volume", Resource: "alpha-src", Kind: KindConflict, Err: errors.New("volume is in use")}

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsConflict(fmt.Errorf("wrapped: %w", err)))
	assert.Contains(t, err.Error(), "alpha-src")
	assert.Contains(t, err.Error(), "volume is in use")
}

func TestWrapTimeout(t *testing.T) {
	err := wrap("ping", "", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Nil(t, wrap("ping", "", nil))
}

func TestStatsReduce(t *testing.T) {
	var s statsSample
	s.CPUStats.CPUUsage.TotalUsage = 400
	s.PreCPUStats.CPUUsage.TotalUsage = 200
	s.CPUStats.SystemUsage = 2000
	s.PreCPUStats.SystemUsage = 1000
	s.CPUStats.OnlineCPUs = 2
	s.MemoryStats.Usage = 10
	s.MemoryStats.Limit = 100

	got := s.reduce()
	assert.InDelta(t, 40.0, got.CPUPercent, 0.001)
	assert.Equal(t, uint64(10), got.MemoryUsage)
}

func TestExecResultOutput(t *testing.T) {
	assert.Equal(t, "err", ExecResult{Stderr: "err"}.Output())
	assert.Equal(t, "out", ExecResult{Stdout: "out"}.Output())
	assert.Equal(t, "outerr", ExecResult{Stdout: "out", Stderr: "err"}.Output())
}
