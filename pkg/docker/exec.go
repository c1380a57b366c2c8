package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Exec runs argv inside a running container and collects its output.
func (c *Client) Exec(ctx context.Context, id string, argv []string) (ExecResult, error) {
	created, err := c.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, wrap("exec create", id, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, wrap("exec attach", id, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return ExecResult{}, wrap("exec read", id, err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, wrap("exec inspect", id, err)
	}

	return ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Logs returns everything a container wrote to stdout and stderr, in order.
func (c *Client) Logs(ctx context.Context, id string) (string, error) {
	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", wrap("container logs", id, err)
	}
	defer rc.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil && err != io.EOF {
		return out.String(), wrap("container logs", id, err)
	}
	return out.String(), nil
}

// StreamLogs follows a container's output and calls onLine for each line.
// Lines are split on both \r and \n so progress redraws arrive one by one.
// The returned stop ends the stream and returns only once onLine will not be
// called again; it is safe to call more than once.
func (c *Client) StreamLogs(ctx context.Context, id string, onLine func(string)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	rc, err := c.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		cancel()
		return nil, wrap("stream logs", id, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pr.Close()
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		sc.Split(ScanLinesOrCR)
		for sc.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimRight(sc.Text(), " ")
			if line != "" {
				onLine(line)
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			log.Debug("Log stream ended", "id", ShortID(id), "err", err)
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			// unblocks a read the transport does not tie to ctx
			rc.Close()
		})
		<-done
	}
	return stop, nil
}

// ScanLinesOrCR is a bufio.SplitFunc that treats \r, \n and \r\n as line ends.
func ScanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		if data[i] == '\r' && i+1 == len(data) && !atEOF {
			// might be the first half of \r\n
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// statsSample mirrors the fields of the stats API we read.
type statsSample struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

func (s statsSample) reduce() Stats {
	out := Stats{MemoryUsage: s.MemoryStats.Usage, MemoryLimit: s.MemoryStats.Limit}
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		out.CPUPercent = cpuDelta / sysDelta * cpus * 100
	}
	return out
}

// StreamStats follows resource usage samples for a container.
func (c *Client) StreamStats(ctx context.Context, id string, onStats func(Stats)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	resp, err := c.cli.ContainerStats(ctx, id, true)
	if err != nil {
		cancel()
		return nil, wrap("stream stats", id, err)
	}

	go func() {
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		for {
			var sample statsSample
			if err := dec.Decode(&sample); err != nil {
				if ctx.Err() == nil && err != io.EOF {
					log.Debug("Stats stream ended", "id", ShortID(id), "err", fmt.Sprint(err))
				}
				return
			}
			onStats(sample.reduce())
		}
	}()

	return cancel, nil
}
