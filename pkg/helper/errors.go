package helper

import (
	"fmt"
	"time"

	"github.com/abcdlsj/devnest/pkg/docker"
)

// JobError is a helper container that exited non-zero.
type JobError struct {
	Op          string
	ContainerID string
	ExitCode    int64
	Output      string
}

func (e *JobError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s failed in helper %s (exit code %d)", e.Op, docker.ShortID(e.ContainerID), e.ExitCode)
	}
	return fmt.Sprintf("%s failed in helper %s (exit code %d): %s", e.Op, docker.ShortID(e.ContainerID), e.ExitCode, e.Output)
}

// TimeoutError is a job that ran past its wall-clock limit and was killed.
type TimeoutError struct {
	Op          string
	ContainerID string
	Timeout     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s in helper %s", e.Op, e.Timeout, docker.ShortID(e.ContainerID))
}

func (e *TimeoutError) Is(target error) bool {
	return target == docker.ErrTimeout
}
