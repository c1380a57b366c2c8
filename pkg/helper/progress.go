package helper

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Progress is one parsed progress update from a sync job.
type Progress struct {
	Percentage       float64 `json:"percentage"`
	BytesTransferred int64   `json:"bytes_transferred"`
}

// rsync --info=progress2 lines look like
//
//	1,238,528  45%   11.81MB/s    0:00:00 (xfr#12, to-chk=3/20)
var progressLine = regexp.MustCompile(`^\s*([\d,.]+)\s+(\d{1,3})%`)

// ParseProgress extracts a Progress from one rsync output line.
func ParseProgress(line string) (Progress, bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}

	digits := strings.NewReplacer(",", "", ".", "").Replace(m[1])
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Progress{}, false
	}
	pct, err := strconv.Atoi(m[2])
	if err != nil || pct > 100 {
		return Progress{}, false
	}

	return Progress{Percentage: float64(pct), BytesTransferred: n}, true
}

// progressReporter throttles callbacks; the final 100% update always passes.
// Nothing is reported after finish.
type progressReporter struct {
	fn      func(Progress)
	limiter *rate.Limiter

	mu       sync.Mutex
	last     Progress
	finished bool
}

func newProgressReporter(fn func(Progress), every time.Duration) *progressReporter {
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	return &progressReporter{fn: fn, limiter: rate.NewLimiter(rate.Every(every), 1)}
}

func (p *progressReporter) line(s string) {
	pr, ok := ParseProgress(s)
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.last = pr
	if p.fn != nil && (pr.Percentage >= 100 || p.limiter.Allow()) {
		p.fn(pr)
	}
}

func (p *progressReporter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if p.fn != nil {
		p.fn(Progress{Percentage: 100, BytesTransferred: p.last.BytesTransferred})
	}
}
