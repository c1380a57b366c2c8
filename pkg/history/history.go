// Package history keeps a bounded, persisted record of finished bulk file
// jobs with per-owner counters.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	maxRecordsInMemory = 1000
	dataRetentionDays  = 30
	saveInterval       = 5 * time.Minute
	fileName           = "history.json"
)

// Record is one finished job.
type Record struct {
	Timestamp time.Time `json:"ts" yaml:"ts"`
	JobID     string    `json:"job_id" yaml:"job_id"`
	Owner     string    `json:"owner" yaml:"owner"`
	Op        string    `json:"op" yaml:"op"`
	Status    string    `json:"status" yaml:"status"`
	Bytes     int64     `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// OwnerStats aggregates the records of one owner.
type OwnerStats struct {
	Owner      string    `json:"owner" yaml:"owner"`
	Jobs       int64     `json:"jobs" yaml:"jobs"`
	Failures   int64     `json:"failures" yaml:"failures"`
	LastStatus string    `json:"last_status" yaml:"last_status"`
	LastRun    time.Time `json:"last_run" yaml:"last_run"`
}

// Data is the persisted form.
type Data struct {
	Records   []Record               `json:"records" yaml:"records"`
	Owners    map[string]*OwnerStats `json:"owners" yaml:"owners"`
	Total     int64                  `json:"total" yaml:"total"`
	Failed    int64                  `json:"failed" yaml:"failed"`
	LastSaved time.Time              `json:"last_saved" yaml:"last_saved"`
}

func newData() *Data {
	return &Data{
		Records: make([]Record, 0, maxRecordsInMemory),
		Owners:  make(map[string]*OwnerStats),
	}
}

func (d *Data) add(r Record) {
	d.Records = append(d.Records, r)
	if len(d.Records) > maxRecordsInMemory {
		d.Records = d.Records[len(d.Records)-maxRecordsInMemory:]
	}

	d.Total++
	failed := r.Status == StatusFailed
	if failed {
		d.Failed++
	}

	st, ok := d.Owners[r.Owner]
	if !ok {
		st = &OwnerStats{Owner: r.Owner}
		d.Owners[r.Owner] = st
	}
	st.Jobs++
	if failed {
		st.Failures++
	}
	if !r.Timestamp.Before(st.LastRun) {
		st.LastRun = r.Timestamp
		st.LastStatus = r.Status
	}
}

// StatusFailed is the status counted as a failure.
const StatusFailed = "failed"

// Manager collects records in the background and saves them periodically.
type Manager struct {
	data       *Data
	dataDir    string
	recordChan chan Record
	stopChan   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewManager loads any saved history from dataDir and starts collecting.
func NewManager(dataDir string) *Manager {
	m := &Manager{
		data:       newData(),
		dataDir:    dataDir,
		recordChan: make(chan Record, 256),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Error("Failed to create history directory", "err", err)
	}

	loaded, err := Load(dataDir, time.Now())
	if err != nil {
		log.Error("Failed to load job history", "err", err)
	} else {
		m.data = loaded
		log.Debug("Loaded job history", "records", len(loaded.Records), "owners", len(loaded.Owners))
	}

	go m.run()
	return m
}

// Record queues r. When the queue is full the record is dropped.
func (m *Manager) Record(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	select {
	case m.recordChan <- r:
	default:
		log.Warn("Job history queue full, dropping record", "job", r.JobID)
	}
}

func (m *Manager) run() {
	defer close(m.done)

	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-m.recordChan:
			m.add(r)
		case <-ticker.C:
			if err := m.save(); err != nil {
				log.Error("Failed to save job history", "err", err)
			}
		case <-m.stopChan:
			for {
				select {
				case r := <-m.recordChan:
					m.add(r)
				default:
					if err := m.save(); err != nil {
						log.Error("Failed to save job history on stop", "err", err)
					}
					return
				}
			}
		}
	}
}

func (m *Manager) add(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.add(r)
}

// Data returns a copy of the collected history.
func (m *Manager) Data() *Data {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.clone()
}

func (d *Data) clone() *Data {
	out := &Data{
		Records:   append([]Record(nil), d.Records...),
		Owners:    make(map[string]*OwnerStats, len(d.Owners)),
		Total:     d.Total,
		Failed:    d.Failed,
		LastSaved: d.LastSaved,
	}
	for k, v := range d.Owners {
		st := *v
		out.Owners[k] = &st
	}
	return out
}

// Recent returns up to n records, newest first.
func (d *Data) Recent(n int) []Record {
	out := append([]Record(nil), d.Records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (m *Manager) save() error {
	m.mu.Lock()
	m.data.LastSaved = time.Now()
	data := m.data.clone()
	m.mu.Unlock()

	filename := filepath.Join(m.dataDir, fileName)
	tmpFile := filename + ".tmp"

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmpFile, jsonData, 0644); err != nil {
		return err
	}
	return os.Rename(tmpFile, filename)
}

// Load reads the history saved in dataDir, dropping records older than the
// retention window. A missing file yields empty history.
func Load(dataDir string, now time.Time) (*Data, error) {
	raw, err := os.ReadFile(filepath.Join(dataDir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return newData(), nil
		}
		return nil, err
	}

	var loaded Data
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, err
	}

	// counters are rebuilt from the retained records
	cutoff := now.AddDate(0, 0, -dataRetentionDays)
	out := newData()
	out.LastSaved = loaded.LastSaved
	for _, r := range loaded.Records {
		if r.Timestamp.After(cutoff) {
			out.add(r)
		}
	}
	return out, nil
}

// Stop flushes pending records, saves, and stops collecting.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	<-m.done
}
