package worker

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

const defaultMaxSamples = 500

// JobMonitor tracks run durations and failures per sync job
type JobMonitor struct {
	mu          sync.RWMutex
	jobs        map[string]*jobSamples
	maxSamples  int
	slowRunTime time.Duration
}

type jobSamples struct {
	durations []time.Duration
	runs      int64
	failures  int64
	slowRuns  int64
	lastErr   string
	lastRunAt time.Time
}

// NewJobMonitor creates a monitor. A run longer than slowRunTime counts as slow.
func NewJobMonitor(slowRunTime time.Duration) *JobMonitor {
	return &JobMonitor{
		jobs:        make(map[string]*jobSamples),
		maxSamples:  defaultMaxSamples,
		slowRunTime: slowRunTime,
	}
}

// Record adds one run of job
func (m *JobMonitor) Record(job string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.jobs[job]
	if !ok {
		s = &jobSamples{durations: make([]time.Duration, 0, m.maxSamples)}
		m.jobs[job] = s
	}

	s.runs++
	s.lastRunAt = time.Now()
	s.durations = append(s.durations, duration)
	if len(s.durations) > m.maxSamples {
		s.durations = s.durations[len(s.durations)-m.maxSamples:]
	}
	if m.slowRunTime > 0 && duration > m.slowRunTime {
		s.slowRuns++
	}
	if err != nil {
		s.failures++
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
}

// JobStats contains run statistics of one job
type JobStats struct {
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	SlowRuns  int64     `json:"slowRuns"`
	AvgMs     float64   `json:"avgMs"`
	P95Ms     float64   `json:"p95Ms"`
	P99Ms     float64   `json:"p99Ms"`
	LastError string    `json:"lastError,omitempty"`
	LastRunAt time.Time `json:"lastRunAt"`
}

// Stats returns statistics for every job seen so far
func (m *JobMonitor) Stats() map[string]JobStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]JobStats, len(m.jobs))
	for job, s := range m.jobs {
		stats := JobStats{
			Runs:      s.runs,
			Failures:  s.failures,
			SlowRuns:  s.slowRuns,
			LastError: s.lastErr,
			LastRunAt: s.lastRunAt,
		}
		if n := len(s.durations); n > 0 {
			sorted := slices.Clone(s.durations)
			slices.Sort(sorted)

			var total time.Duration
			for _, d := range sorted {
				total += d
			}
			stats.AvgMs = float64(total.Milliseconds()) / float64(n)
			stats.P95Ms = float64(sorted[min(int(float64(n)*0.95), n-1)].Milliseconds())
			stats.P99Ms = float64(sorted[min(int(float64(n)*0.99), n-1)].Milliseconds())
		}
		out[job] = stats
	}
	return out
}

// Check lists jobs that keep failing or routinely run slow
func (m *JobMonitor) Check() []string {
	var issues []string
	for job, s := range m.Stats() {
		if s.LastError != "" && s.Failures >= 3 {
			issues = append(issues, fmt.Sprintf("%s failed %d of %d runs, last error: %s", job, s.Failures, s.Runs, s.LastError))
		}
		if m.slowRunTime > 0 && s.P95Ms > float64(m.slowRunTime.Milliseconds()) {
			issues = append(issues, fmt.Sprintf("%s p95 run time (%.0fms) exceeds %v", job, s.P95Ms, m.slowRunTime))
		}
	}
	slices.Sort(issues)
	return issues
}

// Reset drops all samples
func (m *JobMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = make(map[string]*jobSamples)
}
