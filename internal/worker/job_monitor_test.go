package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobMonitor_Stats(t *testing.T) {
	m := NewJobMonitor(time.Second)

	m.Record("listings", 100*time.Millisecond, nil)
	m.Record("listings", 200*time.Millisecond, nil)
	m.Record("listings", 1500*time.Millisecond, errors.New("analytics down"))
	m.Record("collectibles", 50*time.Millisecond, nil)

	stats := m.Stats()
	require.Len(t, stats, 2)

	listings := stats["listings"]
	assert.Equal(t, int64(3), listings.Runs)
	assert.Equal(t, int64(1), listings.Failures)
	assert.Equal(t, int64(1), listings.SlowRuns)
	assert.Equal(t, "analytics down", listings.LastError)
	assert.InDelta(t, 600, listings.AvgMs, 0.5)
	assert.Equal(t, float64(1500), listings.P95Ms)

	assert.Equal(t, float64(50), stats["collectibles"].AvgMs)
}

func TestJobMonitor_SuccessClearsLastError(t *testing.T) {
	m := NewJobMonitor(0)
	m.Record("events:0xabc", time.Millisecond, errors.New("rpc timeout"))
	m.Record("events:0xabc", time.Millisecond, nil)

	s := m.Stats()["events:0xabc"]
	assert.Empty(t, s.LastError)
	assert.Equal(t, int64(1), s.Failures)
	assert.Zero(t, s.SlowRuns)
}

func TestJobMonitor_KeepsBoundedSamples(t *testing.T) {
	m := NewJobMonitor(0)
	for i := 0; i < defaultMaxSamples+50; i++ {
		m.Record("listings", 10*time.Millisecond, nil)
	}
	m.Record("listings", 10*time.Millisecond, nil)

	assert.Len(t, m.jobs["listings"].durations, defaultMaxSamples)
	assert.Equal(t, int64(defaultMaxSamples+51), m.Stats()["listings"].Runs)
}

func TestJobMonitor_Check(t *testing.T) {
	m := NewJobMonitor(100 * time.Millisecond)
	for i := 0; i < 20; i++ {
		m.Record("listings", 10*time.Millisecond, nil)
	}
	assert.Empty(t, m.Check())

	for i := 0; i < 3; i++ {
		m.Record("collectibles", 10*time.Millisecond, errors.New("lock held"))
	}
	for i := 0; i < 20; i++ {
		m.Record("events:0xabc", 300*time.Millisecond, nil)
	}

	issues := m.Check()
	require.Len(t, issues, 2)
	assert.Contains(t, issues[0], "collectibles failed 3 of 3 runs")
	assert.Contains(t, issues[1], "events:0xabc p95 run time")

	m.Reset()
	assert.Empty(t, m.Stats())
}
