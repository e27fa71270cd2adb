// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"sync"
	"time"
)

// MetricsRecorder receives per-stage timings from the submission and
// restore pipelines.
type MetricsRecorder interface {
	ObserveStage(op, stage string, elapsed time.Duration)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func (NoopMetrics) ObserveStage(string, string, time.Duration) {}

// StageTiming is one aggregated stage counter.
type StageTiming struct {
	Op    string
	Stage string
	Count int64
	Total time.Duration
	Max   time.Duration
}

// StageMetrics aggregates stage timings in memory. Snapshot is safe to call
// concurrently with recording.
type StageMetrics struct {
	mu     sync.Mutex
	stages map[string]*StageTiming
}

func NewStageMetrics() *StageMetrics {
	return &StageMetrics{stages: make(map[string]*StageTiming)}
}

func (m *StageMetrics) ObserveStage(op, stage string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + "/" + stage
	t, ok := m.stages[key]
	if !ok {
		t = &StageTiming{Op: op, Stage: stage}
		m.stages[key] = t
	}
	t.Count++
	t.Total += elapsed
	if elapsed > t.Max {
		t.Max = elapsed
	}
}

func (m *StageMetrics) Snapshot() []StageTiming {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StageTiming, 0, len(m.stages))
	for _, t := range m.stages {
		out = append(out, *t)
	}
	return out
}
