// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryCaseStore is a map-backed CaseStore for tests and single-node use.
// It enforces the same optimistic-concurrency contract as the Postgres
// store.
type MemoryCaseStore struct {
	mu    sync.RWMutex
	cases map[string]*Case
}

func NewMemoryCaseStore() *MemoryCaseStore {
	return &MemoryCaseStore{cases: make(map[string]*Case)}
}

func (s *MemoryCaseStore) GetCase(_ context.Context, caseID string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, ErrCaseNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryCaseStore) GetCases(_ context.Context, caseIDs []string) (map[string]*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Case, len(caseIDs))
	for _, id := range caseIDs {
		if c, ok := s.cases[id]; ok {
			out[id] = c.Clone()
		}
	}
	return out, nil
}

func (s *MemoryCaseStore) SaveCase(_ context.Context, c *Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.cases[c.CaseID]
	switch {
	case !ok && c.ServerRev != 1:
		return &StoreConflictError{CaseID: c.CaseID, Err: fmt.Errorf("case missing at rev %d", c.ServerRev)}
	case ok && existing.ServerRev != c.ServerRev-1:
		return &StoreConflictError{CaseID: c.CaseID,
			Err: fmt.Errorf("expected rev %d, have %d", c.ServerRev-1, existing.ServerRev)}
	}
	s.cases[c.CaseID] = c.Clone()
	return nil
}

func (s *MemoryCaseStore) GetOpenCaseIDsByOwner(_ context.Context, ownerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, c := range s.cases {
		if c.OwnerID == ownerID && !c.Closed {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryCaseStore) GetIncomingIndices(_ context.Context, caseID string) ([]IncomingIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []IncomingIndex
	for fromID, c := range s.cases {
		for _, idx := range c.Indices {
			if idx.ReferencedID == caseID {
				out = append(out, IncomingIndex{FromCaseID: fromID, Index: idx})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromCaseID < out[j].FromCaseID })
	return out, nil
}

type memSyncLogRecord struct {
	raw       []byte
	userID    string
	prevLogID string
	date      time.Time
	confirmed bool
}

// MemorySyncLogStore is a map-backed SyncLogStore. Logs round-trip through
// JSON, matching what the Postgres store persists.
type MemorySyncLogStore struct {
	mu   sync.RWMutex
	logs map[string]*memSyncLogRecord
}

func NewMemorySyncLogStore() *MemorySyncLogStore {
	return &MemorySyncLogStore{logs: make(map[string]*memSyncLogRecord)}
}

func (s *MemorySyncLogStore) Get(_ context.Context, syncID string) (*SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.logs[syncID]
	if !ok {
		return nil, &SyncLogNotFoundError{SyncID: syncID}
	}
	var log SyncLog
	if err := json.Unmarshal(rec.raw, &log); err != nil {
		return nil, fmt.Errorf("decode sync log %s: %w", syncID, err)
	}
	log.normalize()
	return &log, nil
}

func (s *MemorySyncLogStore) Save(_ context.Context, log *SyncLog) error {
	raw, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode sync log %s: %w", log.SyncID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	confirmed := false
	if prev, ok := s.logs[log.SyncID]; ok {
		confirmed = prev.confirmed
	}
	s.logs[log.SyncID] = &memSyncLogRecord{
		raw:       raw,
		userID:    log.UserID,
		prevLogID: log.PreviousLogID,
		date:      log.Date,
		confirmed: confirmed,
	}
	return nil
}

func (s *MemorySyncLogStore) Delete(_ context.Context, syncID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, syncID)
	return nil
}

func (s *MemorySyncLogStore) MarkConfirmed(_ context.Context, syncID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.logs[syncID]; ok {
		rec.confirmed = true
	}
	return nil
}

func (s *MemorySyncLogStore) PurgeSuperseded(_ context.Context, userID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	superseded := make(map[string]time.Time) // old log -> successor date
	for _, rec := range s.logs {
		if rec.userID == userID && rec.prevLogID != "" {
			if old, ok := s.logs[rec.prevLogID]; ok && old.userID == userID {
				superseded[rec.prevLogID] = rec.date
			}
		}
	}
	n := 0
	for syncID, successorDate := range superseded {
		rec := s.logs[syncID]
		// only confirmed chains older than the cutoff go
		if rec.confirmed && successorDate.Before(before) {
			delete(s.logs, syncID)
			n++
		}
	}
	return n, nil
}

// MemoryCleanlinessStore is a map-backed CleanlinessStore.
type MemoryCleanlinessStore struct {
	mu    sync.RWMutex
	flags map[string]*CleanlinessFlag
}

func NewMemoryCleanlinessStore() *MemoryCleanlinessStore {
	return &MemoryCleanlinessStore{flags: make(map[string]*CleanlinessFlag)}
}

func (s *MemoryCleanlinessStore) GetFlag(_ context.Context, ownerID string) (*CleanlinessFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flag, ok := s.flags[ownerID]
	if !ok {
		return nil, nil
	}
	out := *flag
	return &out, nil
}

func (s *MemoryCleanlinessStore) SaveFlag(_ context.Context, flag *CleanlinessFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := *flag
	s.flags[flag.OwnerID] = &out
	return nil
}

// MemoryJobStore is a map-backed JobStore.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*RestoreJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*RestoreJob)}
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job *RestoreJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("restore job %s already exists", job.JobID)
	}
	out := *job
	s.jobs[job.JobID] = &out
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, jobID string) (*RestoreJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	out := *job
	return &out, nil
}

func (s *MemoryJobStore) UpdateJob(_ context.Context, job *RestoreJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; !ok {
		return fmt.Errorf("restore job %s not found", job.JobID)
	}
	out := *job
	s.jobs[job.JobID] = &out
	return nil
}

func (s *MemoryJobStore) FindActiveJob(_ context.Context, userID, deviceID string) (*RestoreJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *RestoreJob
	for _, job := range s.jobs {
		if job.UserID == userID && job.DeviceID == deviceID && job.Status == JobPending {
			if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
				newest = job
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	out := *newest
	return &out, nil
}
