// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// RestoreConfig tunes the restore pipeline.
type RestoreConfig struct {
	// TimeBudget is how long a restore request may compute synchronously
	// before it is handed off to a background job.
	TimeBudget time.Duration
	// RetryAfter is the poll interval suggested to devices waiting on a job.
	RetryAfter time.Duration
	// PayloadTTL bounds how long rendered payloads stay cached.
	PayloadTTL time.Duration
	// PurgeGraceFor is how long superseded sync logs are kept before the
	// background cleanup may delete them.
	PurgeGraceFor time.Duration
	// CaseBatchSize chunks bulk case loads during footprint expansion.
	CaseBatchSize int
}

func (c *RestoreConfig) setDefaults() {
	if c.TimeBudget <= 0 {
		c.TimeBudget = 2 * time.Second
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 5 * time.Second
	}
	if c.PayloadTTL <= 0 {
		c.PayloadTTL = time.Hour
	}
	if c.PurgeGraceFor <= 0 {
		c.PurgeGraceFor = 14 * 24 * time.Hour
	}
	if c.CaseBatchSize <= 0 {
		c.CaseBatchSize = 500
	}
}

// RestoreService computes restore payloads: the minimal case delta between
// a device's previous sync state and the server's current view, plus a new
// committed sync state for the device.
type RestoreService struct {
	cases       CaseStore
	syncLogs    SyncLogStore
	cleanliness *CleanlinessTracker
	owners      OwnerProvider
	cache       PayloadCache
	jobs        JobStore
	metrics     MetricsRecorder
	config      RestoreConfig
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

func NewRestoreService(
	cases CaseStore,
	syncLogs SyncLogStore,
	cleanliness *CleanlinessTracker,
	owners OwnerProvider,
	cache PayloadCache,
	jobs JobStore,
	metrics MetricsRecorder,
	config RestoreConfig,
	logger *slog.Logger,
) *RestoreService {
	config.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &RestoreService{
		cases:       cases,
		syncLogs:    syncLogs,
		cleanliness: cleanliness,
		owners:      owners,
		cache:       cache,
		jobs:        jobs,
		metrics:     metrics,
		config:      config,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.NewString() },
	}
}

// cacheKey fingerprints the request parameters; two requests with the same
// key may legally receive the same payload.
func (s *RestoreService) cacheKey(req *RestoreRequest) string {
	h := md5.Sum([]byte(req.UserID + "\x00" + req.DeviceID + "\x00" +
		req.SinceLogID + "\x00" + req.StateHash + "\x00" + req.Version))
	return hex.EncodeToString(h[:])
}

// Restore serves a sync request. Outcomes:
//   - the payload, served from cache or computed within the time budget
//   - *RestorePendingError when the budget ran out and a job took over
//   - *BadStateError / *SyncLogNotFoundError when incremental state is
//     unusable and the device must fall back to a full restore
func (s *RestoreService) Restore(ctx context.Context, req *RestoreRequest) (*RestorePayload, error) {
	if req.UserID == "" || req.DeviceID == "" {
		return nil, fmt.Errorf("restore request missing user_id or device_id")
	}
	if req.Version == "" {
		req.Version = DefaultProtocolVersion
	}
	key := s.cacheKey(req)

	if raw, ok := s.cache.Get(key); ok {
		var payload RestorePayload
		if err := json.Unmarshal(raw, &payload); err == nil {
			s.logger.Debug("restore served from cache",
				"user_id", req.UserID, "device_id", req.DeviceID, "restore_id", payload.SyncID)
			return &payload, nil
		}
		// undecodable entry: drop it and recompute
		_ = s.cache.Delete(key)
	}

	if active, err := s.jobs.FindActiveJob(ctx, req.UserID, req.DeviceID); err != nil {
		return nil, fmt.Errorf("check active restore job: %w", err)
	} else if active != nil {
		if active.CacheKey == key {
			return nil, &RestorePendingError{JobID: active.JobID, RetryAfter: s.config.RetryAfter}
		}
		// different parameters: the old job's answer is useless to the
		// device now asking
		active.Status = JobSuperseded
		active.CompletedAt = s.now()
		if err := s.jobs.UpdateJob(ctx, active); err != nil {
			return nil, fmt.Errorf("supersede restore job %s: %w", active.JobID, err)
		}
		s.logger.Info("superseded restore job",
			"job_id", active.JobID, "user_id", req.UserID, "device_id", req.DeviceID)
	}

	prev, err := s.loadPreviousLog(ctx, req)
	if err != nil {
		return nil, err
	}

	done := make(chan restoreOutcome, 1)
	// the computation must survive both the budget timer and the client
	// hanging up, since its result is cached and committed either way
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		payload, err := s.computeAndCommit(bgCtx, req, prev, key)
		done <- restoreOutcome{payload, err}
	}()

	budget := time.NewTimer(s.config.TimeBudget)
	defer budget.Stop()
	select {
	case out := <-done:
		return out.payload, out.err
	case <-budget.C:
		job := &RestoreJob{
			JobID:     s.newID(),
			UserID:    req.UserID,
			DeviceID:  req.DeviceID,
			CacheKey:  key,
			Status:    JobPending,
			CreatedAt: s.now(),
		}
		if err := s.jobs.CreateJob(bgCtx, job); err != nil {
			// no job record to poll; wait out the computation instead
			s.logger.Error("create restore job failed", "error", err)
			out := <-done
			return out.payload, out.err
		}
		go s.finishJob(bgCtx, job, done)
		s.logger.Info("restore handed off to background job",
			"job_id", job.JobID, "user_id", req.UserID, "device_id", req.DeviceID)
		return nil, &RestorePendingError{JobID: job.JobID, RetryAfter: s.config.RetryAfter}
	}
}

type restoreOutcome struct {
	payload *RestorePayload
	err     error
}

func (s *RestoreService) finishJob(ctx context.Context, job *RestoreJob, done <-chan restoreOutcome) {
	out := <-done
	current, err := s.jobs.GetJob(ctx, job.JobID)
	if err != nil || current == nil || current.Status != JobPending {
		// superseded or lost while computing; the payload is cached anyway
		return
	}
	if out.err != nil {
		current.Status = JobFailed
		current.Error = out.err.Error()
	} else {
		current.Status = JobComplete
		current.SyncID = out.payload.SyncID
	}
	current.CompletedAt = s.now()
	if err := s.jobs.UpdateJob(ctx, current); err != nil {
		s.logger.Error("finalize restore job failed", "job_id", job.JobID, "error", err)
	}
}

// ErrPayloadExpired means a completed job's payload aged out of the cache
// before the device collected it; the device must issue a fresh restore.
var ErrPayloadExpired = errors.New("restore payload expired")

// PollRestore checks on a background restore job.
func (s *RestoreService) PollRestore(ctx context.Context, jobID string) (*RestorePayload, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load restore job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("restore job %s not found", jobID)
	}
	switch job.Status {
	case JobPending:
		return nil, &RestorePendingError{JobID: jobID, RetryAfter: s.config.RetryAfter}
	case JobFailed:
		return nil, fmt.Errorf("restore job %s failed: %s", jobID, job.Error)
	case JobSuperseded:
		return nil, fmt.Errorf("restore job %s was superseded by a newer request", jobID)
	}
	raw, ok := s.cache.Get(job.CacheKey)
	if !ok {
		return nil, ErrPayloadExpired
	}
	var payload RestorePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode cached payload for job %s: %w", jobID, err)
	}
	return &payload, nil
}

// loadPreviousLog fetches and verifies the device's previous sync state.
// A nil return with nil error means full restore.
func (s *RestoreService) loadPreviousLog(ctx context.Context, req *RestoreRequest) (*SyncLog, error) {
	if req.SinceLogID == "" {
		return nil, nil
	}
	prev, err := s.syncLogs.Get(ctx, req.SinceLogID)
	if err != nil {
		var notFound *SyncLogNotFoundError
		if errors.As(err, &notFound) {
			return nil, notFound
		}
		return nil, fmt.Errorf("load sync log %s: %w", req.SinceLogID, err)
	}
	prev.normalize()
	if prev.LogFormat != LogFormatSimplified {
		// legacy-format logs are migrated offline via FromLegacyLog; a live
		// restore against one cannot proceed incrementally
		return nil, &IncompatibleSyncLogError{From: prev.LogFormat, To: LogFormatSimplified}
	}
	if req.StateHash != "" {
		serverHash := prev.StateHash()
		if serverHash != req.StateHash {
			prev.RecordStateError(req.StateHash, s.now())
			if err := s.syncLogs.Save(ctx, prev); err != nil {
				s.logger.Error("record state error failed", "sync_id", prev.SyncID, "error", err)
			}
			s.logger.Warn("state hash mismatch",
				"sync_id", prev.SyncID, "server_hash", serverHash, "phone_hash", req.StateHash)
			return nil, &BadStateError{
				ServerHash: serverHash,
				PhoneHash:  req.StateHash,
				CaseIDs:    prev.CaseIDs.Sorted(),
			}
		}
	}
	return prev, nil
}

// footprint is the server's current view of what the device should hold.
type footprint struct {
	cases   map[string]*Case
	all     IDSet
	primary IDSet
	closed  IDSet
	child   *IndexTree
	ext     *IndexTree
}

// computeFootprint builds the full relevant case set for the owners: open
// owned cases expanded through outgoing index edges, and, when any owner is
// dirty, through open incoming extension edges as well. Clean owners have
// no cross-owner edges on record, so the incoming scan cannot add anything
// the outgoing walk misses.
func (s *RestoreService) computeFootprint(ctx context.Context, ownerIDs []string) (*footprint, error) {
	fp := &footprint{
		cases:   make(map[string]*Case),
		all:     NewIDSet(),
		primary: NewIDSet(),
		closed:  NewIDSet(),
		child:   NewIndexTree(),
		ext:     NewIndexTree(),
	}

	slowPath := false
	for _, ownerID := range ownerIDs {
		clean, err := s.cleanliness.IsClean(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if !clean {
			flag, err := s.cleanliness.Recompute(ctx, ownerID)
			if err != nil {
				return nil, err
			}
			clean = flag.IsClean
		}
		if !clean {
			slowPath = true
		}
	}

	var frontier []string
	for _, ownerID := range ownerIDs {
		ids, err := s.cases.GetOpenCaseIDsByOwner(ctx, ownerID)
		if err != nil {
			return nil, fmt.Errorf("list open cases for owner %s: %w", ownerID, err)
		}
		for _, id := range ids {
			fp.primary.Add(id)
			frontier = append(frontier, id)
		}
	}

	visited := NewIDSet()
	for len(frontier) > 0 {
		batch := make([]string, 0, s.config.CaseBatchSize)
		rest := frontier[:0]
		for _, id := range frontier {
			if visited.Has(id) {
				continue
			}
			if len(batch) < s.config.CaseBatchSize {
				visited.Add(id)
				batch = append(batch, id)
			} else {
				rest = append(rest, id)
			}
		}
		frontier = rest
		if len(batch) == 0 {
			break
		}
		loaded, err := s.cases.GetCases(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("load cases: %w", err)
		}
		for _, c := range loaded {
			fp.cases[c.CaseID] = c
			fp.all.Add(c.CaseID)
			if c.Closed {
				fp.closed.Add(c.CaseID)
			}
			for _, idx := range c.Indices {
				if idx.Relationship == RelationshipExtension {
					fp.ext.SetIndex(c.CaseID, idx.Identifier, idx.ReferencedID)
				} else {
					fp.child.SetIndex(c.CaseID, idx.Identifier, idx.ReferencedID)
				}
				if !visited.Has(idx.ReferencedID) {
					frontier = append(frontier, idx.ReferencedID)
				}
			}
			if slowPath && !c.Closed {
				incoming, err := s.cases.GetIncomingIndices(ctx, c.CaseID)
				if err != nil {
					return nil, fmt.Errorf("incoming indices of %s: %w", c.CaseID, err)
				}
				for _, in := range incoming {
					if in.Index.Relationship != RelationshipExtension {
						continue
					}
					if !visited.Has(in.FromCaseID) {
						frontier = append(frontier, in.FromCaseID)
					}
				}
			}
		}
	}

	// primary holds only open, owned, existing cases
	for id := range fp.primary {
		c, ok := fp.cases[id]
		if !ok || c.Closed {
			fp.primary.Remove(id)
		}
	}
	return fp, nil
}

// computeAndCommit builds the payload and commits the new sync log, then
// caches the rendered payload under key.
func (s *RestoreService) computeAndCommit(ctx context.Context, req *RestoreRequest, prev *SyncLog, key string) (*RestorePayload, error) {
	started := s.now()
	ownerIDs, err := s.owners.GetOwnerIDs(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve owners for %s: %w", req.UserID, err)
	}

	fp, err := s.computeFootprint(ctx, ownerIDs)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveStage("restore", "footprint", s.now().Sub(started))

	newLog := NewSyncLog(s.newID(), req.UserID, req.DeviceID, s.now())
	for _, ownerID := range ownerIDs {
		newLog.OwnerIDs.Add(ownerID)
	}
	newLog.CaseIDs = fp.all.Copy()
	for id := range fp.all {
		if !fp.primary.Has(id) {
			newLog.DependentCaseIDs.Add(id)
		}
	}
	newLog.ClosedCases = fp.closed.Copy()
	newLog.IndexTree = fp.child.Copy()
	newLog.ExtensionIndexTree = fp.ext.Copy()
	newLog.PurgeDependentCases()
	if prev != nil {
		newLog.PreviousLogID = prev.SyncID
	}

	payload := &RestorePayload{
		SyncID:    newLog.SyncID,
		UserID:    req.UserID,
		Version:   req.Version,
		StateHash: newLog.StateHash(),
		CreatedAt: s.now(),
		Cases:     s.renderDelta(req, prev, newLog, fp),
	}
	s.metrics.ObserveStage("restore", "delta", s.now().Sub(started))

	if err := s.syncLogs.Save(ctx, newLog); err != nil {
		return nil, fmt.Errorf("save sync log %s: %w", newLog.SyncID, err)
	}
	if prev != nil {
		if err := s.syncLogs.MarkConfirmed(ctx, prev.SyncID); err != nil {
			s.logger.Warn("mark sync log confirmed failed", "sync_id", prev.SyncID, "error", err)
		}
		// old-log cleanup runs off the request path
		go s.purgeOldLogs(context.WithoutCancel(ctx), req.UserID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if err := s.cache.Set(key, ownerIDs, raw, s.config.PayloadTTL); err != nil {
		s.logger.Warn("cache payload failed", "error", err)
	}

	s.logger.Info("restore computed",
		"user_id", req.UserID,
		"device_id", req.DeviceID,
		"restore_id", newLog.SyncID,
		"incremental", prev != nil,
		"cases_on_phone", len(newLog.CaseIDs),
		"payload_cases", len(payload.Cases),
		"elapsed", s.now().Sub(started),
	)
	s.metrics.ObserveStage("restore", "total", s.now().Sub(started))
	return payload, nil
}

// renderDelta diffs the device's previous footprint against the new one.
// Cases the device already holds are echoed only when another device wrote
// them since the last sync; cases no longer in the footprint become bare
// close entries.
func (s *RestoreService) renderDelta(req *RestoreRequest, prev *SyncLog, newLog *SyncLog, fp *footprint) []PayloadCase {
	var entries []PayloadCase
	for _, caseID := range newLog.CaseIDs.Sorted() {
		c := fp.cases[caseID]
		if c == nil {
			continue
		}
		onPhone := prev != nil && prev.PhoneIsHolding(caseID)
		if !onPhone {
			actions := []string{ActionCreate, ActionUpdate}
			if c.Closed {
				actions = append(actions, ActionClose)
			}
			entries = append(entries, PayloadCase{CaseID: caseID, Actions: actions, Case: c})
			continue
		}
		modifiedElsewhere := !c.ServerModifiedOn.Before(prev.Date) && c.LastModifiedBy != req.DeviceID
		closeTransition := c.Closed && !prev.ClosedCases.Has(caseID)
		if !modifiedElsewhere && !closeTransition {
			continue
		}
		actions := []string{ActionUpdate}
		if c.Closed {
			actions = append(actions, ActionClose)
		}
		entries = append(entries, PayloadCase{CaseID: caseID, Actions: actions, Case: c})
	}
	if prev != nil {
		var removed []string
		for caseID := range prev.CaseIDs {
			if !newLog.CaseIDs.Has(caseID) {
				removed = append(removed, caseID)
			}
		}
		sort.Strings(removed)
		for _, caseID := range removed {
			entries = append(entries, PayloadCase{CaseID: caseID, Actions: []string{ActionClose}})
		}
	}
	return entries
}

// purgeOldLogs deletes confirmed, superseded sync logs older than the grace
// window.
func (s *RestoreService) purgeOldLogs(ctx context.Context, userID string) {
	cutoff := s.now().Add(-s.config.PurgeGraceFor)
	n, err := s.syncLogs.PurgeSuperseded(ctx, userID, cutoff)
	if err != nil {
		s.logger.Warn("purge superseded sync logs failed", "user_id", userID, "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("purged superseded sync logs", "user_id", userID, "count", n)
	}
}
