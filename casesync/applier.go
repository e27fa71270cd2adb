// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ApplierConfig tunes the submission pipeline.
type ApplierConfig struct {
	// MaxConflictRetries bounds reload-and-reapply attempts per case block
	// when concurrent writers race.
	MaxConflictRetries int
}

func (c *ApplierConfig) setDefaults() {
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 3
	}
}

// Applier processes device submissions: it applies case blocks to the case
// store one case at a time, then feeds the resulting change records to the
// device's sync log, the cleanliness tracker, and the payload cache.
type Applier struct {
	cases       CaseStore
	syncLogs    SyncLogStore
	cleanliness *CleanlinessTracker
	cache       PayloadCache
	metrics     MetricsRecorder
	config      ApplierConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewApplier(
	cases CaseStore,
	syncLogs SyncLogStore,
	cleanliness *CleanlinessTracker,
	cache PayloadCache,
	metrics MetricsRecorder,
	config ApplierConfig,
	logger *slog.Logger,
) *Applier {
	config.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Applier{
		cases:       cases,
		syncLogs:    syncLogs,
		cleanliness: cleanliness,
		cache:       cache,
		metrics:     metrics,
		config:      config,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ApplySubmission runs the full pipeline for one submission. Batch-level
// shape problems return an error; per-case problems come back as invalid
// statuses while the rest of the batch still commits. The returned result
// carries the change records for every applied block.
func (a *Applier) ApplySubmission(ctx context.Context, batch *SubmissionBatch) (*SubmissionResult, error) {
	if err := validateBatch(batch); err != nil {
		return nil, fmt.Errorf("invalid submission: %w", err)
	}
	if batch.ReceivedOn.IsZero() {
		batch.ReceivedOn = a.now()
	}
	started := a.now()

	result := &SubmissionResult{FormID: batch.FormID, Accepted: true}
	for i := range batch.Blocks {
		block := &batch.Blocks[i]
		c, delta, status := a.applyBlockWithRetry(ctx, block, batch)
		result.Statuses = append(result.Statuses, status)
		if status.Status == StApplied {
			result.Cases = append(result.Cases, c)
			result.Deltas = append(result.Deltas, *delta)
		} else if status.Status == StConflict {
			// a block that kept conflicting means the batch must be retried
			// as a unit; already-applied blocks are idempotent on replay
			result.Accepted = false
		}
	}
	a.metrics.ObserveStage("submit", "apply_cases", a.now().Sub(started))

	if len(result.Deltas) > 0 {
		if err := a.updateSyncState(ctx, batch, result.Deltas); err != nil {
			return result, err
		}
		if err := a.cleanliness.ObserveDeltas(ctx, result.Deltas, result.Cases); err != nil {
			return result, fmt.Errorf("update cleanliness flags: %w", err)
		}
		a.invalidateCaches(result)
	}

	a.logger.Info("submission processed",
		"form_id", batch.FormID,
		"user_id", batch.UserID,
		"device_id", batch.DeviceID,
		"cases", len(batch.Blocks),
		"applied", len(result.Deltas),
		"accepted", result.Accepted,
	)
	return result, nil
}

func (a *Applier) applyBlockWithRetry(ctx context.Context, block *CaseBlock, batch *SubmissionBatch) (*Case, *CaseDelta, CaseBlockStatus) {
	if err := validateBlock(block); err != nil {
		var missing *MissingRequiredFieldError
		if errors.As(err, &missing) {
			return nil, nil, statusInvalid(block.CaseID, ReasonMissingRequiredField, err)
		}
		return nil, nil, statusInvalid(block.CaseID, ReasonBadPayload, err)
	}

	var lastErr error
	for attempt := 0; attempt < a.config.MaxConflictRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, retryBackoff(attempt-1)); err != nil {
				return nil, nil, statusConflict(block.CaseID, err)
			}
		}
		c, delta, err := a.applyBlock(ctx, block, batch)
		if err == nil {
			return c, delta, statusApplied(block.CaseID)
		}
		var unknown *UnknownCaseReferenceError
		if errors.As(err, &unknown) {
			return nil, nil, statusInvalid(block.CaseID, ReasonUnknownCaseReference, err)
		}
		if !IsRetryable(err) {
			a.logger.Error("case block failed", "case_id", block.CaseID, "error", err)
			return nil, nil, statusInvalid(block.CaseID, ReasonInternalError, err)
		}
		lastErr = err
		a.logger.Warn("case block conflict, retrying",
			"case_id", block.CaseID, "attempt", attempt+1, "error", err)
	}
	return nil, nil, statusConflict(block.CaseID, lastErr)
}

// applyBlock applies one case block atomically. Creates are idempotent: a
// create for an existing case degrades to an update so device retries of a
// half-received submission never fail.
func (a *Applier) applyBlock(ctx context.Context, block *CaseBlock, batch *SubmissionBatch) (*Case, *CaseDelta, error) {
	existing, err := a.cases.GetCase(ctx, block.CaseID)
	if err != nil && err != ErrCaseNotFound {
		return nil, nil, fmt.Errorf("load case %s: %w", block.CaseID, err)
	}

	delta := &CaseDelta{CaseID: block.CaseID}
	var c *Case
	switch {
	case existing == nil && block.Create == nil:
		return nil, nil, &UnknownCaseReferenceError{CaseID: block.CaseID}
	case existing == nil:
		ownerID := block.Create.OwnerID
		if ownerID == "" {
			ownerID = batch.UserID
		}
		c = &Case{
			CaseID:   block.CaseID,
			CaseType: block.Create.CaseType,
			Name:     block.Create.CaseName,
			OwnerID:  ownerID,
			OpenedOn: batch.ReceivedOn,
		}
		delta.Created = true
		delta.OwnerChanged = true
		delta.NewOwner = ownerID
	default:
		c = existing.Clone()
		if block.Create != nil {
			// idempotent create replay
			c.CaseType = block.Create.CaseType
			c.Name = block.Create.CaseName
		}
	}

	if block.OwnerID != nil && *block.OwnerID != c.OwnerID {
		delta.OwnerChanged = true
		delta.OldOwner = c.OwnerID
		delta.NewOwner = *block.OwnerID
		c.OwnerID = *block.OwnerID
	}

	if len(block.Update) > 0 {
		if c.Properties == nil {
			c.Properties = make(map[string]string, len(block.Update))
		}
		for k, v := range block.Update {
			c.Properties[k] = v
		}
	}

	for _, upd := range block.Indices {
		if upd.ReferencedID == "" {
			if prev := c.Index(upd.Identifier); prev != nil {
				delta.IndicesRemoved = append(delta.IndicesRemoved, *prev)
				c.DeleteIndex(upd.Identifier)
			}
			continue
		}
		// dangling targets are allowed: the target may be created later in
		// this batch, in a later batch, or never. An unresolved edge simply
		// never expands the footprint.
		rel := upd.Relationship
		if rel == "" {
			rel = RelationshipChild
		}
		idx := CaseIndex{
			Identifier:     upd.Identifier,
			ReferencedType: upd.ReferencedType,
			ReferencedID:   upd.ReferencedID,
			Relationship:   rel,
		}
		if prev := c.Index(upd.Identifier); prev != nil {
			if *prev == idx {
				// no-op replay
				continue
			}
			delta.IndicesRemoved = append(delta.IndicesRemoved, *prev)
		}
		delta.IndicesAdded = append(delta.IndicesAdded, idx)
		c.SetIndex(idx)
	}

	if block.Close && !c.Closed {
		c.Closed = true
		c.ClosedOn = batch.ReceivedOn
		delta.CloseTransitioned = true
	}
	delta.Closed = c.Closed

	c.ServerRev++
	c.ServerModifiedOn = batch.ReceivedOn
	c.LastModifiedBy = batch.DeviceID
	if err := a.cases.SaveCase(ctx, c); err != nil {
		return nil, nil, err
	}
	return c, delta, nil
}

// updateSyncState plays the committed deltas into the submitting device's
// sync log so the next restore doesn't echo the device's own changes.
func (a *Applier) updateSyncState(ctx context.Context, batch *SubmissionBatch, deltas []CaseDelta) error {
	if batch.SyncLogID == "" {
		return nil
	}
	log, err := a.syncLogs.Get(ctx, batch.SyncLogID)
	if err != nil {
		var notFound *SyncLogNotFoundError
		if errors.As(err, &notFound) {
			// device references a purged log; its next restore will recover
			a.logger.Warn("submission references unknown sync log",
				"sync_log_id", batch.SyncLogID, "form_id", batch.FormID)
			return nil
		}
		return fmt.Errorf("load sync log %s: %w", batch.SyncLogID, err)
	}
	if log.UpdatePhoneLists(deltas, batch.ReceivedOn) {
		if err := a.syncLogs.Save(ctx, log); err != nil {
			return fmt.Errorf("save sync log %s: %w", batch.SyncLogID, err)
		}
	}
	return nil
}

func (a *Applier) invalidateCaches(result *SubmissionResult) {
	if a.cache == nil {
		return
	}
	owners := NewIDSet()
	for _, c := range result.Cases {
		if c.OwnerID != "" {
			owners.Add(c.OwnerID)
		}
	}
	for _, d := range result.Deltas {
		if d.OwnerChanged && d.OldOwner != "" {
			owners.Add(d.OldOwner)
		}
	}
	if len(owners) == 0 {
		return
	}
	if err := a.cache.InvalidateOwners(owners.Sorted()); err != nil {
		a.logger.Warn("payload cache invalidation failed", "error", err)
	}
}
