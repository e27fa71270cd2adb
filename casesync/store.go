// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"context"
	"time"
)

// IncomingIndex is an index edge seen from its target: FromCaseID holds an
// edge pointing at the case that was queried.
type IncomingIndex struct {
	FromCaseID string    `json:"from_case_id"`
	Index      CaseIndex `json:"index"`
}

// CaseStore persists case records. Implementations enforce optimistic
// concurrency in SaveCase: a case with ServerRev N is saved only if the
// stored revision is N-1 (N == 1 means create, stored case must not exist);
// otherwise SaveCase returns a *StoreConflictError.
type CaseStore interface {
	// GetCase returns ErrCaseNotFound when no record exists.
	GetCase(ctx context.Context, caseID string) (*Case, error)
	// GetCases returns the found subset keyed by case ID; missing IDs are
	// simply absent, never an error.
	GetCases(ctx context.Context, caseIDs []string) (map[string]*Case, error)
	SaveCase(ctx context.Context, c *Case) error
	// GetOpenCaseIDsByOwner returns the IDs of all open cases owned by
	// ownerID, sorted.
	GetOpenCaseIDsByOwner(ctx context.Context, ownerID string) ([]string, error)
	// GetIncomingIndices returns every index edge pointing at caseID.
	GetIncomingIndices(ctx context.Context, caseID string) ([]IncomingIndex, error)
}

// SyncLogStore persists per-device sync state.
type SyncLogStore interface {
	// Get returns a *SyncLogNotFoundError when the log does not exist.
	Get(ctx context.Context, syncID string) (*SyncLog, error)
	Save(ctx context.Context, log *SyncLog) error
	Delete(ctx context.Context, syncID string) error
	// MarkConfirmed records that syncID has been referenced as a previous
	// log by a later request, proving the device received its payload.
	MarkConfirmed(ctx context.Context, syncID string) error
	// PurgeSuperseded deletes confirmed, superseded logs for the user whose
	// successor is older than the cutoff. Returns the number deleted.
	PurgeSuperseded(ctx context.Context, userID string, before time.Time) (int, error)
}

// CleanlinessStore persists per-owner cleanliness flags.
type CleanlinessStore interface {
	// GetFlag returns (nil, nil) when no flag is on record.
	GetFlag(ctx context.Context, ownerID string) (*CleanlinessFlag, error)
	SaveFlag(ctx context.Context, flag *CleanlinessFlag) error
}

// OwnerProvider resolves the owner IDs a user syncs as: the user's own ID
// plus any group or location IDs it belongs to.
type OwnerProvider interface {
	GetOwnerIDs(ctx context.Context, userID string) ([]string, error)
}

// StaticOwnerProvider serves a fixed owner map; deployments without a group
// directory use it with just the identity mapping.
type StaticOwnerProvider struct {
	Owners map[string][]string
}

func (p *StaticOwnerProvider) GetOwnerIDs(_ context.Context, userID string) ([]string, error) {
	if extra, ok := p.Owners[userID]; ok {
		out := append([]string{userID}, extra...)
		return out, nil
	}
	return []string{userID}, nil
}
