// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanlinessFlag records whether an owner's case set is self-contained: no
// index edge crosses from a case owned by this owner to a case owned by
// another, in either direction. Clean owners get the cheap query-by-owner
// sync path. Hint is a case ID that proved dirtiness at last check.
type CleanlinessFlag struct {
	OwnerID     string    `json:"owner_id"`
	IsClean     bool      `json:"is_clean"`
	Hint        string    `json:"hint,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// CleanlinessTracker maintains per-owner cleanliness flags. Marking dirty is
// deliberately over-eager: a false dirty only costs a slow-path sync, while
// a false clean would produce wrong payloads. Only Recompute may flip an
// owner back to clean.
type CleanlinessTracker struct {
	cases  CaseStore
	flags  CleanlinessStore
	logger *slog.Logger
}

func NewCleanlinessTracker(cases CaseStore, flags CleanlinessStore, logger *slog.Logger) *CleanlinessTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanlinessTracker{cases: cases, flags: flags, logger: logger}
}

// IsClean returns the last-computed flag for the owner. An owner with no
// flag on record is treated as dirty until a recompute proves otherwise.
func (t *CleanlinessTracker) IsClean(ctx context.Context, ownerID string) (bool, error) {
	flag, err := t.flags.GetFlag(ctx, ownerID)
	if err != nil {
		return false, fmt.Errorf("get cleanliness flag for %s: %w", ownerID, err)
	}
	if flag == nil {
		return false, nil
	}
	return flag.IsClean, nil
}

// MarkDirty unconditionally flags the owner dirty, recording hintCaseID as
// the suspected proof.
func (t *CleanlinessTracker) MarkDirty(ctx context.Context, ownerID, hintCaseID string) error {
	if ownerID == "" {
		return nil
	}
	flag := &CleanlinessFlag{
		OwnerID:     ownerID,
		IsClean:     false,
		Hint:        hintCaseID,
		LastChecked: time.Now().UTC(),
	}
	if err := t.flags.SaveFlag(ctx, flag); err != nil {
		return fmt.Errorf("mark owner %s dirty: %w", ownerID, err)
	}
	t.logger.Debug("owner marked dirty", "owner_id", ownerID, "hint", hintCaseID)
	return nil
}

// ObserveDeltas applies conservative dirty-marking from a committed
// submission: any owner change dirties both owners, and any index change
// dirties the owners on both ends of the edge.
func (t *CleanlinessTracker) ObserveDeltas(ctx context.Context, deltas []CaseDelta, cases []*Case) error {
	ownersByCase := make(map[string]string, len(cases))
	for _, c := range cases {
		ownersByCase[c.CaseID] = c.OwnerID
	}
	// index targets outside the submission need a store lookup for their
	// owner
	ownerOf := func(caseID string) string {
		if owner, ok := ownersByCase[caseID]; ok {
			return owner
		}
		c, err := t.cases.GetCase(ctx, caseID)
		if err != nil {
			ownersByCase[caseID] = ""
			return ""
		}
		ownersByCase[caseID] = c.OwnerID
		return c.OwnerID
	}
	dirty := make(map[string]string) // owner -> hint
	mark := func(ownerID, hint string) {
		if ownerID != "" {
			if _, seen := dirty[ownerID]; !seen {
				dirty[ownerID] = hint
			}
		}
	}
	for _, d := range deltas {
		if d.OwnerChanged {
			mark(d.OldOwner, d.CaseID)
			mark(d.NewOwner, d.CaseID)
		}
		if len(d.IndicesAdded) > 0 || len(d.IndicesRemoved) > 0 {
			mark(ownerOf(d.CaseID), d.CaseID)
			for _, idx := range d.IndicesAdded {
				mark(ownerOf(idx.ReferencedID), d.CaseID)
			}
			for _, idx := range d.IndicesRemoved {
				mark(ownerOf(idx.ReferencedID), d.CaseID)
			}
		}
	}
	for ownerID, hint := range dirty {
		if err := t.MarkDirty(ctx, ownerID, hint); err != nil {
			return err
		}
	}
	return nil
}

// HintStillValid reports whether the recorded hint case still proves the
// owner dirty, letting the engine skip a full recompute.
func (t *CleanlinessTracker) HintStillValid(ctx context.Context, ownerID, hintCaseID string) (bool, error) {
	if hintCaseID == "" {
		return false, nil
	}
	return t.caseCrossesOwner(ctx, ownerID, hintCaseID)
}

// Recompute scans the owner's full open case set and rewrites the flag. The
// first cross-owner edge found settles the answer.
func (t *CleanlinessTracker) Recompute(ctx context.Context, ownerID string) (*CleanlinessFlag, error) {
	flag := &CleanlinessFlag{OwnerID: ownerID, LastChecked: time.Now().UTC()}

	if prev, err := t.flags.GetFlag(ctx, ownerID); err != nil {
		return nil, fmt.Errorf("get cleanliness flag for %s: %w", ownerID, err)
	} else if prev != nil && prev.Hint != "" {
		valid, err := t.HintStillValid(ctx, ownerID, prev.Hint)
		if err != nil {
			return nil, err
		}
		if valid {
			flag.IsClean = false
			flag.Hint = prev.Hint
			if err := t.flags.SaveFlag(ctx, flag); err != nil {
				return nil, fmt.Errorf("save cleanliness flag for %s: %w", ownerID, err)
			}
			return flag, nil
		}
	}

	caseIDs, err := t.cases.GetOpenCaseIDsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list open cases for owner %s: %w", ownerID, err)
	}
	flag.IsClean = true
	for _, caseID := range caseIDs {
		crosses, err := t.caseCrossesOwner(ctx, ownerID, caseID)
		if err != nil {
			return nil, err
		}
		if crosses {
			flag.IsClean = false
			flag.Hint = caseID
			break
		}
	}
	if err := t.flags.SaveFlag(ctx, flag); err != nil {
		return nil, fmt.Errorf("save cleanliness flag for %s: %w", ownerID, err)
	}
	t.logger.Debug("owner cleanliness recomputed",
		"owner_id", ownerID, "is_clean", flag.IsClean, "hint", flag.Hint)
	return flag, nil
}

// caseCrossesOwner reports whether caseID sits on a cross-owner edge
// relative to ownerID, looking at both outgoing and incoming indices.
func (t *CleanlinessTracker) caseCrossesOwner(ctx context.Context, ownerID, caseID string) (bool, error) {
	c, err := t.cases.GetCase(ctx, caseID)
	if err != nil {
		if err == ErrCaseNotFound {
			return false, nil
		}
		return false, fmt.Errorf("get case %s: %w", caseID, err)
	}

	refIDs := make([]string, 0, len(c.Indices))
	for _, idx := range c.Indices {
		refIDs = append(refIDs, idx.ReferencedID)
	}
	if len(refIDs) > 0 {
		refs, err := t.cases.GetCases(ctx, refIDs)
		if err != nil {
			return false, fmt.Errorf("get referenced cases of %s: %w", caseID, err)
		}
		for _, ref := range refs {
			if differentOwner(c, ref, ownerID) {
				return true, nil
			}
		}
	}

	incoming, err := t.cases.GetIncomingIndices(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("get incoming indices of %s: %w", caseID, err)
	}
	for _, in := range incoming {
		from, err := t.cases.GetCase(ctx, in.FromCaseID)
		if err != nil {
			if err == ErrCaseNotFound {
				continue
			}
			return false, fmt.Errorf("get case %s: %w", in.FromCaseID, err)
		}
		if differentOwner(c, from, ownerID) {
			return true, nil
		}
	}
	return false, nil
}

func differentOwner(a, b *Case, ownerID string) bool {
	if b == nil {
		return false
	}
	// only edges touching this owner's side count against this owner
	if a.OwnerID != ownerID && b.OwnerID != ownerID {
		return false
	}
	return a.OwnerID != b.OwnerID
}
