// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"time"
)

// SyncLog is the per-device sync state: everything the server knows about
// what one device currently holds. CaseIDs is the full footprint;
// DependentCaseIDs is the subset held only because other cases reference
// them. Child and extension edges live in separate trees.
type SyncLog struct {
	SyncID        string    `json:"sync_id"`
	UserID        string    `json:"user_id"`
	DeviceID      string    `json:"device_id,omitempty"`
	PreviousLogID string    `json:"previous_log_id,omitempty"`
	Date          time.Time `json:"date"`
	LogFormat     string    `json:"log_format"`

	OwnerIDs           IDSet      `json:"owner_ids_on_phone"`
	CaseIDs            IDSet      `json:"case_ids_on_phone"`
	DependentCaseIDs   IDSet      `json:"dependent_case_ids_on_phone"`
	ClosedCases        IDSet      `json:"closed_cases"`
	IndexTree          *IndexTree `json:"index_tree"`
	ExtensionIndexTree *IndexTree `json:"extension_index_tree"`

	LastSubmitted time.Time `json:"last_submitted,omitempty"`

	// State-error bookkeeping: set when a device claimed a hash the server
	// could not reproduce, so operators can find broken devices.
	HadStateError bool      `json:"had_state_error,omitempty"`
	ErrorDate     time.Time `json:"error_date,omitempty"`
	ErrorHash     string    `json:"error_hash,omitempty"`

	// purged tracks cases removed during the current purge pass. Transient;
	// never persisted.
	purged IDSet
}

// NewSyncLog returns an empty simplified-format log for the given identity.
func NewSyncLog(syncID, userID, deviceID string, date time.Time) *SyncLog {
	return &SyncLog{
		SyncID:             syncID,
		UserID:             userID,
		DeviceID:           deviceID,
		Date:               date,
		LogFormat:          LogFormatSimplified,
		OwnerIDs:           NewIDSet(),
		CaseIDs:            NewIDSet(),
		DependentCaseIDs:   NewIDSet(),
		ClosedCases:        NewIDSet(),
		IndexTree:          NewIndexTree(),
		ExtensionIndexTree: NewIndexTree(),
	}
}

// normalize backfills nil collections and the format tag after JSON decoding.
func (s *SyncLog) normalize() {
	if s.LogFormat == "" {
		s.LogFormat = LogFormatSimplified
	}
	if s.OwnerIDs == nil {
		s.OwnerIDs = NewIDSet()
	}
	if s.CaseIDs == nil {
		s.CaseIDs = NewIDSet()
	}
	if s.DependentCaseIDs == nil {
		s.DependentCaseIDs = NewIDSet()
	}
	if s.ClosedCases == nil {
		s.ClosedCases = NewIDSet()
	}
	if s.IndexTree == nil {
		s.IndexTree = NewIndexTree()
	}
	if s.ExtensionIndexTree == nil {
		s.ExtensionIndexTree = NewIndexTree()
	}
}

// PrimaryCaseIDs is the footprint minus the dependent subset: cases the
// device holds in their own right.
func (s *SyncLog) PrimaryCaseIDs() IDSet {
	out := NewIDSet()
	for id := range s.CaseIDs {
		if !s.DependentCaseIDs.Has(id) {
			out.Add(id)
		}
	}
	return out
}

// PhoneIsHolding reports whether the device currently has the case.
func (s *SyncLog) PhoneIsHolding(caseID string) bool {
	return s.CaseIDs.Has(caseID)
}

// StateHash is the order-independent hash of the device's full footprint.
func (s *SyncLog) StateHash() string {
	return CaseStateHashSet(s.CaseIDs)
}

// Copy returns a deep copy (shared nothing with the receiver).
func (s *SyncLog) Copy() *SyncLog {
	out := *s
	out.OwnerIDs = s.OwnerIDs.Copy()
	out.CaseIDs = s.CaseIDs.Copy()
	out.DependentCaseIDs = s.DependentCaseIDs.Copy()
	out.ClosedCases = s.ClosedCases.Copy()
	out.IndexTree = s.IndexTree.Copy()
	out.ExtensionIndexTree = s.ExtensionIndexTree.Copy()
	out.purged = nil
	return &out
}

func (s *SyncLog) purgedSet() IDSet {
	if s.purged == nil {
		s.purged = NewIDSet()
	}
	return s.purged
}

// Purge tries to remove caseID (and anything held only on its account) from
// the footprint. Three phases over the index graph:
//
//  1. relevant: the full dependency closure of caseID (outgoing child and
//     extension edges plus incoming extension edges).
//  2. available: relevant cases that are open and either have no outgoing
//     extension edges or also have outgoing child edges, expanded through
//     open incoming extension edges.
//  3. live: available cases the device holds in their own right, expanded
//     through all outgoing edges and open incoming extension edges.
//
// Everything relevant but not live is removed; removal of a case recursively
// attempts to purge the dependent cases it referenced.
func (s *SyncLog) Purge(caseID string) {
	s.DependentCaseIDs.Add(caseID)
	relevant := GetAllDependencies(caseID, s.IndexTree, s.ExtensionIndexTree)
	available := s.availableCases(relevant)
	live := s.liveCases(available)

	toRemove := NewIDSet()
	for id := range relevant {
		if !s.purgedSet().Has(id) && !live.Has(id) {
			toRemove.Add(id)
		}
	}
	s.removeCasesPurgeIndices(toRemove, caseID)
}

func (s *SyncLog) availableCases(relevant IDSet) IDSet {
	available := NewIDSet()
	for id := range relevant {
		if s.ClosedCases.Has(id) {
			continue
		}
		if len(s.ExtensionIndexTree.Indices[id]) == 0 || len(s.IndexTree.Indices[id]) > 0 {
			available.Add(id)
		}
	}
	frontier := available.Sorted()
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for ext := range s.ExtensionIndexTree.DirectDependents(id) {
			if s.ClosedCases.Has(ext) || s.purgedSet().Has(ext) || available.Has(ext) {
				continue
			}
			available.Add(ext)
			frontier = append(frontier, ext)
		}
	}
	return available
}

func (s *SyncLog) liveCases(available IDSet) IDSet {
	primary := s.PrimaryCaseIDs()
	live := NewIDSet()
	for id := range available {
		if primary.Has(id) {
			live.Add(id)
		}
	}
	checked := NewIDSet()
	frontier := live.Sorted()
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if checked.Has(id) {
			continue
		}
		checked.Add(id)
		expand := func(reached IDSet) {
			for c := range reached {
				if s.purgedSet().Has(c) || checked.Has(c) || c == id {
					continue
				}
				if !live.Has(c) {
					live.Add(c)
				}
				frontier = append(frontier, c)
			}
		}
		expand(GetAllOutgoingCases(id, s.IndexTree, s.ExtensionIndexTree))
		expand(TraverseIncomingExtensions(id, s.ExtensionIndexTree, s.ClosedCases))
	}
	return live
}

func (s *SyncLog) removeCasesPurgeIndices(allToRemove IDSet, checkedCaseID string) {
	for _, id := range allToRemove.Sorted() {
		outgoingChild := make(map[string]string, len(s.IndexTree.Indices[id]))
		for ident, ref := range s.IndexTree.Indices[id] {
			outgoingChild[ident] = ref
		}
		s.removeCase(id)
		for _, referenced := range outgoingChild {
			if s.DependentCaseIDs.Has(referenced) && !allToRemove.Has(referenced) && referenced != checkedCaseID {
				s.Purge(referenced)
			}
		}
	}
}

func (s *SyncLog) removeCase(id string) {
	delete(s.IndexTree.Indices, id)
	s.IndexTree.reverse = nil
	delete(s.ExtensionIndexTree.Indices, id)
	s.ExtensionIndexTree.reverse = nil

	if s.CaseIDs.Has(id) {
		s.CaseIDs.Remove(id)
		s.purgedSet().Add(id)
	}
	s.DependentCaseIDs.Remove(id)
}

// PurgeDependentCases attempts to purge every dependent case. Used after
// legacy-log migration and after building a fresh log from a footprint, when
// the dependent set may contain entries nothing references anymore.
func (s *SyncLog) PurgeDependentCases() {
	for _, id := range s.DependentCaseIDs.Sorted() {
		if s.DependentCaseIDs.Has(id) {
			s.Purge(id)
		}
	}
}

func (s *SyncLog) addPrimaryCase(caseID string) {
	s.CaseIDs.Add(caseID)
	s.DependentCaseIDs.Remove(caseID)
}

type shortIndex struct {
	caseID       string
	identifier   string
	referencedID string
	relationship string
}

type phoneCaseUpdate struct {
	caseID            string
	wasLivePreviously bool
	ownerTouched      bool
	finalOwnerID      string
	isClosed          bool
	indicesToAdd      []shortIndex
	indicesToDelete   []shortIndex
}

func (u *phoneCaseUpdate) extensionIndicesToAdd() []shortIndex {
	var out []shortIndex
	for _, idx := range u.indicesToAdd {
		if idx.relationship == RelationshipExtension {
			out = append(out, idx)
		}
	}
	return out
}

// isLive reports whether the case ends this submission on the device in its
// own right: open, and owned by one of the device's owner IDs (falling back
// to its previous liveness when the owner was not touched).
func (u *phoneCaseUpdate) isLive(ownerIDs IDSet) bool {
	switch {
	case u.isClosed:
		return false
	case !u.ownerTouched:
		return u.wasLivePreviously
	default:
		return ownerIDs.Has(u.finalOwnerID)
	}
}

func (s *SyncLog) addIndex(idx shortIndex, update *phoneCaseUpdate) {
	if idx.relationship == RelationshipExtension {
		s.addExtensionIndex(idx, update)
	} else {
		s.addChildIndex(idx)
	}
}

func (s *SyncLog) addExtensionIndex(idx shortIndex, update *phoneCaseUpdate) {
	s.ExtensionIndexTree.SetIndex(idx.caseID, idx.identifier, idx.referencedID)
	if !s.CaseIDs.Has(idx.referencedID) {
		s.CaseIDs.Add(idx.referencedID)
		s.DependentCaseIDs.Add(idx.referencedID)
	}
	hasChildToSameTarget := false
	for _, other := range update.indicesToAdd {
		if other.relationship == RelationshipChild && other.referencedID == idx.referencedID {
			hasChildToSameTarget = true
			break
		}
	}
	if !hasChildToSameTarget && !update.isLive(s.OwnerIDs) {
		s.DependentCaseIDs.Add(idx.caseID)
	}
}

func (s *SyncLog) addChildIndex(idx shortIndex) {
	s.IndexTree.SetIndex(idx.caseID, idx.identifier, idx.referencedID)
	if !s.CaseIDs.Has(idx.referencedID) {
		s.CaseIDs.Add(idx.referencedID)
		s.DependentCaseIDs.Add(idx.referencedID)
	}
}

func (s *SyncLog) deleteIndex(idx shortIndex) {
	s.IndexTree.DeleteIndex(idx.caseID, idx.identifier)
	s.ExtensionIndexTree.DeleteIndex(idx.caseID, idx.identifier)
}

// UpdatePhoneLists plays a committed submission's deltas through the sync
// state. Live cases are added as primaries with their index changes;
// non-live cases are processed afterwards (extension-bearing ones still
// added) and then purged. Returns true if the state changed.
func (s *SyncLog) UpdatePhoneLists(deltas []CaseDelta, receivedOn time.Time) bool {
	s.normalize()
	madeChanges := false

	updates := make(map[string]*phoneCaseUpdate)
	order := make([]string, 0, len(deltas))
	for _, d := range deltas {
		u, ok := updates[d.CaseID]
		if !ok {
			u = &phoneCaseUpdate{
				caseID:            d.CaseID,
				wasLivePreviously: s.PrimaryCaseIDs().Has(d.CaseID),
			}
			updates[d.CaseID] = u
			order = append(order, d.CaseID)
		}
		if d.Created || d.OwnerChanged {
			u.ownerTouched = true
			u.finalOwnerID = d.NewOwner
		}
		if d.Closed {
			u.isClosed = true
		}
		for _, idx := range d.IndicesAdded {
			u.indicesToAdd = append(u.indicesToAdd, shortIndex{
				caseID:       d.CaseID,
				identifier:   idx.Identifier,
				referencedID: idx.ReferencedID,
				relationship: idx.Relationship,
			})
		}
		for _, idx := range d.IndicesRemoved {
			u.indicesToDelete = append(u.indicesToDelete, shortIndex{
				caseID:     d.CaseID,
				identifier: idx.Identifier,
			})
		}
	}

	var nonLive []*phoneCaseUpdate
	for _, caseID := range order {
		u := updates[caseID]
		if u.isLive(s.OwnerIDs) {
			if !s.CaseIDs.Has(caseID) {
				s.addPrimaryCase(caseID)
				madeChanges = true
			} else if s.DependentCaseIDs.Has(caseID) {
				s.DependentCaseIDs.Remove(caseID)
				madeChanges = true
			}
			for _, idx := range u.indicesToAdd {
				s.addIndex(idx, u)
				madeChanges = true
			}
			for _, idx := range u.indicesToDelete {
				s.deleteIndex(idx)
				madeChanges = true
			}
		} else {
			nonLive = append(nonLive, u)
			// closed set must be complete before any purge runs
			if u.isClosed {
				s.ClosedCases.Add(caseID)
			}
		}
	}

	for _, u := range nonLive {
		if len(u.extensionIndicesToAdd()) > 0 {
			// extension sources stay on the phone even when not live
			s.CaseIDs.Add(u.caseID)
			for _, idx := range u.indicesToAdd {
				s.addIndex(idx, u)
				madeChanges = true
			}
		}
	}

	for _, u := range nonLive {
		if s.CaseIDs.Has(u.caseID) {
			s.Purge(u.caseID)
			if s.CaseIDs.Has(u.caseID) {
				// purge declined to drop it; apply the remaining changes
				for _, idx := range u.indicesToAdd {
					s.addIndex(idx, u)
				}
				for _, idx := range u.indicesToDelete {
					s.deleteIndex(idx)
				}
			}
			madeChanges = true
		}
	}

	if madeChanges {
		s.LastSubmitted = receivedOn
	}
	s.purged = nil
	return madeChanges
}

// RecordStateError marks the log after a hash mismatch so operators can
// trace broken devices. The log itself stays usable.
func (s *SyncLog) RecordStateError(phoneHash string, at time.Time) {
	s.HadStateError = true
	s.ErrorDate = at
	s.ErrorHash = phoneHash
}

// CaseState is one case entry in a legacy-format log, carrying its own
// snapshot of indices.
type CaseState struct {
	CaseID  string      `json:"case_id"`
	Indices []CaseIndex `json:"indices,omitempty"`
}

// LegacySyncLog is the historical per-case-list format. It predates
// extension indices, so every recorded edge is a child edge.
type LegacySyncLog struct {
	SyncID                string      `json:"sync_id"`
	UserID                string      `json:"user_id"`
	DeviceID              string      `json:"device_id,omitempty"`
	PreviousLogID         string      `json:"previous_log_id,omitempty"`
	Date                  time.Time   `json:"date"`
	OwnerIDs              []string    `json:"owner_ids_on_phone"`
	CasesOnPhone          []CaseState `json:"cases_on_phone"`
	DependentCasesOnPhone []CaseState `json:"dependent_cases_on_phone"`
}

// FromLegacyLog migrates a legacy log to the simplified format, then purges
// dependent cases nothing references anymore. The legacy format purged
// lazily on access; the simplified format keeps itself accurate up front.
func FromLegacyLog(legacy *LegacySyncLog) *SyncLog {
	out := NewSyncLog(legacy.SyncID, legacy.UserID, legacy.DeviceID, legacy.Date)
	out.PreviousLogID = legacy.PreviousLogID
	for _, owner := range legacy.OwnerIDs {
		out.OwnerIDs.Add(owner)
	}
	add := func(state CaseState, dependent bool) {
		out.CaseIDs.Add(state.CaseID)
		for _, idx := range state.Indices {
			out.IndexTree.SetIndex(state.CaseID, idx.Identifier, idx.ReferencedID)
		}
		if dependent {
			out.DependentCaseIDs.Add(state.CaseID)
		}
	}
	for _, state := range legacy.CasesOnPhone {
		add(state, false)
	}
	for _, state := range legacy.DependentCasesOnPhone {
		add(state, true)
	}
	out.PurgeDependentCases()
	return out
}
