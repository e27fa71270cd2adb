// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"time"
)

// CreateAction carries the mandatory fields of a case creation.
type CreateAction struct {
	CaseType string `json:"case_type"`
	CaseName string `json:"case_name"`
	OwnerID  string `json:"owner_id,omitempty"`
}

// IndexUpdate adds, replaces, or (with an empty ReferencedID) deletes one
// index on the target case.
type IndexUpdate struct {
	Identifier     string `json:"identifier"`
	ReferencedType string `json:"referenced_type,omitempty"`
	ReferencedID   string `json:"referenced_id"`
	Relationship   string `json:"relationship,omitempty"`
}

// CaseBlock is one case operation inside a submission: any combination of
// create, property updates, owner reassignment, index changes, and close,
// all applied atomically to a single case.
type CaseBlock struct {
	CaseID  string            `json:"case_id"`
	Create  *CreateAction     `json:"create,omitempty"`
	Update  map[string]string `json:"update,omitempty"`
	OwnerID *string           `json:"owner_id,omitempty"`
	Indices []IndexUpdate     `json:"indices,omitempty"`
	Close   bool              `json:"close,omitempty"`
}

// SubmissionBatch is a parsed device submission: an ordered list of case
// blocks plus the identity of the submitting device and the sync state it
// was built against.
type SubmissionBatch struct {
	FormID     string      `json:"form_id"`
	UserID     string      `json:"user_id"`
	DeviceID   string      `json:"device_id"`
	SyncLogID  string      `json:"sync_log_id,omitempty"`
	ReceivedOn time.Time   `json:"received_on"`
	Blocks     []CaseBlock `json:"cases"`
}

// CaseDelta records what a committed case block changed, in terms the sync
// log and cleanliness tracker care about.
type CaseDelta struct {
	CaseID           string
	Created          bool
	CloseTransitioned bool
	Closed           bool
	OwnerChanged     bool
	OldOwner         string
	NewOwner         string
	IndicesAdded     []CaseIndex
	IndicesRemoved   []CaseIndex
}

// CaseBlockStatus is the per-case outcome of a submission. Status is one of
// the St* constants; Reason is set for non-applied statuses.
type CaseBlockStatus struct {
	CaseID string `json:"case_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

// SubmissionResult is what ApplySubmission returns. Accepted is false only
// when the batch as a whole could not be processed (bad payload, exhausted
// conflict retries); individual invalid cases leave Accepted true.
type SubmissionResult struct {
	FormID   string            `json:"form_id"`
	Accepted bool              `json:"accepted"`
	Statuses []CaseBlockStatus `json:"cases"`

	// Deltas and Cases cover the applied blocks only, in submission order.
	Deltas []CaseDelta `json:"-"`
	Cases  []*Case     `json:"-"`
}

func statusApplied(caseID string) CaseBlockStatus {
	return CaseBlockStatus{CaseID: caseID, Status: StApplied}
}

func statusInvalid(caseID, reason string, err error) CaseBlockStatus {
	return CaseBlockStatus{CaseID: caseID, Status: StInvalid, Reason: reason, Err: err}
}

func statusConflict(caseID string, err error) CaseBlockStatus {
	return CaseBlockStatus{CaseID: caseID, Status: StConflict, Reason: ReasonRetrySubmission, Err: err}
}
