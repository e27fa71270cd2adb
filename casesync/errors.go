// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel errors for store lookups
var (
	ErrCaseNotFound = errors.New("case not found")
)

// MissingRequiredFieldError indicates a create operation lacked mandatory
// fields (case type, case name). The affected case is not persisted; other
// cases in the same batch may still succeed.
type MissingRequiredFieldError struct {
	CaseID string
	Fields []string
}

func (e *MissingRequiredFieldError) Error() string {
	return fmt.Sprintf("case %s: missing required fields on create: %s",
		e.CaseID, strings.Join(e.Fields, ", "))
}

// UnknownCaseReferenceError indicates an update/close targeted a case ID with
// no creation record anywhere. This is a hard error: phones may retry and the
// server must detect truly inconsistent submissions.
type UnknownCaseReferenceError struct {
	CaseID string
}

func (e *UnknownCaseReferenceError) Error() string {
	return fmt.Sprintf("case %s was never created", e.CaseID)
}

// BadStateError indicates the device-claimed state hash does not match the
// server's view of the device's last sync. Carries both hashes and the full
// current case-ID set for diagnostics. The caller recovers by forcing a full,
// non-incremental resync.
type BadStateError struct {
	ServerHash string
	PhoneHash  string
	CaseIDs    []string
}

func (e *BadStateError) Error() string {
	ids := append([]string(nil), e.CaseIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("phone state hash %s does not match server hash %s (cases: %s)",
		e.PhoneHash, e.ServerHash, strings.Join(ids, ","))
}

// SyncLogNotFoundError indicates the referenced previous sync ID does not
// exist (purged or never valid). Recovered the same way as BadStateError.
type SyncLogNotFoundError struct {
	SyncID string
}

func (e *SyncLogNotFoundError) Error() string {
	return fmt.Sprintf("sync log %s not found", e.SyncID)
}

// StoreConflictError indicates a concurrent-write race detected by the case
// store (revision mismatch or duplicate create). Retryable with backoff.
type StoreConflictError struct {
	CaseID string
	Err    error
}

func (e *StoreConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrent write conflict on case %s: %v", e.CaseID, e.Err)
	}
	return fmt.Sprintf("concurrent write conflict on case %s", e.CaseID)
}

func (e *StoreConflictError) Unwrap() error { return e.Err }

// IsStoreConflict reports whether err is (or wraps) a StoreConflictError.
func IsStoreConflict(err error) bool {
	var conflict *StoreConflictError
	return errors.As(err, &conflict)
}

// RestorePendingError is returned when a restore exceeded its time budget and
// was handed off to a background job. The device should poll the job after
// RetryAfter.
type RestorePendingError struct {
	JobID      string
	RetryAfter time.Duration
}

func (e *RestorePendingError) Error() string {
	return fmt.Sprintf("restore still processing (job %s, retry after %s)", e.JobID, e.RetryAfter)
}

// IncompatibleSyncLogError indicates a sync log could not be migrated between
// historical formats.
type IncompatibleSyncLogError struct {
	From string
	To   string
}

func (e *IncompatibleSyncLogError) Error() string {
	return fmt.Sprintf("unable to convert sync log from %s to %s", e.From, e.To)
}
