// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

// Case action constants for restore payload entries and mutation blocks
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionClose  = "close"
)

// Index relationship kinds
const (
	RelationshipChild     = "child"
	RelationshipExtension = "extension"
)

// Sync log formats. The legacy format kept per-case index snapshots in two
// parallel lists; the simplified format keeps flat ID sets plus index trees.
const (
	LogFormatLegacy     = "legacy"
	LogFormatSimplified = "simplified"
)

// Status constants for per-case submission results
const (
	StApplied  = "applied"
	StInvalid  = "invalid"
	StConflict = "conflict"
)

// Invalid reason constants (device-facing, stable)
const (
	ReasonMissingRequiredField = "missing_required_field"
	ReasonUnknownCaseReference = "unknown_case_reference"
	ReasonBadPayload           = "bad_payload"
	ReasonRetrySubmission      = "retry_submission"
	ReasonInternalError        = "internal_error"
)

// Restore error codes (device-facing, stable). Both map to the same recovery
// instruction: discard incremental state and perform a full sync.
const (
	ErrCodeBadState        = "bad_state"
	ErrCodeSyncLogNotFound = "sync_log_not_found"
)

// DefaultProtocolVersion is used when a restore request carries no explicit
// version tag. Version affects payload shape only, never the algorithm.
const DefaultProtocolVersion = "2.0"
