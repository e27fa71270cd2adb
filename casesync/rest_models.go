// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"context"
	"time"
)

// RestoreRequest is a device's sync request. An empty SinceLogID asks for a
// full restore; otherwise StateHash must carry the device's current
// footprint hash for verification against SinceLogID's server-side state.
type RestoreRequest struct {
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	SinceLogID string `json:"since,omitempty"`
	StateHash  string `json:"state_hash,omitempty"`
	Version    string `json:"version,omitempty"`
}

// PayloadCase is one case entry in a restore payload. Actions tell the
// device what to do; Case carries the snapshot and is omitted for pure
// close (removal) entries.
type PayloadCase struct {
	CaseID  string   `json:"case_id"`
	Actions []string `json:"actions"`
	Case    *Case    `json:"case,omitempty"`
}

// RestorePayload is the full response to a restore request. SyncID names
// the sync state committed for this restore; the device must echo it as
// SinceLogID on its next sync and submission.
type RestorePayload struct {
	SyncID    string        `json:"restore_id"`
	UserID    string        `json:"user_id"`
	Version   string        `json:"version"`
	StateHash string        `json:"state_hash"`
	CreatedAt time.Time     `json:"created_at"`
	Cases     []PayloadCase `json:"cases"`
}

// Restore job statuses
const (
	JobPending    = "pending"
	JobComplete   = "complete"
	JobFailed     = "failed"
	JobSuperseded = "superseded"
)

// RestoreJob tracks a restore that outlived its request's time budget and
// finished (or will finish) in the background. The payload itself lives in
// the payload cache under CacheKey.
type RestoreJob struct {
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id"`
	CacheKey    string    `json:"cache_key"`
	Status      string    `json:"status"`
	SyncID      string    `json:"sync_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// JobStore persists restore jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *RestoreJob) error
	GetJob(ctx context.Context, jobID string) (*RestoreJob, error)
	UpdateJob(ctx context.Context, job *RestoreJob) error
	// FindActiveJob returns the pending job for the device, or (nil, nil).
	FindActiveJob(ctx context.Context, userID, deviceID string) (*RestoreJob, error)
}
