// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dimagi/commcare-hq-sub036/internal/auth"
)

// ClientAuthenticator extracts user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both
// identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPHandlers exposes the case-sync API over HTTP.
type HTTPHandlers struct {
	applier       *Applier
	restore       *RestoreService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

func NewHTTPHandlers(applier *Applier, restore *RestoreService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		applier:       applier,
		restore:       restore,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register wires the handlers onto a mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /casesync/submit", h.HandleSubmit)
	mux.HandleFunc("GET /casesync/restore", h.HandleRestore)
	mux.HandleFunc("GET /casesync/restore/jobs/{job_id}", h.HandlePollRestore)
}

// HandleSubmit processes a device submission.
func (h *HTTPHandlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var batch SubmissionBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse submission")
		return
	}
	batch.UserID = userID
	batch.DeviceID = deviceID

	result, err := h.applier.ApplySubmission(r.Context(), &batch)
	if err != nil {
		if result == nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.logger.Error("submission failed", "form_id", batch.FormID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "submission_failed", "failed to process submission")
		return
	}

	status := http.StatusOK
	if !result.Accepted {
		// persistent write conflicts: the device should resubmit the form
		status = http.StatusConflict
	}
	h.writeJSON(w, status, result)
}

// HandleRestore serves sync requests. Query parameters: since (previous
// restore ID), state_hash (required with since), version.
func (h *HTTPHandlers) HandleRestore(w http.ResponseWriter, r *http.Request) {
	userID, deviceID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	req := &RestoreRequest{
		UserID:     userID,
		DeviceID:   deviceID,
		SinceLogID: r.URL.Query().Get("since"),
		StateHash:  r.URL.Query().Get("state_hash"),
		Version:    r.URL.Query().Get("version"),
	}
	if req.SinceLogID != "" && req.StateHash == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "state_hash is required with since")
		return
	}

	payload, err := h.restore.Restore(r.Context(), req)
	if err != nil {
		h.writeRestoreError(w, req, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payload)
}

// HandlePollRestore checks on a background restore job.
func (h *HTTPHandlers) HandlePollRestore(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	jobID := r.PathValue("job_id")

	payload, err := h.restore.PollRestore(r.Context(), jobID)
	if err != nil {
		var pending *RestorePendingError
		switch {
		case errors.As(err, &pending):
			h.writePending(w, pending)
		case errors.Is(err, ErrPayloadExpired):
			h.writeError(w, http.StatusGone, "payload_expired", "restore payload expired, request a new restore")
		default:
			h.logger.Error("restore poll failed", "job_id", jobID, "user_id", userID, "error", err)
			h.writeError(w, http.StatusNotFound, "job_not_found", err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, payload)
}

// authenticate resolves the caller's identity. The JWT middleware normally
// puts it on the request context; handlers mounted without the middleware
// fall back to validating the token themselves.
func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID, deviceID string, ok bool) {
	if userID, uok := auth.GetUserID(r.Context()); uok {
		if deviceID, dok := auth.GetDeviceID(r.Context()); dok {
			return userID, deviceID, true
		}
	}
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	deviceID, err = h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return userID, deviceID, true
}

func (h *HTTPHandlers) writeRestoreError(w http.ResponseWriter, req *RestoreRequest, err error) {
	var pending *RestorePendingError
	var badState *BadStateError
	var notFound *SyncLogNotFoundError
	var incompatible *IncompatibleSyncLogError
	switch {
	case errors.As(err, &pending):
		h.writePending(w, pending)
	case errors.As(err, &badState):
		// 412: the device must discard incremental state and do a full sync
		h.writeJSON(w, http.StatusPreconditionFailed, map[string]any{
			"error":       ErrCodeBadState,
			"message":     "state hash mismatch, perform a full sync",
			"server_hash": badState.ServerHash,
			"phone_hash":  badState.PhoneHash,
			"case_ids":    badState.CaseIDs,
		})
	case errors.As(err, &notFound):
		h.writeJSON(w, http.StatusPreconditionFailed, map[string]any{
			"error":   ErrCodeSyncLogNotFound,
			"message": "previous sync state not found, perform a full sync",
			"sync_id": notFound.SyncID,
		})
	case errors.As(err, &incompatible):
		h.writeJSON(w, http.StatusPreconditionFailed, map[string]any{
			"error":   ErrCodeSyncLogNotFound,
			"message": "previous sync state is in an unsupported format, perform a full sync",
		})
	default:
		h.logger.Error("restore failed",
			"user_id", req.UserID, "device_id", req.DeviceID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "restore_failed", "failed to compute restore")
	}
}

func (h *HTTPHandlers) writePending(w http.ResponseWriter, pending *RestorePendingError) {
	w.Header().Set("Retry-After", strconv.Itoa(int(pending.RetryAfter.Seconds())))
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      JobPending,
		"job_id":      pending.JobID,
		"retry_after": int(pending.RetryAfter.Seconds()),
	})
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
