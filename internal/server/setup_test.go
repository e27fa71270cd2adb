// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dimagi/commcare-hq-sub036/casesync"
)

func newTestServer(t *testing.T) *TestServer {
	t.Helper()
	ts, err := NewTestServer(&ServerConfig{
		JWTSecret: "test-secret",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, rawURL, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, rawURL, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := doJSON(t, http.MethodGet, ts.URL()+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(raw))
}

func TestSubmitRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, ts.URL()+"/casesync/submit", "", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDummySignin(t *testing.T) {
	ts := newTestServer(t)
	resp, raw := doJSON(t, http.MethodPost, ts.URL()+"/dummy-signin", "", map[string]string{
		"user": "user-1", "password": "whatever", "device": "device-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var signin struct {
		Token  string `json:"token"`
		User   string `json:"user"`
		Device string `json:"device"`
	}
	require.NoError(t, json.Unmarshal(raw, &signin))
	require.NotEmpty(t, signin.Token)
	require.Equal(t, "user-1", signin.User)
	require.Equal(t, "device-1", signin.Device)
}

func TestSubmitAndRestoreFlow(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	// submit two cases, one of them closed on arrival
	resp, raw := doJSON(t, http.MethodPost, ts.URL()+"/casesync/submit", token, map[string]any{
		"form_id": "form-1",
		"cases": []map[string]any{
			{"case_id": "case-1", "create": map[string]string{"case_type": "person", "case_name": "a"}},
			{"case_id": "case-2", "create": map[string]string{"case_type": "person", "case_name": "b"}, "close": true},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var result casesync.SubmissionResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.True(t, result.Accepted)
	require.Len(t, result.Statuses, 2)
	require.Equal(t, casesync.StApplied, result.Statuses[0].Status)

	// full restore returns only the open case
	resp, raw = doJSON(t, http.MethodGet, ts.URL()+"/casesync/restore", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var payload casesync.RestorePayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.NotEmpty(t, payload.SyncID)
	require.Len(t, payload.Cases, 1)
	require.Equal(t, "case-1", payload.Cases[0].CaseID)

	// incremental restore with matching state hash is empty
	query := url.Values{"since": {payload.SyncID}, "state_hash": {payload.StateHash}}
	resp, raw = doJSON(t, http.MethodGet, ts.URL()+"/casesync/restore?"+query.Encode(), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var second casesync.RestorePayload
	require.NoError(t, json.Unmarshal(raw, &second))
	require.Empty(t, second.Cases)
	require.Equal(t, payload.StateHash, second.StateHash)

	// a wrong state hash forces a full resync
	query = url.Values{"since": {second.SyncID}, "state_hash": {casesync.EmptyStateHash}}
	resp, raw = doJSON(t, http.MethodGet, ts.URL()+"/casesync/restore?"+query.Encode(), token, nil)
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	var restoreErr struct {
		Error      string   `json:"error"`
		ServerHash string   `json:"server_hash"`
		CaseIDs    []string `json:"case_ids"`
	}
	require.NoError(t, json.Unmarshal(raw, &restoreErr))
	require.Equal(t, casesync.ErrCodeBadState, restoreErr.Error)
	require.Equal(t, payload.StateHash, restoreErr.ServerHash)
	require.Equal(t, []string{"case-1"}, restoreErr.CaseIDs)
}

func TestRestoreSinceRequiresStateHash(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	resp, _ := doJSON(t, http.MethodGet, ts.URL()+"/casesync/restore?since=sync-1", token, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRestoreUnknownSinceLog(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	query := url.Values{"since": {"gone"}, "state_hash": {casesync.EmptyStateHash}}
	resp, raw := doJSON(t, http.MethodGet, ts.URL()+"/casesync/restore?"+query.Encode(), token, nil)
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	var restoreErr struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &restoreErr))
	require.Equal(t, casesync.ErrCodeSyncLogNotFound, restoreErr.Error)
}

func TestSubmitInvalidCaseReported(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	resp, raw := doJSON(t, http.MethodPost, ts.URL()+"/casesync/submit", token, map[string]any{
		"form_id": "form-1",
		"cases": []map[string]any{
			{"case_id": "ghost", "update": map[string]string{"x": "1"}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result casesync.SubmissionResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.True(t, result.Accepted)
	require.Equal(t, casesync.StInvalid, result.Statuses[0].Status)
	require.Equal(t, casesync.ReasonUnknownCaseReference, result.Statuses[0].Reason)
}

func TestPollUnknownJob(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	resp, _ := doJSON(t, http.MethodGet, ts.URL()+"/casesync/restore/jobs/ghost", token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token, err := ts.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	doJSON(t, http.MethodPost, ts.URL()+"/casesync/submit", token, map[string]any{
		"form_id": "form-1",
		"cases": []map[string]any{
			{"case_id": "case-1", "create": map[string]string{"case_type": "person", "case_name": "a"}},
		},
	})

	resp, raw := doJSON(t, http.MethodGet, ts.URL()+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshot []casesync.StageTiming
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	require.NotEmpty(t, snapshot)
}
