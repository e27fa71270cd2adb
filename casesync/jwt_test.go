// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dimagi/commcare-hq-sub036/internal/auth"
)

func TestJWTRoundTrip(t *testing.T) {
	j := NewJWTAuth("test-secret")
	token, err := j.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := j.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("sub = %q, want user-1", claims.Subject)
	}
	if claims.DeviceID != "device-1" {
		t.Errorf("did = %q, want device-1", claims.DeviceID)
	}
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := NewJWTAuth("secret-a").GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := NewJWTAuth("secret-b").ValidateToken(token); err == nil {
		t.Error("expected validation error with wrong secret")
	}
}

func TestJWTExpiredToken(t *testing.T) {
	j := NewJWTAuth("test-secret")
	token, err := j.GenerateToken("user-1", "device-1", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := j.ValidateToken(token); err == nil {
		t.Error("expected validation error for expired token")
	}
}

func TestJWTMissingDeviceClaim(t *testing.T) {
	secret := []byte("test-secret")
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	token, err := raw.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewJWTAuth("test-secret").ValidateToken(token); err == nil {
		t.Error("expected validation error without did claim")
	}
}

func TestJWTRequestExtraction(t *testing.T) {
	j := NewJWTAuth("test-secret")
	token, err := j.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/casesync/restore", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	userID, err := j.GetUserID(r)
	if err != nil || userID != "user-1" {
		t.Errorf("GetUserID = %q, %v; want user-1", userID, err)
	}
	deviceID, err := j.GetDeviceID(r)
	if err != nil || deviceID != "device-1" {
		t.Errorf("GetDeviceID = %q, %v; want device-1", deviceID, err)
	}

	r.Header.Set("Authorization", token) // no Bearer prefix
	if _, err := j.GetUserID(r); err == nil {
		t.Error("expected error without Bearer prefix")
	}
}

func TestJWTMiddleware(t *testing.T) {
	j := NewJWTAuth("test-secret")
	var gotUser, gotDevice string
	handler := j.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.GetUserID(r.Context())
		gotDevice, _ = auth.GetDeviceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// no header
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d, want 401", rec.Code)
	}

	// garbage token
	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}

	// valid token reaches the handler with identity in context
	token, err := j.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
	if gotUser != "user-1" || gotDevice != "device-1" {
		t.Errorf("context identity = %q/%q, want user-1/device-1", gotUser, gotDevice)
	}
}
