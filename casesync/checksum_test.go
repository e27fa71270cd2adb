// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"testing"
)

func TestChecksumEmptySet(t *testing.T) {
	var c Checksum
	if got := c.Hexdigest(); got != EmptyStateHash {
		t.Errorf("empty hash = %s, want %s", got, EmptyStateHash)
	}
	if got := CaseStateHash(nil); got != EmptyStateHash {
		t.Errorf("CaseStateHash(nil) = %s, want %s", got, EmptyStateHash)
	}
}

func TestChecksumKnownValue(t *testing.T) {
	// reference value produced by the historical implementation
	const want = "409c5c597fa2c2a693b769f0d2ad432b"
	if got := CaseStateHash([]string{"abc123", "123abc"}); got != want {
		t.Errorf("hash = %s, want %s", got, want)
	}
}

func TestChecksumOrderIndependent(t *testing.T) {
	a := CaseStateHash([]string{"abc123", "123abc"})
	b := CaseStateHash([]string{"123abc", "abc123"})
	if a != b {
		t.Errorf("order changed the hash: %s vs %s", a, b)
	}
}

func TestChecksumIncrementalMatchesBatch(t *testing.T) {
	ids := []string{"case-1", "case-2", "case-3"}
	var c Checksum
	for _, id := range ids {
		c.Add(id)
	}
	if got, want := c.Hexdigest(), CaseStateHash(ids); got != want {
		t.Errorf("incremental hash %s != batch hash %s", got, want)
	}
}

func TestChecksumRemovalByReAdd(t *testing.T) {
	// XOR self-inverse: adding an ID twice removes it from the set hash
	var c Checksum
	c.Add("case-1")
	c.Add("case-2")
	c.Add("case-2")
	if got, want := c.Hexdigest(), CaseStateHash([]string{"case-1"}); got != want {
		t.Errorf("hash after cancel = %s, want %s", got, want)
	}
}

func TestChecksumSetMatchesSlice(t *testing.T) {
	ids := []string{"a", "b", "c"}
	if got, want := CaseStateHashSet(NewIDSet(ids...)), CaseStateHash(ids); got != want {
		t.Errorf("set hash %s != slice hash %s", got, want)
	}
}
