// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"crypto/md5"
	"encoding/hex"
)

// EmptyStateHash is the hash of the empty case-ID set.
const EmptyStateHash = "00000000000000000000000000000000"

// Checksum accumulates an order-independent hash over a set of case IDs:
// the XOR of the MD5 digests of each ID, rendered as 32 lowercase hex
// characters. XOR makes the result independent of insertion order and lets
// a device maintain the hash incrementally as cases come and go.
type Checksum struct {
	digest [md5.Size]byte
}

// Add folds one case ID into the hash. Adding the same ID twice cancels it
// out, so callers must feed sets, not multisets.
func (c *Checksum) Add(caseID string) {
	h := md5.Sum([]byte(caseID))
	for i := range c.digest {
		c.digest[i] ^= h[i]
	}
}

// Hexdigest returns the accumulated hash as a 32-character hex string.
func (c *Checksum) Hexdigest() string {
	return hex.EncodeToString(c.digest[:])
}

// CaseStateHash computes the hash of a complete case-ID set in one call.
func CaseStateHash(caseIDs []string) string {
	var c Checksum
	for _, id := range caseIDs {
		c.Add(id)
	}
	return c.Hexdigest()
}

// CaseStateHashSet is CaseStateHash over an IDSet.
func CaseStateHashSet(ids IDSet) string {
	var c Checksum
	for id := range ids {
		c.Add(id)
	}
	return c.Hexdigest()
}
