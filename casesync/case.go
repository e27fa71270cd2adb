// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"time"
)

// CaseIndex is a directed, named edge from one case to another. The
// identifier is unique per owning case; setting an index with an existing
// identifier replaces the edge, and setting one with an empty referenced ID
// deletes it.
type CaseIndex struct {
	Identifier     string `json:"identifier"`
	ReferencedType string `json:"referenced_type,omitempty"`
	ReferencedID   string `json:"referenced_id"`
	Relationship   string `json:"relationship"` // RelationshipChild or RelationshipExtension
}

// Case is the server-side record of a single case. Properties holds the
// free-form key/value data; structural fields (owner, closed, indices) live
// outside the map so the engine can reason about them without string lookups.
type Case struct {
	CaseID     string            `json:"case_id"`
	CaseType   string            `json:"case_type"`
	Name       string            `json:"case_name"`
	OwnerID    string            `json:"owner_id"`
	Closed     bool              `json:"closed"`
	Properties map[string]string `json:"properties,omitempty"`
	Indices    []CaseIndex       `json:"indices,omitempty"`

	// ServerRev increments on every committed write; stores use it for
	// optimistic concurrency control.
	ServerRev int64 `json:"server_rev"`
	// ServerModifiedOn is the server-side commit time of the last write.
	ServerModifiedOn time.Time `json:"server_modified_on"`
	// LastModifiedBy is the device ID that produced the last write. Used to
	// suppress echoing a device's own changes back to it on restore.
	LastModifiedBy string `json:"last_modified_by,omitempty"`
	OpenedOn       time.Time `json:"opened_on,omitempty"`
	ClosedOn       time.Time `json:"closed_on,omitempty"`
}

// Index returns the index with the given identifier, or nil.
func (c *Case) Index(identifier string) *CaseIndex {
	for i := range c.Indices {
		if c.Indices[i].Identifier == identifier {
			return &c.Indices[i]
		}
	}
	return nil
}

// SetIndex inserts or replaces the index with idx.Identifier.
func (c *Case) SetIndex(idx CaseIndex) {
	for i := range c.Indices {
		if c.Indices[i].Identifier == idx.Identifier {
			c.Indices[i] = idx
			return
		}
	}
	c.Indices = append(c.Indices, idx)
}

// DeleteIndex removes the index with the given identifier. Returns true if
// an index was removed.
func (c *Case) DeleteIndex(identifier string) bool {
	for i := range c.Indices {
		if c.Indices[i].Identifier == identifier {
			c.Indices = append(c.Indices[:i], c.Indices[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy so appliers can mutate without aliasing
// store-owned records.
func (c *Case) Clone() *Case {
	out := *c
	if c.Properties != nil {
		out.Properties = make(map[string]string, len(c.Properties))
		for k, v := range c.Properties {
			out.Properties[k] = v
		}
	}
	if c.Indices != nil {
		out.Indices = append([]CaseIndex(nil), c.Indices...)
	}
	return &out
}
