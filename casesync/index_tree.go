// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

// IndexTree holds one relationship kind's worth of index edges for a sync
// log: a flat map of case ID to {identifier: referenced case ID}. Child and
// extension edges live in separate trees because the purge algorithm treats
// them differently.
type IndexTree struct {
	Indices map[string]map[string]string `json:"indices"`

	// reverse maps referenced ID -> set of cases holding an edge to it.
	// Rebuilt lazily, invalidated on every mutation.
	reverse map[string]IDSet
}

func NewIndexTree() *IndexTree {
	return &IndexTree{Indices: make(map[string]map[string]string)}
}

// SetIndex records an edge from caseID via identifier to referencedID,
// replacing any previous edge with the same identifier.
func (t *IndexTree) SetIndex(caseID, identifier, referencedID string) {
	if t.Indices == nil {
		t.Indices = make(map[string]map[string]string)
	}
	row, ok := t.Indices[caseID]
	if !ok {
		row = make(map[string]string)
		t.Indices[caseID] = row
	}
	row[identifier] = referencedID
	t.reverse = nil
}

// DeleteIndex removes the edge from caseID with the given identifier.
func (t *IndexTree) DeleteIndex(caseID, identifier string) {
	if row, ok := t.Indices[caseID]; ok {
		delete(row, identifier)
		if len(row) == 0 {
			delete(t.Indices, caseID)
		}
		t.reverse = nil
	}
}

// ApplyUpdates replaces whole rows from other: any case present in other
// gets other's full edge row, cases absent from other keep theirs.
func (t *IndexTree) ApplyUpdates(other *IndexTree) {
	if other == nil {
		return
	}
	if t.Indices == nil {
		t.Indices = make(map[string]map[string]string)
	}
	for caseID, row := range other.Indices {
		newRow := make(map[string]string, len(row))
		for id, ref := range row {
			newRow[id] = ref
		}
		t.Indices[caseID] = newRow
	}
	t.reverse = nil
}

// Outgoing returns the set of case IDs that caseID holds edges to.
func (t *IndexTree) Outgoing(caseID string) IDSet {
	out := NewIDSet()
	for _, ref := range t.Indices[caseID] {
		out.Add(ref)
	}
	return out
}

// DirectDependents returns the cases that hold an edge pointing at caseID.
func (t *IndexTree) DirectDependents(caseID string) IDSet {
	if t.reverse == nil {
		t.reverse = make(map[string]IDSet)
		for from, row := range t.Indices {
			for _, to := range row {
				set, ok := t.reverse[to]
				if !ok {
					set = NewIDSet()
					t.reverse[to] = set
				}
				set.Add(from)
			}
		}
	}
	return t.reverse[caseID]
}

func (t *IndexTree) Copy() *IndexTree {
	out := NewIndexTree()
	out.ApplyUpdates(t)
	return out
}

// GetAllDependencies computes the full footprint of caseID: the fixpoint of
// following incoming child edges, incoming extension edges, and outgoing
// extension edges. This is the "relevant" set of the purge algorithm.
func GetAllDependencies(caseID string, childTree, extensionTree *IndexTree) IDSet {
	all := NewIDSet()
	frontier := NewIDSet(caseID)
	for len(frontier) > 0 {
		var c string
		for c = range frontier {
			break
		}
		frontier.Remove(c)
		all.Add(c)

		for dep := range childTree.DirectDependents(c) {
			if !all.Has(dep) {
				frontier.Add(dep)
			}
		}
		for dep := range extensionTree.DirectDependents(c) {
			if !all.Has(dep) {
				frontier.Add(dep)
			}
		}
		for _, ref := range extensionTree.Indices[c] {
			if !all.Has(ref) {
				frontier.Add(ref)
			}
		}
	}
	return all
}

// GetAllOutgoingCases returns caseID plus everything reachable by following
// outgoing child and extension edges.
func GetAllOutgoingCases(caseID string, childTree, extensionTree *IndexTree) IDSet {
	all := NewIDSet(caseID)
	frontier := []string{caseID}
	for len(frontier) > 0 {
		c := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, ref := range childTree.Indices[c] {
			if !all.Has(ref) {
				all.Add(ref)
				frontier = append(frontier, ref)
			}
		}
		for _, ref := range extensionTree.Indices[c] {
			if !all.Has(ref) {
				all.Add(ref)
				frontier = append(frontier, ref)
			}
		}
	}
	return all
}

// TraverseIncomingExtensions returns caseID plus the closure of cases with
// extension edges into it, skipping closed cases.
func TraverseIncomingExtensions(caseID string, extensionTree *IndexTree, closed IDSet) IDSet {
	all := NewIDSet(caseID)
	frontier := []string{caseID}
	for len(frontier) > 0 {
		c := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for dep := range extensionTree.DirectDependents(c) {
			if closed.Has(dep) {
				continue
			}
			if !all.Has(dep) {
				all.Add(dep)
				frontier = append(frontier, dep)
			}
		}
	}
	return all
}
