// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func purgeTestLog(t *testing.T, caseIDs []string, opts func(*SyncLog)) *SyncLog {
	t.Helper()
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC())
	for _, id := range caseIDs {
		log.CaseIDs.Add(id)
	}
	if opts != nil {
		opts(log)
	}
	return log
}

func TestPurgeParentThenChild(t *testing.T) {
	log := purgeTestLog(t, []string{"parent", "child"}, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{"child": {"parent"}})
	})

	// no effect beyond marking the parent dependent
	log.Purge("parent")
	require.True(t, log.CaseIDs.Has("child"))
	require.True(t, log.CaseIDs.Has("parent"))
	require.False(t, log.DependentCaseIDs.Has("child"))
	require.True(t, log.DependentCaseIDs.Has("parent"))

	// purging the child takes both out
	log.Purge("child")
	require.False(t, log.CaseIDs.Has("child"))
	require.False(t, log.CaseIDs.Has("parent"))
}

func TestPurgeChildThenParent(t *testing.T) {
	log := purgeTestLog(t, []string{"parent", "child"}, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{"child": {"parent"}})
	})

	log.Purge("child")
	require.False(t, log.CaseIDs.Has("child"))
	require.True(t, log.CaseIDs.Has("parent"))
	require.False(t, log.DependentCaseIDs.Has("child"))
	require.False(t, log.DependentCaseIDs.Has("parent"))

	log.Purge("parent")
	require.False(t, log.CaseIDs.Has("parent"))
	require.False(t, log.DependentCaseIDs.Has("parent"))
}

func TestPurgeTieredTopDown(t *testing.T) {
	all := []string{"grandparent", "parent", "child"}
	log := purgeTestLog(t, all, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{
			"child":  {"parent"},
			"parent": {"grandparent"},
		})
	})

	log.Purge("grandparent")
	for _, id := range all {
		require.True(t, log.CaseIDs.Has(id))
	}
	require.True(t, log.DependentCaseIDs.Has("grandparent"))
	require.False(t, log.DependentCaseIDs.Has("parent"))

	log.Purge("parent")
	for _, id := range all {
		require.True(t, log.CaseIDs.Has(id))
	}
	require.True(t, log.DependentCaseIDs.Has("parent"))
	require.False(t, log.DependentCaseIDs.Has("child"))

	log.Purge("child")
	for _, id := range all {
		require.False(t, log.CaseIDs.Has(id), id)
		require.False(t, log.DependentCaseIDs.Has(id), id)
	}
}

func TestPurgeTieredBottomUp(t *testing.T) {
	log := purgeTestLog(t, []string{"grandparent", "parent", "child"}, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{
			"child":  {"parent"},
			"parent": {"grandparent"},
		})
	})

	log.Purge("child")
	require.True(t, log.CaseIDs.Has("grandparent"))
	require.True(t, log.CaseIDs.Has("parent"))
	require.False(t, log.CaseIDs.Has("child"))

	log.Purge("parent")
	require.True(t, log.CaseIDs.Has("grandparent"))
	require.False(t, log.CaseIDs.Has("parent"))

	log.Purge("grandparent")
	require.False(t, log.CaseIDs.Has("grandparent"))
}

func TestPurgeMultipleChildren(t *testing.T) {
	all := []string{"rickard", "ned", "bran", "arya"}
	log := purgeTestLog(t, all, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{
			"bran": {"ned"},
			"arya": {"ned"},
			"ned":  {"rickard"},
		})
	})

	log.Purge("rickard")
	log.Purge("ned")
	require.True(t, log.CaseIDs.Has("rickard"))
	require.True(t, log.DependentCaseIDs.Has("rickard"))
	require.True(t, log.CaseIDs.Has("ned"))
	require.True(t, log.DependentCaseIDs.Has("ned"))

	// one remaining child keeps the ancestors
	log.Purge("bran")
	require.True(t, log.CaseIDs.Has("rickard"))
	require.True(t, log.CaseIDs.Has("ned"))
	require.False(t, log.CaseIDs.Has("bran"))

	log.Purge("arya")
	for _, id := range all {
		require.False(t, log.CaseIDs.Has(id), id)
		require.False(t, log.DependentCaseIDs.Has(id), id)
	}
}

func TestPurgeMultipleParents(t *testing.T) {
	all := []string{"heart-tree", "catelyn", "ned", "arya"}
	log := purgeTestLog(t, all, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{
			"arya":    {"catelyn", "ned"},
			"catelyn": {"heart-tree"},
			"ned":     {"heart-tree"},
		})
	})

	log.Purge("heart-tree")
	log.Purge("catelyn")
	log.Purge("ned")
	for _, id := range all {
		require.True(t, log.CaseIDs.Has(id), id)
	}

	log.Purge("arya")
	for _, id := range all {
		require.False(t, log.CaseIDs.Has(id), id)
		require.False(t, log.DependentCaseIDs.Has(id), id)
	}
}

func TestPurgeCircularLoops(t *testing.T) {
	log := purgeTestLog(t, []string{"jaime", "cersei"}, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{
			"jaime":  {"cersei"},
			"cersei": {"jaime"},
		})
	})

	log.Purge("jaime")
	require.True(t, log.CaseIDs.Has("jaime"))
	require.True(t, log.CaseIDs.Has("cersei"))

	log.Purge("cersei")
	require.False(t, log.CaseIDs.Has("jaime"))
	require.False(t, log.CaseIDs.Has("cersei"))
}

func TestPurgeVeryCircularLoops(t *testing.T) {
	all := []string{"drogon", "rhaegal", "viserion"}
	log := purgeTestLog(t, all, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{
			"drogon":   {"rhaegal"},
			"rhaegal":  {"viserion"},
			"viserion": {"drogon"},
		})
	})

	log.Purge("drogon")
	log.Purge("rhaegal")
	for _, id := range all {
		require.True(t, log.CaseIDs.Has(id), id)
	}

	log.Purge("viserion")
	for _, id := range all {
		require.False(t, log.CaseIDs.Has(id), id)
	}
}

func TestPurgeSelfIndexing(t *testing.T) {
	log := purgeTestLog(t, []string{"recursive"}, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{"recursive": {"recursive"}})
	})
	log.Purge("recursive")
	require.False(t, log.CaseIDs.Has("recursive"))
	require.False(t, log.DependentCaseIDs.Has("recursive"))
}

func TestPurgeHostRemovesExtension(t *testing.T) {
	log := purgeTestLog(t, []string{"host", "extension"}, func(l *SyncLog) {
		l.ExtensionIndexTree = treeOf(map[string][]string{"extension": {"host"}})
		l.DependentCaseIDs.Add("extension")
	})
	log.Purge("host")
	require.False(t, log.CaseIDs.Has("extension"))
	require.False(t, log.CaseIDs.Has("host"))
}

func TestPurgeExtensionRemovesHost(t *testing.T) {
	log := purgeTestLog(t, []string{"host", "extension"}, func(l *SyncLog) {
		l.ExtensionIndexTree = treeOf(map[string][]string{"extension": {"host"}})
		l.DependentCaseIDs.Add("host")
	})
	log.Purge("extension")
	require.False(t, log.CaseIDs.Has("extension"))
	require.False(t, log.CaseIDs.Has("host"))
}

func TestPurgeHostExtensionChain(t *testing.T) {
	log := purgeTestLog(t, []string{"host", "extension", "extension_extension"}, func(l *SyncLog) {
		l.ExtensionIndexTree = treeOf(map[string][]string{
			"extension":           {"host"},
			"extension_extension": {"extension"},
		})
		l.DependentCaseIDs.Add("extension")
		l.DependentCaseIDs.Add("extension_extension")
	})
	log.Purge("host")
	require.False(t, log.CaseIDs.Has("host"))
	require.False(t, log.CaseIDs.Has("extension"))
	require.False(t, log.CaseIDs.Has("extension_extension"))
}

func TestPurgeExtensionKeepsOwnedHost(t *testing.T) {
	log := purgeTestLog(t, []string{"host", "extension"}, func(l *SyncLog) {
		l.ExtensionIndexTree = treeOf(map[string][]string{"extension": {"host"}})
	})
	// host is held in its own right, so both stay
	log.Purge("extension")
	require.True(t, log.CaseIDs.Has("extension"))
	require.True(t, log.CaseIDs.Has("host"))
}

func TestPurgeChildOfExtension(t *testing.T) {
	log := purgeTestLog(t, []string{"host", "extension", "child"}, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{"child": {"extension"}})
		l.ExtensionIndexTree = treeOf(map[string][]string{"extension": {"host"}})
		l.DependentCaseIDs.Add("host")
		l.DependentCaseIDs.Add("extension")
	})
	log.Purge("child")
	require.False(t, log.CaseIDs.Has("child"))
	require.False(t, log.CaseIDs.Has("extension"))
	require.False(t, log.CaseIDs.Has("host"))
}

func TestPurgeExtensionHostIsParent(t *testing.T) {
	log := purgeTestLog(t, []string{"host", "extension", "child"}, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{"child": {"host"}})
		l.ExtensionIndexTree = treeOf(map[string][]string{"extension": {"host"}})
		l.DependentCaseIDs.Add("host")
	})
	// host is needed by an owned child, so the extension stays too
	log.Purge("extension")
	require.True(t, log.CaseIDs.Has("extension"))
	require.True(t, log.CaseIDs.Has("child"))
	require.True(t, log.CaseIDs.Has("host"))
}

func TestPurgeClosedHostChainRemovesOpenLeafExtension(t *testing.T) {
	log := purgeTestLog(t, []string{"host", "extension", "extension_of_extension"}, func(l *SyncLog) {
		l.ExtensionIndexTree = treeOf(map[string][]string{
			"extension":              {"host"},
			"extension_of_extension": {"extension"},
		})
		l.DependentCaseIDs.Add("host")
		l.DependentCaseIDs.Add("extension")
		l.ClosedCases.Add("host")
		l.ClosedCases.Add("extension")
	})
	// the whole chain is closed except an unowned leaf; everything goes
	log.Purge("host")
	require.False(t, log.CaseIDs.Has("host"))
	require.False(t, log.CaseIDs.Has("extension"))
	require.False(t, log.CaseIDs.Has("extension_of_extension"))
}

func TestPurgeOpenChildOfClosedExtensionKeepsChain(t *testing.T) {
	log := purgeTestLog(t, []string{"host", "extension", "child_of_extension"}, func(l *SyncLog) {
		l.IndexTree = treeOf(map[string][]string{"child_of_extension": {"extension"}})
		l.ExtensionIndexTree = treeOf(map[string][]string{"extension": {"host"}})
		l.DependentCaseIDs.Add("host")
		l.DependentCaseIDs.Add("extension")
		l.ClosedCases.Add("host")
		l.ClosedCases.Add("extension")
	})
	for _, caseID := range []string{"host", "extension"} {
		log.Purge(caseID)
		require.True(t, log.CaseIDs.Has("host"))
		require.True(t, log.CaseIDs.Has("extension"))
		require.True(t, log.CaseIDs.Has("child_of_extension"))
	}
}

func TestUpdatePhoneListsAddsLiveCase(t *testing.T) {
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC())
	log.OwnerIDs.Add("user-1")

	changed := log.UpdatePhoneLists([]CaseDelta{
		{CaseID: "case-1", Created: true, OwnerChanged: true, NewOwner: "user-1"},
	}, time.Now().UTC())

	require.True(t, changed)
	require.True(t, log.CaseIDs.Has("case-1"))
	require.False(t, log.DependentCaseIDs.Has("case-1"))
}

func TestUpdatePhoneListsIgnoresOtherOwners(t *testing.T) {
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC())
	log.OwnerIDs.Add("user-1")

	log.UpdatePhoneLists([]CaseDelta{
		{CaseID: "case-1", Created: true, OwnerChanged: true, NewOwner: "someone-else"},
	}, time.Now().UTC())

	require.False(t, log.CaseIDs.Has("case-1"))
}

func TestUpdatePhoneListsCloseThenPurge(t *testing.T) {
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC())
	log.OwnerIDs.Add("user-1")
	log.CaseIDs.Add("case-1")

	changed := log.UpdatePhoneLists([]CaseDelta{
		{CaseID: "case-1", Closed: true, CloseTransitioned: true},
	}, time.Now().UTC())

	require.True(t, changed)
	require.False(t, log.CaseIDs.Has("case-1"))
	require.True(t, log.ClosedCases.Has("case-1"))
}

func TestUpdatePhoneListsClosedParentRetainedForChild(t *testing.T) {
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC())
	log.OwnerIDs.Add("user-1")
	log.CaseIDs.Add("mom")
	log.CaseIDs.Add("baby")
	log.IndexTree.SetIndex("baby", "mother", "mom")

	// closing the mom keeps her as a dependent of the owned baby
	log.UpdatePhoneLists([]CaseDelta{
		{CaseID: "mom", Closed: true, CloseTransitioned: true},
	}, time.Now().UTC())

	require.True(t, log.CaseIDs.Has("mom"))
	require.True(t, log.DependentCaseIDs.Has("mom"))
	require.True(t, log.CaseIDs.Has("baby"))
}

func TestUpdatePhoneListsChildIndexAddsDependent(t *testing.T) {
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC())
	log.OwnerIDs.Add("user-1")
	log.CaseIDs.Add("baby")

	log.UpdatePhoneLists([]CaseDelta{
		{CaseID: "baby", IndicesAdded: []CaseIndex{
			{Identifier: "mother", ReferencedID: "mom", Relationship: RelationshipChild},
		}},
	}, time.Now().UTC())

	require.True(t, log.CaseIDs.Has("mom"))
	require.True(t, log.DependentCaseIDs.Has("mom"))
	require.Equal(t, "mom", log.IndexTree.Indices["baby"]["mother"])
}

func TestUpdatePhoneListsNonLiveExtensionSourceStays(t *testing.T) {
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC())
	log.OwnerIDs.Add("user-1")
	log.CaseIDs.Add("host")

	// extension created with a foreign owner still lands on the phone
	log.UpdatePhoneLists([]CaseDelta{
		{CaseID: "extension", Created: true, OwnerChanged: true, NewOwner: "-",
			IndicesAdded: []CaseIndex{
				{Identifier: "host-idx", ReferencedID: "host", Relationship: RelationshipExtension},
			}},
	}, time.Now().UTC())

	require.True(t, log.CaseIDs.Has("extension"))
	require.True(t, log.DependentCaseIDs.Has("extension"))
	require.Equal(t, "host", log.ExtensionIndexTree.Indices["extension"]["host-idx"])
}

func TestUpdatePhoneListsIndexDelete(t *testing.T) {
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC())
	log.OwnerIDs.Add("user-1")
	log.CaseIDs.Add("baby")
	log.CaseIDs.Add("mom")
	log.DependentCaseIDs.Add("mom")
	log.IndexTree.SetIndex("baby", "mother", "mom")

	log.UpdatePhoneLists([]CaseDelta{
		{CaseID: "baby", IndicesRemoved: []CaseIndex{
			{Identifier: "mother", ReferencedID: "mom", Relationship: RelationshipChild},
		}},
	}, time.Now().UTC())

	require.Empty(t, log.IndexTree.Indices["baby"])
}

func TestSyncLogStateHash(t *testing.T) {
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC())
	require.Equal(t, EmptyStateHash, log.StateHash())
	log.CaseIDs.Add("abc123")
	log.CaseIDs.Add("123abc")
	require.Equal(t, "409c5c597fa2c2a693b769f0d2ad432b", log.StateHash())
}

func TestSyncLogJSONRoundTrip(t *testing.T) {
	log := NewSyncLog("sync-1", "user-1", "device-1", time.Now().UTC().Truncate(time.Second))
	log.OwnerIDs.Add("user-1")
	log.CaseIDs.Add("case-1")
	log.CaseIDs.Add("mom")
	log.DependentCaseIDs.Add("mom")
	log.ClosedCases.Add("mom")
	log.IndexTree.SetIndex("case-1", "mother", "mom")

	raw, err := json.Marshal(log)
	require.NoError(t, err)

	var decoded SyncLog
	require.NoError(t, json.Unmarshal(raw, &decoded))
	decoded.normalize()

	require.Equal(t, log.SyncID, decoded.SyncID)
	require.Equal(t, log.CaseIDs, decoded.CaseIDs)
	require.Equal(t, log.DependentCaseIDs, decoded.DependentCaseIDs)
	require.Equal(t, log.ClosedCases, decoded.ClosedCases)
	require.Equal(t, log.IndexTree.Indices, decoded.IndexTree.Indices)
	require.Equal(t, log.StateHash(), decoded.StateHash())
}

func TestFromLegacyLogMigratesAndPurges(t *testing.T) {
	legacy := &LegacySyncLog{
		SyncID:   "sync-legacy",
		UserID:   "user-1",
		DeviceID: "device-1",
		Date:     time.Now().UTC(),
		OwnerIDs: []string{"user-1"},
		CasesOnPhone: []CaseState{
			{CaseID: "baby", Indices: []CaseIndex{
				{Identifier: "mother", ReferencedID: "mom", Relationship: RelationshipChild},
			}},
			{CaseID: "mom"},
		},
		DependentCasesOnPhone: []CaseState{
			{CaseID: "stray"},
		},
	}

	log := FromLegacyLog(legacy)

	require.Equal(t, LogFormatSimplified, log.LogFormat)
	require.Equal(t, NewIDSet("user-1"), log.OwnerIDs)
	require.True(t, log.CaseIDs.Has("baby"))
	require.True(t, log.CaseIDs.Has("mom"))
	// the unreferenced dependent is purged during migration
	require.False(t, log.CaseIDs.Has("stray"))
	require.Equal(t, "mom", log.IndexTree.Indices["baby"]["mother"])
}
