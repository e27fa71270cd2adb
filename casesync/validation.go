// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package casesync

import (
	"fmt"
)

// validateBatch checks the submission envelope. Failures here reject the
// whole batch; per-case problems are handled block by block instead.
func validateBatch(batch *SubmissionBatch) error {
	if batch == nil {
		return fmt.Errorf("nil submission")
	}
	if batch.FormID == "" {
		return fmt.Errorf("submission missing form_id")
	}
	if batch.UserID == "" {
		return fmt.Errorf("submission missing user_id")
	}
	if batch.DeviceID == "" {
		return fmt.Errorf("submission missing device_id")
	}
	return nil
}

// validateBlock checks one case block's shape before any store access.
func validateBlock(b *CaseBlock) error {
	if b.CaseID == "" {
		return fmt.Errorf("case block missing case_id")
	}
	if b.Create != nil {
		var missing []string
		if b.Create.CaseType == "" {
			missing = append(missing, "case_type")
		}
		if b.Create.CaseName == "" {
			missing = append(missing, "case_name")
		}
		if len(missing) > 0 {
			return &MissingRequiredFieldError{CaseID: b.CaseID, Fields: missing}
		}
	}
	for _, idx := range b.Indices {
		if idx.Identifier == "" {
			return fmt.Errorf("case %s: index update missing identifier", b.CaseID)
		}
		if idx.ReferencedID != "" {
			switch idx.Relationship {
			case "", RelationshipChild, RelationshipExtension:
			default:
				return fmt.Errorf("case %s: unknown index relationship %q", b.CaseID, idx.Relationship)
			}
		}
	}
	return nil
}
