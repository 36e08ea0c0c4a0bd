package exercises

import (
	"strings"

	"github.com/learningequality/studio-backend/internal/types"
)

// IsItemValid reports whether an assessment item is syntactically answerable.
// Validity depends on the item type: selection and true/false items need at
// least one option marked correct; free-response only needs a question;
// input items need at least one answer but, deliberately, not a correct one
// (graders compare against all listed answers for input items, so the
// correct flag carries no meaning there).
func IsItemValid(item *types.AssessmentItem) bool {
	if item == nil || item.Deleted {
		return false
	}
	switch item.Type {
	case types.ItemTypeSingleSelection, types.ItemTypeMultipleSelection, types.ItemTypeTrueFalse:
		for _, a := range item.AnswerList() {
			if a.Correct {
				return true
			}
		}
		return false
	case types.ItemTypeInputQuestion:
		return len(item.AnswerList()) > 0
	case types.ItemTypeFreeResponse:
		return strings.TrimSpace(item.Question) != ""
	case types.ItemTypePerseusQuestion:
		return strings.TrimSpace(item.RawData) != ""
	default:
		return false
	}
}

// MarkComplete computes the node's completeness from its current state.
// It is a pure predicate: no writes, no errors — malformed metadata simply
// reads as incomplete. license may be nil when the node has none attached,
// items may be nil for non-exercise kinds.
func MarkComplete(node *types.ContentNode, items []*types.AssessmentItem, license *types.License) bool {
	switch node.Kind {
	case types.KindTopic:
		// A root topic is the channel itself and is complete regardless of
		// title; every other topic needs one.
		if node.ParentID == nil {
			return true
		}
		return strings.TrimSpace(node.Title) != ""
	case types.KindExercise:
		return exerciseComplete(node, items)
	default:
		return resourceComplete(node, license)
	}
}

func exerciseComplete(node *types.ContentNode, items []*types.AssessmentItem) bool {
	if strings.TrimSpace(node.Title) == "" {
		return false
	}
	live := 0
	anyValid := false
	for _, item := range items {
		if item.Deleted {
			continue
		}
		live++
		if IsItemValid(item) {
			anyValid = true
		}
	}
	if live == 0 || !anyValid {
		return false
	}
	_, err := ResolveMasteryModel(MigrateExtraFieldsJSON(node.ExtraFields), live)
	return err == nil
}

func resourceComplete(node *types.ContentNode, license *types.License) bool {
	if strings.TrimSpace(node.Title) == "" {
		return false
	}
	if license == nil {
		return false
	}
	if license.IsCustom && strings.TrimSpace(node.LicenseDescription) == "" {
		return false
	}
	if license.CopyrightHolderRequired && strings.TrimSpace(node.CopyrightHolder) == "" {
		return false
	}
	return true
}
