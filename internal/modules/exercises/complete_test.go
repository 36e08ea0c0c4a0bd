package exercises_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/learningequality/studio-backend/internal/modules/exercises"
	"github.com/learningequality/studio-backend/internal/types"
)

func item(t *testing.T, itemType string, answers []types.Answer) *types.AssessmentItem {
	t.Helper()
	raw, err := json.Marshal(answers)
	if err != nil {
		t.Fatalf("marshal answers: %v", err)
	}
	return &types.AssessmentItem{
		ID:           uuid.New(),
		AssessmentID: uuid.New(),
		Type:         itemType,
		Question:     "What is the answer?",
		Answers:      datatypes.JSON(raw),
	}
}

func TestIsItemValidPerType(t *testing.T) {
	correct := []types.Answer{{Answer: "yes", Correct: true}}
	incorrectOnly := []types.Answer{{Answer: "no", Correct: false}}

	cases := []struct {
		name string
		item *types.AssessmentItem
		want bool
	}{
		{"selection with correct", item(t, types.ItemTypeSingleSelection, correct), true},
		{"selection without correct", item(t, types.ItemTypeSingleSelection, incorrectOnly), false},
		{"multiple selection without correct", item(t, types.ItemTypeMultipleSelection, incorrectOnly), false},
		{"true/false with correct", item(t, types.ItemTypeTrueFalse, correct), true},
		// Input items only need an answer present; correctness is not
		// required for them.
		{"input with incorrect answer", item(t, types.ItemTypeInputQuestion, incorrectOnly), true},
		{"input with no answers", item(t, types.ItemTypeInputQuestion, nil), false},
		{"free response", item(t, types.ItemTypeFreeResponse, nil), true},
		{"unknown type", item(t, "essay", correct), false},
	}
	for _, tc := range cases {
		if got := exercises.IsItemValid(tc.item); got != tc.want {
			t.Errorf("%s: valid = %v, want %v", tc.name, got, tc.want)
		}
	}

	free := item(t, types.ItemTypeFreeResponse, nil)
	free.Question = "   "
	if exercises.IsItemValid(free) {
		t.Errorf("free response with blank question must be invalid")
	}

	deleted := item(t, types.ItemTypeSingleSelection, correct)
	deleted.Deleted = true
	if exercises.IsItemValid(deleted) {
		t.Errorf("deleted item must be invalid")
	}

	perseus := item(t, types.ItemTypePerseusQuestion, nil)
	perseus.RawData = `{"question": {}}`
	if !exercises.IsItemValid(perseus) {
		t.Errorf("perseus item with raw data must be valid")
	}
}

func TestMarkCompleteLegacyExerciseScenario(t *testing.T) {
	raw, err := json.Marshal(map[string]interface{}{
		"mastery_model": exercises.MasteryMOfN,
		"m":             3,
		"n":             5,
	})
	if err != nil {
		t.Fatalf("marshal extra fields: %v", err)
	}
	parent := uuid.New()
	node := &types.ContentNode{
		Kind:        types.KindExercise,
		Title:       "Fractions quiz",
		ParentID:    &parent,
		ExtraFields: datatypes.JSON(raw),
	}
	items := []*types.AssessmentItem{
		item(t, types.ItemTypeSingleSelection, []types.Answer{{Answer: "1/2", Correct: true}}),
	}

	if !exercises.MarkComplete(node, items, nil) {
		t.Fatalf("exercise with legacy mastery and one valid item must be complete")
	}

	migrated := exercises.MigrateExtraFieldsJSON(node.ExtraFields)
	mastery, err := exercises.ResolveMasteryModel(migrated, len(items))
	if err != nil {
		t.Fatalf("resolve migrated mastery: %v", err)
	}
	if mastery.Model != exercises.MasteryMOfN || mastery.M != 3 || mastery.N != 5 {
		t.Fatalf("migrated mastery = %+v, want m_of_n 3/5", mastery)
	}
}

func TestMarkCompleteExerciseEdges(t *testing.T) {
	parent := uuid.New()
	base := func() *types.ContentNode {
		raw, _ := json.Marshal(map[string]interface{}{"mastery_model": exercises.MasteryDoAll})
		return &types.ContentNode{
			Kind:        types.KindExercise,
			Title:       "quiz",
			ParentID:    &parent,
			ExtraFields: datatypes.JSON(raw),
		}
	}
	valid := item(t, types.ItemTypeSingleSelection, []types.Answer{{Answer: "x", Correct: true}})

	if exercises.MarkComplete(base(), nil, nil) {
		t.Fatalf("exercise with zero items must not be complete")
	}

	node := base()
	node.ExtraFields = nil
	if exercises.MarkComplete(node, []*types.AssessmentItem{valid}, nil) {
		t.Fatalf("exercise without mastery model must not be complete")
	}

	deleted := item(t, types.ItemTypeSingleSelection, []types.Answer{{Answer: "x", Correct: true}})
	deleted.Deleted = true
	if exercises.MarkComplete(base(), []*types.AssessmentItem{deleted}, nil) {
		t.Fatalf("only-deleted items must not count")
	}

	// Determinism: same state, same verdict.
	n := base()
	first := exercises.MarkComplete(n, []*types.AssessmentItem{valid}, nil)
	second := exercises.MarkComplete(n, []*types.AssessmentItem{valid}, nil)
	if first != second || !first {
		t.Fatalf("mark complete not deterministic: %v then %v", first, second)
	}
}

func TestMarkCompleteResourceLicenseRules(t *testing.T) {
	parent := uuid.New()
	licID := uuid.New()
	node := func() *types.ContentNode {
		return &types.ContentNode{
			Kind:      types.KindVideo,
			Title:     "Intro",
			ParentID:  &parent,
			LicenseID: &licID,
		}
	}

	plain := &types.License{LicenseName: "Public Domain"}
	if !exercises.MarkComplete(node(), nil, plain) {
		t.Fatalf("video with plain license must be complete")
	}
	if exercises.MarkComplete(node(), nil, nil) {
		t.Fatalf("video without license must be incomplete")
	}

	custom := &types.License{LicenseName: "Custom", IsCustom: true}
	if exercises.MarkComplete(node(), nil, custom) {
		t.Fatalf("custom license without description must be incomplete")
	}
	withDesc := node()
	withDesc.LicenseDescription = "Internal use only"
	if !exercises.MarkComplete(withDesc, nil, custom) {
		t.Fatalf("custom license with description must be complete")
	}

	strict := &types.License{LicenseName: "CC BY", CopyrightHolderRequired: true}
	if exercises.MarkComplete(node(), nil, strict) {
		t.Fatalf("copyright-holder-required license without holder must be incomplete")
	}
	withHolder := node()
	withHolder.CopyrightHolder = "Learning Equality"
	if !exercises.MarkComplete(withHolder, nil, strict) {
		t.Fatalf("copyright holder present must satisfy the rule")
	}

	untitled := node()
	untitled.Title = ""
	if exercises.MarkComplete(untitled, nil, plain) {
		t.Fatalf("untitled resource must be incomplete")
	}
}

func TestMarkCompleteTopics(t *testing.T) {
	root := &types.ContentNode{Kind: types.KindTopic}
	if !exercises.MarkComplete(root, nil, nil) {
		t.Fatalf("root topic is always complete")
	}

	parent := uuid.New()
	child := &types.ContentNode{Kind: types.KindTopic, ParentID: &parent}
	if exercises.MarkComplete(child, nil, nil) {
		t.Fatalf("untitled non-root topic must be incomplete")
	}
	child.Title = "Algebra"
	if !exercises.MarkComplete(child, nil, nil) {
		t.Fatalf("titled topic must be complete")
	}
}
