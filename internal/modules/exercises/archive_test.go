package exercises_test

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/modules/exercises"
	"github.com/learningequality/studio-backend/internal/types"
)

func archiveNames(t *testing.T, a *exercises.Archive) map[string]bool {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(a.Data), int64(len(a.Data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	return names
}

func TestFormatSelection(t *testing.T) {
	selection := item(t, types.ItemTypeSingleSelection, []types.Answer{{Answer: "a", Correct: true}})
	free := item(t, types.ItemTypeFreeResponse, nil)

	if got := exercises.FormatFor([]*types.AssessmentItem{selection}); got != exercises.FormatPerseus {
		t.Fatalf("selection-only items chose %s, want perseus", got)
	}
	if got := exercises.FormatFor([]*types.AssessmentItem{selection, free}); got != exercises.FormatQTI {
		t.Fatalf("free response present chose %s, want qti", got)
	}

	deletedFree := item(t, types.ItemTypeFreeResponse, nil)
	deletedFree.Deleted = true
	if got := exercises.FormatFor([]*types.AssessmentItem{selection, deletedFree}); got != exercises.FormatPerseus {
		t.Fatalf("deleted free response must not force qti")
	}
}

func TestBuildPerseusArchive(t *testing.T) {
	node := &types.ContentNode{
		NodeID: uuid.New(),
		Kind:   types.KindExercise,
		Title:  "Perseus quiz",
	}
	q1 := item(t, types.ItemTypeSingleSelection, []types.Answer{{Answer: "a", Correct: true}})
	q2 := item(t, types.ItemTypeInputQuestion, []types.Answer{{Answer: "42"}})
	deleted := item(t, types.ItemTypeSingleSelection, nil)
	deleted.Deleted = true

	archive, err := exercises.BuildArchive(node, []*types.AssessmentItem{q1, q2, deleted})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if archive.Format != exercises.FormatPerseus {
		t.Fatalf("format = %s, want perseus", archive.Format)
	}
	if archive.Checksum == "" {
		t.Fatalf("archive has no checksum")
	}

	names := archiveNames(t, archive)
	if !names["exercise.json"] {
		t.Fatalf("missing manifest: %v", names)
	}
	if !names[q1.AssessmentID.String()+".json"] || !names[q2.AssessmentID.String()+".json"] {
		t.Fatalf("missing item entries: %v", names)
	}
	if names[deleted.AssessmentID.String()+".json"] {
		t.Fatalf("deleted item rendered into archive")
	}
}

func TestBuildQTIArchive(t *testing.T) {
	node := &types.ContentNode{
		NodeID: uuid.New(),
		Kind:   types.KindExercise,
		Title:  "Essay quiz",
	}
	free := item(t, types.ItemTypeFreeResponse, nil)

	archive, err := exercises.BuildArchive(node, []*types.AssessmentItem{free})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if archive.Format != exercises.FormatQTI {
		t.Fatalf("format = %s, want qti", archive.Format)
	}
	names := archiveNames(t, archive)
	if !names["imsmanifest.xml"] {
		t.Fatalf("missing manifest: %v", names)
	}
	if !names["items/"+free.AssessmentID.String()+".xml"] {
		t.Fatalf("missing item entry: %v", names)
	}
	if archive.Format.Preset() != types.PresetQTI {
		t.Fatalf("qti archives must attach under the qti preset")
	}
}

func TestBuildArchiveDeterministic(t *testing.T) {
	node := &types.ContentNode{
		NodeID: uuid.New(),
		Kind:   types.KindExercise,
		Title:  "Stable quiz",
	}
	q := item(t, types.ItemTypeSingleSelection, []types.Answer{{Answer: "a", Correct: true}})

	first, err := exercises.BuildArchive(node, []*types.AssessmentItem{q})
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := exercises.BuildArchive(node, []*types.AssessmentItem{q})
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if first.Checksum != second.Checksum {
		t.Fatalf("identical input produced different checksums: %s vs %s", first.Checksum, second.Checksum)
	}
}
