package copysync_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/modules/copysync"
	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/testutil"
	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/types"
)

func newEngine(tb testing.TB, db *gorm.DB) *copysync.Engine {
	tb.Helper()
	log := testutil.Logger(tb)
	return copysync.NewEngine(
		db,
		tree.NewEngine(db, log),
		repos.NewAssessmentItemRepo(db, log),
		repos.NewFileRepo(db, log),
		repos.NewContentTagRepo(db, log),
		log,
	)
}

func TestCopyFidelity(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := newEngine(t, db)
	tags := repos.NewContentTagRepo(db, testutil.Logger(t))

	_, srcRoot := testutil.SeedChannel(t, ctx, db, "source")
	_, dstRoot := testutil.SeedChannel(t, ctx, db, "destination")

	topic := testutil.SeedNode(t, ctx, db, srcRoot, types.KindTopic, "unit")
	video := testutil.SeedNode(t, ctx, db, topic, types.KindVideo, "lecture")
	exercise := testutil.SeedNode(t, ctx, db, topic, types.KindExercise, "quiz")
	testutil.SeedFile(t, ctx, db, video.ID, "aaa111", types.PresetVideoHighRes, 900)
	item := testutil.SeedAssessmentItem(t, ctx, db, exercise.ID, types.ItemTypeSingleSelection,
		[]types.Answer{{Answer: "yes", Correct: true, Order: 1}})

	tag, err := tags.GetOrCreate(ctx, nil, "physics", video.ChannelID)
	if err != nil {
		t.Fatalf("seed tag: %v", err)
	}
	if err := tags.AttachToNode(ctx, nil, video.ID, tag.ID); err != nil {
		t.Fatalf("attach tag: %v", err)
	}

	cloneRoot, err := engine.Copy(ctx, copysync.CopyRequest{
		SourceID:             topic.ID,
		TargetID:             dstRoot.ID,
		CanEditSourceChannel: true,
		BatchSize:            2,
	})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}

	if cloneRoot.NodeID == topic.NodeID {
		t.Fatalf("clone kept the source node_id")
	}
	if cloneRoot.ContentID != topic.ContentID {
		t.Fatalf("unmodified clone must keep the source content_id")
	}
	if !cloneRoot.Changed || cloneRoot.Published {
		t.Fatalf("clone must start changed and unpublished")
	}
	if cloneRoot.FreezeAuthoringData {
		t.Fatalf("editable source must not freeze the clone")
	}

	treeEngine := tree.NewEngine(db, testutil.Logger(t))
	clones, err := treeEngine.GetDescendants(ctx, testutil.Reload(t, ctx, db, cloneRoot.ID), true)
	if err != nil {
		t.Fatalf("clone descendants: %v", err)
	}
	if len(clones) != 3 {
		t.Fatalf("clone has %d nodes, want 3", len(clones))
	}

	var clonedVideo, clonedExercise *types.ContentNode
	for _, c := range clones {
		switch c.Title {
		case "lecture":
			clonedVideo = c
		case "quiz":
			clonedExercise = c
		}
	}
	if clonedVideo == nil || clonedExercise == nil {
		t.Fatalf("descendants missing from clone")
	}

	// File rows are duplicated with the same checksum, never shared.
	var files []*types.File
	if err := db.WithContext(ctx).Where("content_node_id = ?", clonedVideo.ID).Find(&files).Error; err != nil {
		t.Fatalf("clone files: %v", err)
	}
	if len(files) != 1 || files[0].Checksum != "aaa111" {
		t.Fatalf("clone files = %+v, want one row with source checksum", files)
	}

	// Assessment items keep assessment_id, get fresh row ids.
	var items []*types.AssessmentItem
	if err := db.WithContext(ctx).Where("content_node_id = ?", clonedExercise.ID).Find(&items).Error; err != nil {
		t.Fatalf("clone items: %v", err)
	}
	if len(items) != 1 || items[0].AssessmentID != item.AssessmentID || items[0].ID == item.ID {
		t.Fatalf("clone items = %+v, want new row keeping assessment_id %s", items, item.AssessmentID)
	}

	// Tags are reused by name, not duplicated.
	cloneTags, err := tags.GetForNode(ctx, nil, clonedVideo.ID)
	if err != nil {
		t.Fatalf("clone tags: %v", err)
	}
	if len(cloneTags) != 1 || cloneTags[0].TagName != "physics" {
		t.Fatalf("clone tags = %+v", cloneTags)
	}

	// The source subtree is untouched: still unchanged beyond its initial
	// state and no new rows under it.
	srcDesc, err := treeEngine.GetDescendants(ctx, testutil.Reload(t, ctx, db, topic.ID), true)
	if err != nil {
		t.Fatalf("source descendants: %v", err)
	}
	if len(srcDesc) != 3 {
		t.Fatalf("source subtree grew to %d nodes", len(srcDesc))
	}
}

func TestCopyProvenanceTransitivity(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := newEngine(t, db)

	chA, rootA := testutil.SeedChannel(t, ctx, db, "authoring")
	_, rootB := testutil.SeedChannel(t, ctx, db, "first-copy")
	_, rootC := testutil.SeedChannel(t, ctx, db, "second-copy")

	original := testutil.SeedNode(t, ctx, db, rootA, types.KindVideo, "origin")

	firstCopy, err := engine.Copy(ctx, copysync.CopyRequest{
		SourceID:             original.ID,
		TargetID:             rootB.ID,
		CanEditSourceChannel: true,
	})
	if err != nil {
		t.Fatalf("first copy: %v", err)
	}
	secondCopy, err := engine.Copy(ctx, copysync.CopyRequest{
		SourceID:             firstCopy.ID,
		TargetID:             rootC.ID,
		CanEditSourceChannel: true,
	})
	if err != nil {
		t.Fatalf("second copy: %v", err)
	}

	// original_* always points at the first authoring channel, even through
	// an intermediate copy; source_* points at the immediate origin.
	if secondCopy.OriginalChannelID == nil || *secondCopy.OriginalChannelID != chA.ID {
		t.Fatalf("original_channel_id = %v, want first authoring channel %s", secondCopy.OriginalChannelID, chA.ID)
	}
	if secondCopy.OriginalSourceNodeID == nil || *secondCopy.OriginalSourceNodeID != original.NodeID {
		t.Fatalf("original_source_node_id must reach back to the origin node")
	}
	if secondCopy.SourceNodeID == nil || *secondCopy.SourceNodeID != firstCopy.NodeID {
		t.Fatalf("source_node_id must point at the immediate copy origin")
	}
	if secondCopy.ClonedSourceID == nil || *secondCopy.ClonedSourceID != firstCopy.ID {
		t.Fatalf("cloned_source_id must point at the concrete source row")
	}
}

func TestCopyFreezeAndExclusions(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := newEngine(t, db)

	_, srcRoot := testutil.SeedChannel(t, ctx, db, "source")
	_, dstRoot := testutil.SeedChannel(t, ctx, db, "destination")

	topic := testutil.SeedNode(t, ctx, db, srcRoot, types.KindTopic, "unit")
	testutil.SeedNode(t, ctx, db, topic, types.KindVideo, "kept")
	excluded := testutil.SeedNode(t, ctx, db, topic, types.KindTopic, "excluded")
	testutil.SeedNode(t, ctx, db, excluded, types.KindVideo, "hidden")

	cloneRoot, err := engine.Copy(ctx, copysync.CopyRequest{
		SourceID:             topic.ID,
		TargetID:             dstRoot.ID,
		CanEditSourceChannel: false,
		ExcludedDescendants:  map[uuid.UUID]bool{excluded.NodeID: true},
	})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !cloneRoot.FreezeAuthoringData {
		t.Fatalf("copy without source edit rights must freeze authoring data")
	}

	treeEngine := tree.NewEngine(db, testutil.Logger(t))
	clones, err := treeEngine.GetDescendants(ctx, testutil.Reload(t, ctx, db, cloneRoot.ID), true)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if len(clones) != 2 {
		t.Fatalf("excluded subtree leaked into the clone: %d nodes", len(clones))
	}
	for _, c := range clones {
		if c.Title == "excluded" || c.Title == "hidden" {
			t.Fatalf("excluded node %q was cloned", c.Title)
		}
	}
}

func TestCopyModsDivergeContentID(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := newEngine(t, db)

	_, srcRoot := testutil.SeedChannel(t, ctx, db, "source")
	_, dstRoot := testutil.SeedChannel(t, ctx, db, "destination")
	video := testutil.SeedNode(t, ctx, db, srcRoot, types.KindVideo, "lecture")

	clone, err := engine.Copy(ctx, copysync.CopyRequest{
		SourceID:             video.ID,
		TargetID:             dstRoot.ID,
		CanEditSourceChannel: true,
		Mods:                 map[string]interface{}{"title": "lecture (remixed)"},
	})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	reloaded := testutil.Reload(t, ctx, db, clone.ID)
	if reloaded.Title != "lecture (remixed)" {
		t.Fatalf("mods not applied: %q", reloaded.Title)
	}
	if reloaded.ContentID == video.ContentID {
		t.Fatalf("modified clone must diverge its content_id")
	}
}

func TestContentIDIsolationBetweenCopies(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := newEngine(t, db)
	items := repos.NewAssessmentItemRepo(db, testutil.Logger(t))

	_, srcRoot := testutil.SeedChannel(t, ctx, db, "source")
	_, dstRoot := testutil.SeedChannel(t, ctx, db, "destination")
	exercise := testutil.SeedNode(t, ctx, db, srcRoot, types.KindExercise, "quiz")
	testutil.SeedAssessmentItem(t, ctx, db, exercise.ID, types.ItemTypeSingleSelection,
		[]types.Answer{{Answer: "yes", Correct: true, Order: 1}})

	clone, err := engine.Copy(ctx, copysync.CopyRequest{
		SourceID:             exercise.ID,
		TargetID:             dstRoot.ID,
		CanEditSourceChannel: true,
	})
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if clone.ContentID != exercise.ContentID {
		t.Fatalf("faithful copy must share the content_id")
	}

	// Editing an item on the ORIGINAL recomputes only the original's id.
	srcItems, err := items.GetByNodeID(ctx, nil, exercise.ID)
	if err != nil || len(srcItems) != 1 {
		t.Fatalf("source items: %v (%d)", err, len(srcItems))
	}
	raw, _ := json.Marshal([]types.Answer{{Answer: "no", Correct: true, Order: 1}})
	if err := items.UpdateFields(ctx, nil, srcItems[0].ID, map[string]interface{}{"answers": raw}); err != nil {
		t.Fatalf("edit source item: %v", err)
	}
	source := testutil.Reload(t, ctx, db, exercise.ID)
	if _, err := engine.RefreshContentID(ctx, nil, source); err != nil {
		t.Fatalf("refresh source content id: %v", err)
	}

	source = testutil.Reload(t, ctx, db, exercise.ID)
	cloneAfter := testutil.Reload(t, ctx, db, clone.ID)
	if source.ContentID == exercise.ContentID {
		t.Fatalf("item edit must diverge the original's content_id")
	}
	if cloneAfter.ContentID != clone.ContentID {
		t.Fatalf("editing the original must never change the copy's content_id")
	}
}
