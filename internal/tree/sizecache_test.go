package tree_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/testutil"
	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/types"
)

func TestResourceSizeDeduplicatesByChecksum(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	cache := tree.NewSizeCache(db, testutil.Logger(t), nil)
	_, root := testutil.SeedChannel(t, ctx, db, "sizes")

	topic := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "topic")
	v1 := testutil.SeedNode(t, ctx, db, topic, types.KindVideo, "v1")
	v2 := testutil.SeedNode(t, ctx, db, topic, types.KindVideo, "v2")
	v3 := testutil.SeedNode(t, ctx, db, topic, types.KindVideo, "v3")

	// v1 and v2 share a checksum; the bytes are stored once.
	testutil.SeedFile(t, ctx, db, v1.ID, "abc123", types.PresetVideoHighRes, 1000)
	testutil.SeedFile(t, ctx, db, v2.ID, "abc123", types.PresetVideoHighRes, 1000)
	testutil.SeedFile(t, ctx, db, v3.ID, "def456", types.PresetVideoHighRes, 500)

	got, err := cache.ResourceSize(ctx, testutil.Reload(t, ctx, db, root.ID), false)
	if err != nil {
		t.Fatalf("resource size: %v", err)
	}
	if got.Size != 1500 {
		t.Fatalf("size = %d, want 1500 (shared checksum counted once)", got.Size)
	}
	if got.Stale {
		t.Fatalf("small subtree must not return stale")
	}
}

func TestResourceSizeIncludesAssessmentFiles(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	cache := tree.NewSizeCache(db, testutil.Logger(t), nil)
	_, root := testutil.SeedChannel(t, ctx, db, "exercise-sizes")

	exercise := testutil.SeedNode(t, ctx, db, root, types.KindExercise, "quiz")
	item := testutil.SeedAssessmentItem(t, ctx, db, exercise.ID, types.ItemTypeSingleSelection, []types.Answer{{Answer: "yes", Correct: true, Order: 1}})

	f := &types.File{
		ID:               uuid.New(),
		Checksum:         "fedcba",
		FileSize:         250,
		Extension:        "png",
		Preset:           types.PresetExerciseImage,
		AssessmentItemID: &item.ID,
	}
	if err := db.WithContext(ctx).Create(f).Error; err != nil {
		t.Fatalf("seed assessment file: %v", err)
	}

	got, err := cache.ResourceSize(ctx, testutil.Reload(t, ctx, db, root.ID), false)
	if err != nil {
		t.Fatalf("resource size: %v", err)
	}
	if got.Size != 250 {
		t.Fatalf("size = %d, want 250", got.Size)
	}
}

func TestResourceSizeStaleWhenOversized(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	cache := tree.NewSizeCache(db, testutil.Logger(t), nil)
	_, root := testutil.SeedChannel(t, ctx, db, "oversized")

	video := testutil.SeedNode(t, ctx, db, root, types.KindVideo, "v")
	testutil.SeedFile(t, ctx, db, video.ID, "aaa111", types.PresetVideoHighRes, 700)

	// Warm the cache while the subtree is still under the threshold.
	if _, err := cache.ResourceSize(ctx, testutil.Reload(t, ctx, db, root.ID), false); err != nil {
		t.Fatalf("warm: %v", err)
	}

	// New content invalidates freshness; with the threshold floored, an
	// unforced read must fall back to the cached value and flag it.
	other := testutil.SeedNode(t, ctx, db, root, types.KindVideo, "w")
	testutil.SeedFile(t, ctx, db, other.ID, "bbb222", types.PresetVideoHighRes, 300)
	cache.UnforcedThreshold = 0

	got, err := cache.ResourceSize(ctx, testutil.Reload(t, ctx, db, root.ID), false)
	if err != nil {
		t.Fatalf("unforced read: %v", err)
	}
	if !got.Stale {
		t.Fatalf("expected stale result past threshold")
	}
	if got.Size != 700 {
		t.Fatalf("stale size = %d, want cached 700", got.Size)
	}

	forced, err := cache.ResourceSize(ctx, testutil.Reload(t, ctx, db, root.ID), true)
	if err != nil {
		t.Fatalf("forced read: %v", err)
	}
	if forced.Stale || forced.Size != 1000 {
		t.Fatalf("forced read = %+v, want fresh 1000", forced)
	}
}

func TestResourceSizeCacheFreshness(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	cache := tree.NewSizeCache(db, testutil.Logger(t), nil)
	_, root := testutil.SeedChannel(t, ctx, db, "freshness")

	video := testutil.SeedNode(t, ctx, db, root, types.KindVideo, "v")
	testutil.SeedFile(t, ctx, db, video.ID, "ccc333", types.PresetVideoHighRes, 128)

	first, err := cache.ResourceSize(ctx, testutil.Reload(t, ctx, db, root.ID), false)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}

	// A file-only change does not bump any node modified_at, so the cached
	// aggregate is still considered fresh and served as-is.
	testutil.SeedFile(t, ctx, db, video.ID, "ddd444", types.PresetVideoHighRes, 64)
	second, err := cache.ResourceSize(ctx, testutil.Reload(t, ctx, db, root.ID), false)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if second.Size != first.Size {
		t.Fatalf("cache served %d after %d without invalidation", second.Size, first.Size)
	}

	// Touching the node invalidates the entry.
	if err := db.WithContext(ctx).Model(&types.ContentNode{}).
		Where("id = ?", video.ID).
		Update("modified_at", time.Now().Add(time.Minute)).Error; err != nil {
		t.Fatalf("touch: %v", err)
	}
	third, err := cache.ResourceSize(ctx, testutil.Reload(t, ctx, db, root.ID), false)
	if err != nil {
		t.Fatalf("third read: %v", err)
	}
	if third.Size != 192 {
		t.Fatalf("recomputed size = %d, want 192", third.Size)
	}
}

func TestResourceCountSkipsTopics(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	cache := tree.NewSizeCache(db, testutil.Logger(t), nil)
	_, root := testutil.SeedChannel(t, ctx, db, "counts")

	topic := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "topic")
	testutil.SeedNode(t, ctx, db, topic, types.KindVideo, "v")
	testutil.SeedNode(t, ctx, db, topic, types.KindDocument, "d")
	testutil.SeedNode(t, ctx, db, root, types.KindTopic, "empty-topic")

	count, err := cache.ResourceCount(ctx, testutil.Reload(t, ctx, db, root.ID))
	if err != nil {
		t.Fatalf("resource count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}
