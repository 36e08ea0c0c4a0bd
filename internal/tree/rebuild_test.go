package tree_test

import (
	"context"
	"testing"

	"github.com/learningequality/studio-backend/internal/testutil"
	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/types"
)

func TestRebuildRestoresBoundaries(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := tree.NewEngine(db, testutil.Logger(t))
	_, root := testutil.SeedChannel(t, ctx, db, "rebuildable")

	topicA := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "topic-a")
	topicB := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "topic-b")
	a1 := testutil.SeedNode(t, ctx, db, topicA, types.KindVideo, "a1")
	testutil.SeedNode(t, ctx, db, topicA, types.KindVideo, "a2")
	testutil.SeedNode(t, ctx, db, topicB, types.KindDocument, "b1")

	want := map[string][2]int64{}
	var nodes []*types.ContentNode
	if err := db.WithContext(ctx).Where("tree_id = ?", root.TreeID).Find(&nodes).Error; err != nil {
		t.Fatalf("load tree: %v", err)
	}
	for _, n := range nodes {
		want[n.ID.String()] = [2]int64{n.Lft, n.Rght}
	}

	// Corrupt every boundary; parent_id and sort_order stay authoritative.
	if err := db.WithContext(ctx).Model(&types.ContentNode{}).
		Where("tree_id = ?", root.TreeID).
		Updates(map[string]interface{}{
			"lft":   9999,
			"rght":  0,
			"level": 42,
		}).Error; err != nil {
		t.Fatalf("scramble: %v", err)
	}

	if err := engine.Rebuild(ctx, root.TreeID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	assertValidNestedSet(t, ctx, db, root.TreeID)
	for id, bounds := range want {
		var n types.ContentNode
		if err := db.WithContext(ctx).Where("id = ?", id).First(&n).Error; err != nil {
			t.Fatalf("reload %s: %v", id, err)
		}
		if n.Lft != bounds[0] || n.Rght != bounds[1] {
			t.Fatalf("node %s rebuilt to [%d,%d], want [%d,%d]", id, n.Lft, n.Rght, bounds[0], bounds[1])
		}
	}
	if testutil.Reload(t, ctx, db, root.ID).Level != 0 {
		t.Fatalf("root level not restored")
	}
	if testutil.Reload(t, ctx, db, a1.ID).Level != 2 {
		t.Fatalf("leaf level not restored")
	}
}

func TestRebuildSortOrderWins(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := tree.NewEngine(db, testutil.Logger(t))
	_, root := testutil.SeedChannel(t, ctx, db, "reorder")

	first := testutil.SeedNode(t, ctx, db, root, types.KindVideo, "first")
	second := testutil.SeedNode(t, ctx, db, root, types.KindVideo, "second")

	// Swap the declared ordering without touching boundaries, then rebuild.
	if err := db.WithContext(ctx).Model(&types.ContentNode{}).
		Where("id = ?", first.ID).Update("sort_order", 10).Error; err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if err := engine.Rebuild(ctx, root.TreeID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	children, err := engine.GetChildren(ctx, testutil.Reload(t, ctx, db, root.ID))
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 2 || children[0].ID != second.ID || children[1].ID != first.ID {
		t.Fatalf("rebuild did not honor sort_order")
	}
	if children[0].Lft >= children[1].Lft {
		t.Fatalf("boundaries disagree with sibling order")
	}
}
