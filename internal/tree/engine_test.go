package tree_test

import (
	"context"
	"errors"
	"testing"

	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/testutil"
	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/types"
)

// assertValidNestedSet checks the nested-set invariant for a whole tree:
// rght == lft + 2*descendants + 1 for every node, and no two distinct nodes
// partially overlap.
func assertValidNestedSet(t *testing.T, ctx context.Context, db *gorm.DB, treeID int64) {
	t.Helper()
	var nodes []*types.ContentNode
	if err := db.WithContext(ctx).Where("tree_id = ?", treeID).Order("lft ASC").Find(&nodes).Error; err != nil {
		t.Fatalf("load tree %d: %v", treeID, err)
	}
	if len(nodes) == 0 {
		t.Fatalf("tree %d is empty", treeID)
	}
	for _, n := range nodes {
		if n.Lft >= n.Rght {
			t.Fatalf("node %q has inverted bounds [%d, %d]", n.Title, n.Lft, n.Rght)
		}
		descendants := int64(0)
		for _, m := range nodes {
			if m.ID == n.ID {
				continue
			}
			if m.Lft > n.Lft && m.Rght < n.Rght {
				descendants++
			}
		}
		if want := n.Lft + 2*descendants + 1; n.Rght != want {
			t.Fatalf("node %q rght=%d, want %d (lft=%d descendants=%d)", n.Title, n.Rght, want, n.Lft, descendants)
		}
		if n.ParentID != nil {
			var parent *types.ContentNode
			for _, m := range nodes {
				if m.ID == *n.ParentID {
					parent = m
					break
				}
			}
			if parent == nil {
				t.Fatalf("node %q has parent outside tree", n.Title)
			}
			if n.Level != parent.Level+1 {
				t.Fatalf("node %q level=%d, parent level=%d", n.Title, n.Level, parent.Level)
			}
		}
	}
	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			disjoint := a.Rght < b.Lft || b.Rght < a.Lft
			aInB := a.Lft > b.Lft && a.Rght < b.Rght
			bInA := b.Lft > a.Lft && b.Rght < a.Rght
			if !disjoint && !aInB && !bInA {
				t.Fatalf("nodes %q [%d,%d] and %q [%d,%d] partially overlap", a.Title, a.Lft, a.Rght, b.Title, b.Lft, b.Rght)
			}
		}
	}
}

func TestAddChildMaintainsInvariant(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := tree.NewEngine(db, testutil.Logger(t))
	_, root := testutil.SeedChannel(t, ctx, db, "channel")

	topic := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "topic")
	for i := 0; i < 5; i++ {
		testutil.SeedNode(t, ctx, db, topic, types.KindVideo, "video")
	}
	testutil.SeedNode(t, ctx, db, root, types.KindDocument, "doc")

	assertValidNestedSet(t, ctx, db, root.TreeID)

	// first-child insert lands before existing children.
	first, err := engine.AddChild(ctx, topic.ID, &types.ContentNode{Kind: types.KindVideo, Title: "first"}, tree.PositionFirstChild)
	if err != nil {
		t.Fatalf("add first child: %v", err)
	}
	assertValidNestedSet(t, ctx, db, root.TreeID)

	children, err := engine.GetChildren(ctx, testutil.Reload(t, ctx, db, topic.ID))
	if err != nil {
		t.Fatalf("get children: %v", err)
	}
	if len(children) != 6 {
		t.Fatalf("expected 6 children, got %d", len(children))
	}
	if children[0].ID != first.ID {
		t.Fatalf("expected %q first, got %q", first.Title, children[0].Title)
	}
}

func TestAddChildInvalidPosition(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := tree.NewEngine(db, testutil.Logger(t))
	_, root := testutil.SeedChannel(t, ctx, db, "channel")

	_, err := engine.AddChild(ctx, root.ID, &types.ContentNode{Kind: types.KindVideo}, tree.Position("sideways"))
	if !errors.Is(err, tree.ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
}

func TestGetAncestorsOrdered(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := tree.NewEngine(db, testutil.Logger(t))
	_, root := testutil.SeedChannel(t, ctx, db, "channel")

	a := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "a")
	b := testutil.SeedNode(t, ctx, db, a, types.KindTopic, "b")
	leaf := testutil.SeedNode(t, ctx, db, b, types.KindVideo, "leaf")

	ancestors, err := engine.GetAncestors(ctx, testutil.Reload(t, ctx, db, leaf.ID), false)
	if err != nil {
		t.Fatalf("get ancestors: %v", err)
	}
	if len(ancestors) != 3 {
		t.Fatalf("expected 3 ancestors, got %d", len(ancestors))
	}
	want := []string{root.Title, "a", "b"}
	for i, n := range ancestors {
		if n.Title != want[i] {
			t.Fatalf("ancestor %d = %q, want %q", i, n.Title, want[i])
		}
	}

	withSelf, err := engine.GetAncestors(ctx, testutil.Reload(t, ctx, db, leaf.ID), true)
	if err != nil {
		t.Fatalf("get ancestors with self: %v", err)
	}
	if len(withSelf) != 4 || withSelf[3].ID != leaf.ID {
		t.Fatalf("expected self last, got %d ancestors", len(withSelf))
	}
}

func TestGetDescendantsRangeScan(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := tree.NewEngine(db, testutil.Logger(t))
	_, root := testutil.SeedChannel(t, ctx, db, "channel")

	topic := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "topic")
	for i := 0; i < 3; i++ {
		sub := testutil.SeedNode(t, ctx, db, topic, types.KindTopic, "sub")
		testutil.SeedNode(t, ctx, db, sub, types.KindVideo, "v")
	}
	other := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "other")
	testutil.SeedNode(t, ctx, db, other, types.KindVideo, "elsewhere")

	descendants, err := engine.GetDescendants(ctx, testutil.Reload(t, ctx, db, topic.ID), false)
	if err != nil {
		t.Fatalf("get descendants: %v", err)
	}
	if len(descendants) != 6 {
		t.Fatalf("expected 6 descendants, got %d", len(descendants))
	}
	for _, d := range descendants {
		if d.Title == "elsewhere" {
			t.Fatalf("descendant scan leaked into sibling subtree")
		}
	}
}

func TestChangePropagationToRoot(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	engine := tree.NewEngine(db, testutil.Logger(t))
	_, root := testutil.SeedChannel(t, ctx, db, "channel")

	a := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "a")
	b := testutil.SeedNode(t, ctx, db, a, types.KindTopic, "b")
	leaf := testutil.SeedNode(t, ctx, db, b, types.KindVideo, "leaf")

	// Simulate a completed publish: everything clean.
	if err := db.Model(&types.ContentNode{}).Where("tree_id = ?", root.TreeID).Update("changed", false).Error; err != nil {
		t.Fatalf("reset changed: %v", err)
	}

	if err := engine.ApplyEdit(ctx, leaf.ID, map[string]interface{}{"title": "renamed"}); err != nil {
		t.Fatalf("apply edit: %v", err)
	}

	for _, id := range []struct {
		name string
		node *types.ContentNode
	}{{"leaf", leaf}, {"b", b}, {"a", a}, {"root", root}} {
		if !testutil.Reload(t, ctx, db, id.node.ID).Changed {
			t.Fatalf("expected %s to be marked changed", id.name)
		}
	}
}

