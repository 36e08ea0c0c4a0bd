package testutil

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/types"
)

// SeedChannel creates a channel with a main tree root and a trash tree root.
func SeedChannel(tb testing.TB, ctx context.Context, db *gorm.DB, name string) (*types.Channel, *types.ContentNode) {
	tb.Helper()
	engine := tree.NewEngine(db, Logger(tb))

	ch := &types.Channel{ID: uuid.New(), Name: name, Language: "en"}
	if err := db.WithContext(ctx).Create(ch).Error; err != nil {
		tb.Fatalf("seed channel: %v", err)
	}

	root, err := engine.CreateRoot(ctx, &types.ContentNode{
		ChannelID: &ch.ID,
		Kind:      types.KindTopic,
		Title:     name,
	})
	if err != nil {
		tb.Fatalf("seed main tree root: %v", err)
	}
	trash, err := engine.CreateRoot(ctx, &types.ContentNode{
		ChannelID: &ch.ID,
		Kind:      types.KindTopic,
		Title:     name + " trash",
	})
	if err != nil {
		tb.Fatalf("seed trash tree root: %v", err)
	}
	err = db.WithContext(ctx).Model(ch).Updates(map[string]interface{}{
		"main_tree_id":  root.ID,
		"trash_tree_id": trash.ID,
	}).Error
	if err != nil {
		tb.Fatalf("link channel trees: %v", err)
	}
	ch.MainTreeID = &root.ID
	ch.TrashTreeID = &trash.ID
	return ch, root
}

// SeedNode adds a child node of the given kind under parent.
func SeedNode(tb testing.TB, ctx context.Context, db *gorm.DB, parent *types.ContentNode, kind, title string) *types.ContentNode {
	tb.Helper()
	engine := tree.NewEngine(db, Logger(tb))
	node, err := engine.AddChild(ctx, parent.ID, &types.ContentNode{
		Kind:  kind,
		Title: title,
	}, tree.PositionLastChild)
	if err != nil {
		tb.Fatalf("seed node %q: %v", title, err)
	}
	return node
}

// SeedFile attaches a file row to a node.
func SeedFile(tb testing.TB, ctx context.Context, db *gorm.DB, nodeID uuid.UUID, checksum, preset string, size int64) *types.File {
	tb.Helper()
	f := &types.File{
		ID:            uuid.New(),
		Checksum:      checksum,
		FileSize:      size,
		Extension:     "mp4",
		Preset:        preset,
		ContentNodeID: &nodeID,
	}
	if err := db.WithContext(ctx).Create(f).Error; err != nil {
		tb.Fatalf("seed file: %v", err)
	}
	return f
}

// SeedAssessmentItem attaches a question to an exercise node.
func SeedAssessmentItem(tb testing.TB, ctx context.Context, db *gorm.DB, nodeID uuid.UUID, itemType string, answers []types.Answer) *types.AssessmentItem {
	tb.Helper()
	raw, err := json.Marshal(answers)
	if err != nil {
		tb.Fatalf("marshal answers: %v", err)
	}
	item := &types.AssessmentItem{
		ID:            uuid.New(),
		ContentNodeID: nodeID,
		AssessmentID:  uuid.New(),
		Type:          itemType,
		Question:      "What is the answer?",
		Answers:       datatypes.JSON(raw),
		Order:         1,
	}
	if err := db.WithContext(ctx).Create(item).Error; err != nil {
		tb.Fatalf("seed assessment item: %v", err)
	}
	return item
}

// Reload fetches the current row for a node.
func Reload(tb testing.TB, ctx context.Context, db *gorm.DB, id uuid.UUID) *types.ContentNode {
	tb.Helper()
	var node types.ContentNode
	if err := db.WithContext(ctx).Where("id = ?", id).First(&node).Error; err != nil {
		tb.Fatalf("reload node %s: %v", id, err)
	}
	return &node
}
