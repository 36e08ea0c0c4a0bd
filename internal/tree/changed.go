package tree

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/types"
)

// MarkChanged flags the node dirty and propagates the flag to every strict
// ancestor in the same tree, within the caller's transaction. Every content
// mutation must call this in the same transaction as the field write so no
// reader ever observes a changed child under an unchanged ancestor.
func (e *Engine) MarkChanged(ctx context.Context, tx *gorm.DB, node *types.ContentNode) error {
	transaction := tx
	if transaction == nil {
		transaction = e.db
	}
	now := time.Now()
	err := transaction.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("id = ?", node.ID).
		Updates(map[string]interface{}{
			"changed":     true,
			"modified_at": now,
			"updated_at":  now,
		}).Error
	if err != nil {
		return err
	}
	return e.markAncestorsChanged(ctx, transaction, node)
}

// markAncestorsChanged sets changed on strict ancestors via a single
// containment-range update. Ancestors' modified_at is left alone: the
// size-cache freshness check keys off descendant content, and a child edit
// already bumps the child's own modified_at.
func (e *Engine) markAncestorsChanged(ctx context.Context, tx *gorm.DB, node *types.ContentNode) error {
	return tx.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("tree_id = ? AND lft < ? AND rght > ?", node.TreeID, node.Lft, node.Rght).
		Updates(map[string]interface{}{
			"changed":    true,
			"updated_at": time.Now(),
		}).Error
}

// ApplyEdit updates editable fields on a node and marks the change chain.
// Fields that never require a republish (channel visibility lives on the
// channel row, not here) must not come through this path.
func (e *Engine) ApplyEdit(ctx context.Context, nodeID uuid.UUID, updates map[string]interface{}) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node types.ContentNode
		if err := tx.Where("id = ?", nodeID).First(&node).Error; err != nil {
			return err
		}
		if err := e.LockTrees(tx, node.TreeID); err != nil {
			return err
		}
		if len(updates) > 0 {
			if err := tx.Model(&types.ContentNode{}).Where("id = ?", node.ID).Updates(updates).Error; err != nil {
				return err
			}
		}
		return e.MarkChanged(ctx, tx, &node)
	})
}
