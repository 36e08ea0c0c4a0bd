package tree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/types"
)

// AddChild inserts node as a child of parent. Only first-child and
// last-child (the default) are meaningful here; anything else is a usage
// error. The insertion opens a two-unit gap: parent and all ancestors grow
// their rght, and everything positioned after the insertion point shifts.
func (e *Engine) AddChild(ctx context.Context, parentID uuid.UUID, node *types.ContentNode, position Position) (*types.ContentNode, error) {
	if position == "" {
		position = PositionLastChild
	}
	if position != PositionFirstChild && position != PositionLastChild {
		return nil, fmt.Errorf("%w: %q is not a child position", ErrInvalidPosition, position)
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := e.reload(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if err := e.LockTrees(tx, parent.TreeID); err != nil {
			return err
		}
		return e.AddChildTx(ctx, tx, parentID, node, position)
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// AddChildTx is AddChild inside an existing transaction. The caller must
// already hold the tree lock for the parent's tree (bulk operations take the
// lock once and insert many children per round). The parent is re-read so
// boundaries are current even when the caller captured it before locking.
func (e *Engine) AddChildTx(ctx context.Context, tx *gorm.DB, parentID uuid.UUID, node *types.ContentNode, position Position) error {
	if position == "" {
		position = PositionLastChild
	}
	if position != PositionFirstChild && position != PositionLastChild {
		return fmt.Errorf("%w: %q is not a child position", ErrInvalidPosition, position)
	}
	parent, err := e.reload(ctx, tx, parentID)
	if err != nil {
		return err
	}

	var insertAt int64
	switch position {
	case PositionFirstChild:
		insertAt = parent.Lft + 1
	default:
		insertAt = parent.Rght
	}

	if err := openGap(ctx, tx, parent.TreeID, insertAt, 2); err != nil {
		return err
	}

	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	if node.NodeID == uuid.Nil {
		node.NodeID = uuid.New()
	}
	if node.ContentID == uuid.Nil {
		node.ContentID = uuid.New()
	}
	node.TreeID = parent.TreeID
	node.ParentID = &parent.ID
	node.ChannelID = parent.ChannelID
	node.Lft = insertAt
	node.Rght = insertAt + 1
	node.Level = parent.Level + 1
	if node.SortOrder == 0 {
		node.SortOrder, err = e.siblingSortOrder(ctx, tx, parent.ID, position)
		if err != nil {
			return err
		}
	}
	node.Changed = true
	node.Published = false
	if node.ModifiedAt.IsZero() {
		node.ModifiedAt = time.Now()
	}
	if err := tx.Create(node).Error; err != nil {
		return err
	}
	return e.MarkChanged(ctx, tx, node)
}

// siblingSortOrder picks a sort_order placing a new node first or last among
// the current children of parentID.
func (e *Engine) siblingSortOrder(ctx context.Context, tx *gorm.DB, parentID uuid.UUID, position Position) (float64, error) {
	var bound *float64
	agg := "MAX(sort_order)"
	if position == PositionFirstChild || position == PositionFirstSibling {
		agg = "MIN(sort_order)"
	}
	err := tx.WithContext(ctx).
		Model(&types.ContentNode{}).
		Select(agg).
		Where("parent_id = ?", parentID).
		Scan(&bound).Error
	if err != nil {
		return 0, err
	}
	if bound == nil {
		return 1, nil
	}
	if position == PositionFirstChild || position == PositionFirstSibling {
		return *bound - 1, nil
	}
	return *bound + 1, nil
}

// openGap shifts boundaries at or after position by width in the given tree.
func openGap(ctx context.Context, tx *gorm.DB, treeID, position, width int64) error {
	err := tx.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("tree_id = ? AND rght >= ?", treeID, position).
		Update("rght", gorm.Expr("rght + ?", width)).Error
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("tree_id = ? AND lft >= ?", treeID, position).
		Update("lft", gorm.Expr("lft + ?", width)).Error
}

// closeGap shifts boundaries strictly after rght down by width.
func closeGap(ctx context.Context, tx *gorm.DB, treeID, rght, width int64) error {
	err := tx.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("tree_id = ? AND rght > ?", treeID, rght).
		Update("rght", gorm.Expr("rght - ?", width)).Error
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("tree_id = ? AND lft > ?", treeID, rght).
		Update("lft", gorm.Expr("lft - ?", width)).Error
}

// Delete removes the node and its whole subtree and closes the boundary gap
// left behind. Ancestors are marked changed.
func (e *Engine) Delete(ctx context.Context, nodeID uuid.UUID) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		node, err := e.reload(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		if err := e.LockTrees(tx, node.TreeID); err != nil {
			return err
		}
		node, err = e.reload(ctx, tx, nodeID)
		if err != nil {
			return err
		}

		if err := e.markAncestorsChanged(ctx, tx, node); err != nil {
			return err
		}

		width := node.Rght - node.Lft + 1
		err = tx.WithContext(ctx).
			Where("tree_id = ? AND lft >= ? AND rght <= ?", node.TreeID, node.Lft, node.Rght).
			Delete(&types.ContentNode{}).Error
		if err != nil {
			return err
		}
		return closeGap(ctx, tx, node.TreeID, node.Rght, width)
	})
}

// MoveTo relocates a node (and its subtree) relative to target. Supports
// moves across trees: the subtree is parked under a reserved tree id with its
// internal structure intact, the source gap is closed, the destination gap is
// opened, and the parked rows are rewritten with new tree_id/level/lft/rght
// in one pass.
func (e *Engine) MoveTo(ctx context.Context, nodeID, targetID uuid.UUID, position Position) error {
	switch position {
	case PositionFirstChild, PositionLastChild, PositionLeft, PositionRight, PositionFirstSibling, PositionLastSibling:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPosition, position)
	}
	if nodeID == targetID {
		return ErrMoveIntoSelf
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		node, err := e.reload(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		target, err := e.reload(ctx, tx, targetID)
		if err != nil {
			return err
		}
		if err := e.LockTrees(tx, node.TreeID, target.TreeID); err != nil {
			return err
		}
		node, err = e.reload(ctx, tx, nodeID)
		if err != nil {
			return err
		}
		target, err = e.reload(ctx, tx, targetID)
		if err != nil {
			return err
		}

		if node.TreeID == target.TreeID && target.Lft >= node.Lft && target.Rght <= node.Rght {
			return ErrMoveIntoSelf
		}

		// Old ancestors lose content; flag them before boundaries shift.
		if err := e.markAncestorsChanged(ctx, tx, node); err != nil {
			return err
		}

		width := node.Rght - node.Lft + 1
		srcTree := node.TreeID

		// Capture the subtree membership before any boundary shifts; the
		// final rewrite targets these ids explicitly so concurrent moves
		// between unrelated trees can never claim each other's parked rows.
		var subtreeIDs []uuid.UUID
		err = tx.WithContext(ctx).
			Model(&types.ContentNode{}).
			Where("tree_id = ? AND lft >= ? AND rght <= ?", srcTree, node.Lft, node.Rght).
			Pluck("id", &subtreeIDs).Error
		if err != nil {
			return err
		}

		// Park the subtree. Boundary values are retained so the final
		// rewrite is a constant-delta shift.
		err = tx.WithContext(ctx).
			Model(&types.ContentNode{}).
			Where("id IN ?", subtreeIDs).
			Update("tree_id", limboTreeID).Error
		if err != nil {
			return err
		}

		if err := closeGap(ctx, tx, srcTree, node.Rght, width); err != nil {
			return err
		}

		// The gap closure may have moved the target; re-read it.
		target, err = e.reload(ctx, tx, targetID)
		if err != nil {
			return err
		}

		newParentID, newLevel, insertAt, err := e.resolveDestination(ctx, tx, target, position)
		if err != nil {
			return err
		}

		if err := openGap(ctx, tx, target.TreeID, insertAt, width); err != nil {
			return err
		}

		lftDelta := insertAt - node.Lft
		levelDelta := newLevel - node.Level
		err = tx.WithContext(ctx).
			Model(&types.ContentNode{}).
			Where("id IN ?", subtreeIDs).
			Updates(map[string]interface{}{
				"tree_id": target.TreeID,
				"lft":     gorm.Expr("lft + ?", lftDelta),
				"rght":    gorm.Expr("rght + ?", lftDelta),
				"level":   gorm.Expr("level + ?", levelDelta),
			}).Error
		if err != nil {
			return err
		}

		sortOrder, err := e.moveSortOrder(ctx, tx, target, position, node.ID)
		if err != nil {
			return err
		}
		now := time.Now()
		err = tx.WithContext(ctx).
			Model(&types.ContentNode{}).
			Where("id = ?", node.ID).
			Updates(map[string]interface{}{
				"parent_id":   newParentID,
				"sort_order":  sortOrder,
				"changed":     true,
				"modified_at": now,
				"updated_at":  now,
			}).Error
		if err != nil {
			return err
		}

		moved, err := e.reload(ctx, tx, node.ID)
		if err != nil {
			return err
		}
		return e.markAncestorsChanged(ctx, tx, moved)
	})
}

// resolveDestination computes the new parent, level and boundary insertion
// point for a move, after the source gap has been closed.
func (e *Engine) resolveDestination(ctx context.Context, tx *gorm.DB, target *types.ContentNode, position Position) (*uuid.UUID, int, int64, error) {
	switch position {
	case PositionFirstChild:
		return &target.ID, target.Level + 1, target.Lft + 1, nil
	case PositionLastChild:
		return &target.ID, target.Level + 1, target.Rght, nil
	}

	// Sibling positions need a parent; a root has no siblings to slot
	// between, so that is a usage error.
	if target.ParentID == nil {
		return nil, 0, 0, fmt.Errorf("%w: %q relative to a root node", ErrInvalidPosition, position)
	}
	parent, err := e.reload(ctx, tx, *target.ParentID)
	if err != nil {
		return nil, 0, 0, err
	}
	switch position {
	case PositionLeft:
		return target.ParentID, target.Level, target.Lft, nil
	case PositionRight:
		return target.ParentID, target.Level, target.Rght + 1, nil
	case PositionFirstSibling:
		return target.ParentID, target.Level, parent.Lft + 1, nil
	default: // last-sibling
		return target.ParentID, target.Level, parent.Rght, nil
	}
}

// moveSortOrder picks a sort_order consistent with the boundary position the
// subtree landed in: midpoints between neighbors where possible, open-ended
// bounds otherwise.
func (e *Engine) moveSortOrder(ctx context.Context, tx *gorm.DB, target *types.ContentNode, position Position, movedID uuid.UUID) (float64, error) {
	switch position {
	case PositionFirstChild:
		return e.siblingSortOrder(ctx, tx, target.ID, PositionFirstChild)
	case PositionLastChild:
		return e.siblingSortOrder(ctx, tx, target.ID, PositionLastChild)
	case PositionFirstSibling:
		return e.siblingSortOrder(ctx, tx, *target.ParentID, PositionFirstSibling)
	case PositionLastSibling:
		return e.siblingSortOrder(ctx, tx, *target.ParentID, PositionLastSibling)
	}

	// left/right: midpoint between target and its neighbor on that side.
	var neighbor *types.ContentNode
	q := tx.WithContext(ctx).
		Where("parent_id = ? AND id != ?", *target.ParentID, movedID)
	var row types.ContentNode
	var err error
	if position == PositionLeft {
		err = q.Where("sort_order < ?", target.SortOrder).Order("sort_order DESC").First(&row).Error
	} else {
		err = q.Where("sort_order > ?", target.SortOrder).Order("sort_order ASC").First(&row).Error
	}
	if err == nil {
		neighbor = &row
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	if neighbor == nil {
		if position == PositionLeft {
			return target.SortOrder - 1, nil
		}
		return target.SortOrder + 1, nil
	}
	return (target.SortOrder + neighbor.SortOrder) / 2, nil
}
