package tree

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/types"
)

// Rebuild recomputes every lft/rght/level in a tree from the parent and
// sort_order relationships alone. This is the authoritative recovery path
// when boundary values are found inconsistent, and it is safe to run while
// inserts are in flight: it takes the same per-tree advisory lock every
// structural mutation takes, so it serializes cleanly instead of deadlocking.
func (e *Engine) Rebuild(ctx context.Context, treeID int64) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.LockTrees(tx, treeID); err != nil {
			return err
		}

		var nodes []*types.ContentNode
		err := tx.WithContext(ctx).
			Where("tree_id = ?", treeID).
			Find(&nodes).Error
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return nil
		}

		byParent := map[uuid.UUID][]*types.ContentNode{}
		var root *types.ContentNode
		for _, n := range nodes {
			if n.ParentID == nil {
				if root != nil {
					return fmt.Errorf("tree %d has multiple roots", treeID)
				}
				root = n
				continue
			}
			byParent[*n.ParentID] = append(byParent[*n.ParentID], n)
		}
		if root == nil {
			return fmt.Errorf("tree %d has no root", treeID)
		}
		for _, children := range byParent {
			sortSiblings(children)
		}

		counter := int64(0)
		var walk func(n *types.ContentNode, level int) error
		walk = func(n *types.ContentNode, level int) error {
			counter++
			lft := counter
			for _, child := range byParent[n.ID] {
				if err := walk(child, level+1); err != nil {
					return err
				}
			}
			counter++
			rght := counter
			if n.Lft == lft && n.Rght == rght && n.Level == level {
				return nil
			}
			return tx.WithContext(ctx).
				Model(&types.ContentNode{}).
				Where("id = ?", n.ID).
				Updates(map[string]interface{}{
					"lft":   lft,
					"rght":  rght,
					"level": level,
				}).Error
		}
		return walk(root, 0)
	})
}

// sortSiblings orders children ascending by sort_order; ties break by
// creation order so rebuilds are stable across runs.
func sortSiblings(children []*types.ContentNode) {
	sort.SliceStable(children, func(i, j int) bool {
		if children[i].SortOrder != children[j].SortOrder {
			return children[i].SortOrder < children[j].SortOrder
		}
		if !children[i].CreatedAt.Equal(children[j].CreatedAt) {
			return children[i].CreatedAt.Before(children[j].CreatedAt)
		}
		return children[i].ID.String() < children[j].ID.String()
	})
}
