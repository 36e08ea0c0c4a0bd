package tree

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/types"
)

// Position arguments accepted by AddChild and MoveTo.
type Position string

const (
	PositionFirstChild   Position = "first-child"
	PositionLastChild    Position = "last-child"
	PositionLeft         Position = "left"
	PositionRight        Position = "right"
	PositionFirstSibling Position = "first-sibling"
	PositionLastSibling  Position = "last-sibling"
)

var (
	// ErrInvalidPosition signals a usage error, not a data problem.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrMoveIntoSelf rejects moving a node under its own subtree.
	ErrMoveIntoSelf = errors.New("cannot move a node into its own subtree")
	// ErrNodeNotFound covers stale node references handed to the engine.
	ErrNodeNotFound = errors.New("content node not found")
)

// limboTreeID is the reserved tree id the move operation parks a detached
// subtree under while source and destination boundaries are rewritten.
// Real tree ids start at 1.
const limboTreeID int64 = 0

// Engine implements the nested-set tree operations over content_node rows.
// Every structural mutation runs inside a transaction holding per-tree
// advisory locks, acquired in ascending tree id order so concurrent movers
// cannot deadlock.
type Engine struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEngine(db *gorm.DB, baseLog *logger.Logger) *Engine {
	return &Engine{db: db, log: baseLog.With("component", "TreeEngine")}
}

func (e *Engine) DB() *gorm.DB { return e.db }

// LockTrees serializes structural mutations per tree. The ids are locked in
// ascending order; duplicates are collapsed. On non-postgres dialects (test
// databases) this is a no-op and the surrounding transaction provides the
// serialization.
func (e *Engine) LockTrees(tx *gorm.DB, treeIDs ...int64) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	seen := map[int64]bool{}
	ordered := make([]int64, 0, len(treeIDs))
	for _, id := range treeIDs {
		if id == limboTreeID || seen[id] {
			continue
		}
		seen[id] = true
		ordered = append(ordered, id)
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j] < ordered[j-1]; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	for _, id := range ordered {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryKey64("tree_mutation", id)).Error; err != nil {
			return fmt.Errorf("acquire tree lock %d: %w", id, err)
		}
	}
	return nil
}

func advisoryKey64(namespace string, id int64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(fmt.Sprintf("%d", id)))
	return int64(h.Sum64())
}

// NextTreeID allocates a tree id for a new root.
func (e *Engine) NextTreeID(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = e.db
	}
	var max int64
	err := transaction.WithContext(ctx).
		Model(&types.ContentNode{}).
		Select("COALESCE(MAX(tree_id), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// CreateRoot inserts a new single-node tree and returns it.
func (e *Engine) CreateRoot(ctx context.Context, node *types.ContentNode) (*types.ContentNode, error) {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		treeID, err := e.NextTreeID(ctx, tx)
		if err != nil {
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
		node.TreeID = treeID
		node.ParentID = nil
		node.Lft = 1
		node.Rght = 2
		node.Level = 0
		if node.SortOrder == 0 {
			node.SortOrder = 1
		}
		return tx.Create(node).Error
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// reload fetches the current row for a node id inside the given transaction.
func (e *Engine) reload(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentNode, error) {
	var node types.ContentNode
	err := tx.WithContext(ctx).Where("id = ?", id).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// GetAncestors returns the chain from the tree root down to the node,
// ordered by lft ascending. A single range scan, O(level) rows.
func (e *Engine) GetAncestors(ctx context.Context, node *types.ContentNode, includeSelf bool) ([]*types.ContentNode, error) {
	var out []*types.ContentNode
	q := e.db.WithContext(ctx).Where("tree_id = ?", node.TreeID)
	if includeSelf {
		q = q.Where("lft <= ? AND rght >= ?", node.Lft, node.Rght)
	} else {
		q = q.Where("lft < ? AND rght > ?", node.Lft, node.Rght)
	}
	if err := q.Order("lft ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetDescendants returns the node's subtree as a single range scan,
// independent of subtree size. Order is lft ascending (document order).
func (e *Engine) GetDescendants(ctx context.Context, node *types.ContentNode, includeSelf bool) ([]*types.ContentNode, error) {
	var out []*types.ContentNode
	q := e.db.WithContext(ctx).Where("tree_id = ?", node.TreeID)
	if includeSelf {
		q = q.Where("lft >= ? AND rght <= ?", node.Lft, node.Rght)
	} else {
		q = q.Where("lft > ? AND rght < ?", node.Lft, node.Rght)
	}
	if err := q.Order("lft ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// GetChildren returns direct children ordered by sort_order. Deliberately a
// parent-key query, not a nested-set range, so the common case costs
// O(children).
func (e *Engine) GetChildren(ctx context.Context, node *types.ContentNode) ([]*types.ContentNode, error) {
	var out []*types.ContentNode
	err := e.db.WithContext(ctx).
		Where("parent_id = ?", node.ID).
		Order("sort_order ASC, lft ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRoot returns the root node of a tree.
func (e *Engine) GetRoot(ctx context.Context, treeID int64) (*types.ContentNode, error) {
	var node types.ContentNode
	err := e.db.WithContext(ctx).
		Where("tree_id = ? AND parent_id IS NULL", treeID).
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}
