package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/types"
)

// SizeResult is a resource-size read. Stale means the cached value was
// returned without revalidation because the subtree exceeded the unforced
// recalculation threshold.
type SizeResult struct {
	Size  int64 `json:"size"`
	Stale bool  `json:"stale"`
}

type sizeCacheEntry struct {
	Size        int64     `json:"size"`
	MaxModified time.Time `json:"max_modified"`
}

// SizeCache serves descendant byte-size aggregates. Entries carry the max
// descendant modified_at observed at computation time; a read is fresh only
// while that timestamp still matches the live maximum. Backed by redis when
// configured, an in-process map otherwise.
type SizeCache struct {
	db  *gorm.DB
	log *logger.Logger
	rdb *goredis.Client

	mu    sync.Mutex
	local map[uuid.UUID]sizeCacheEntry

	// UnforcedThreshold bounds how large a subtree an unforced read will
	// recompute; ForcedWarning is the latency past which a forced recompute
	// is reported (it still succeeds).
	UnforcedThreshold int64
	ForcedWarning     time.Duration
}

func NewSizeCache(db *gorm.DB, baseLog *logger.Logger, rdb *goredis.Client) *SizeCache {
	return &SizeCache{
		db:                db,
		log:               baseLog.With("component", "SizeCache"),
		rdb:               rdb,
		local:             map[uuid.UUID]sizeCacheEntry{},
		UnforcedThreshold: 10000,
		ForcedWarning:     5 * time.Second,
	}
}

func sizeCacheKey(nodeID uuid.UUID) string {
	return fmt.Sprintf("size_cache:%s", nodeID)
}

// ResourceSize returns the total attached-file byte size across the node's
// subtree. Unforced reads of oversized subtrees return the last known value
// flagged stale instead of blocking on a full scan; forced reads always
// recompute.
func (c *SizeCache) ResourceSize(ctx context.Context, node *types.ContentNode, force bool) (SizeResult, error) {
	cached, haveCached := c.get(ctx, node.ID)

	maxModified, err := c.maxDescendantModified(ctx, node)
	if err != nil {
		return SizeResult{}, err
	}
	if haveCached && !force && !maxModified.After(cached.MaxModified) {
		return SizeResult{Size: cached.Size}, nil
	}

	if !force {
		count, err := c.descendantCount(ctx, node)
		if err != nil {
			return SizeResult{}, err
		}
		if count > c.UnforcedThreshold {
			c.log.Debug("Size recalculation deferred for oversized subtree", "node_id", node.ID, "descendants", count)
			return SizeResult{Size: cached.Size, Stale: true}, nil
		}
	}

	started := time.Now()
	size, err := c.computeSize(ctx, node)
	if err != nil {
		return SizeResult{}, err
	}
	if force {
		if elapsed := time.Since(started); elapsed > c.ForcedWarning {
			c.log.Warn("Forced size recalculation exceeded latency threshold", "node_id", node.ID, "elapsed", elapsed.String())
		}
	}

	c.put(ctx, node.ID, sizeCacheEntry{Size: size, MaxModified: maxModified})
	return SizeResult{Size: size}, nil
}

// ResourceCount returns the number of non-topic descendants.
func (c *SizeCache) ResourceCount(ctx context.Context, node *types.ContentNode) (int64, error) {
	var count int64
	err := c.db.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("tree_id = ? AND lft > ? AND rght < ? AND kind != ?", node.TreeID, node.Lft, node.Rght, types.KindTopic).
		Count(&count).Error
	return count, err
}

func (c *SizeCache) descendantCount(ctx context.Context, node *types.ContentNode) (int64, error) {
	var count int64
	err := c.db.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("tree_id = ? AND lft > ? AND rght < ?", node.TreeID, node.Lft, node.Rght).
		Count(&count).Error
	return count, err
}

func (c *SizeCache) maxDescendantModified(ctx context.Context, node *types.ContentNode) (time.Time, error) {
	var max *time.Time
	err := c.db.WithContext(ctx).
		Model(&types.ContentNode{}).
		Select("MAX(modified_at)").
		Where("tree_id = ? AND lft >= ? AND rght <= ?", node.TreeID, node.Lft, node.Rght).
		Scan(&max).Error
	if err != nil {
		return time.Time{}, err
	}
	if max == nil {
		return time.Time{}, nil
	}
	return *max, nil
}

// computeSize sums attached file sizes, deduplicated by checksum, across all
// nodes of the subtree and their assessment items.
func (c *SizeCache) computeSize(ctx context.Context, node *types.ContentNode) (int64, error) {
	var total int64
	err := c.db.WithContext(ctx).
		Raw(`SELECT COALESCE(SUM(file_size), 0) FROM (
			SELECT DISTINCT f.checksum, f.file_size
			FROM "file" f
			LEFT JOIN assessment_item ai ON ai.id = f.assessment_item_id
			JOIN content_node n ON n.id = COALESCE(f.content_node_id, ai.content_node_id)
			WHERE n.tree_id = ? AND n.lft >= ? AND n.rght <= ?
		) dedup`, node.TreeID, node.Lft, node.Rght).
		Scan(&total).Error
	return total, err
}

func (c *SizeCache) get(ctx context.Context, nodeID uuid.UUID) (sizeCacheEntry, bool) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, sizeCacheKey(nodeID)).Bytes()
		if err == nil {
			var entry sizeCacheEntry
			if json.Unmarshal(raw, &entry) == nil {
				return entry, true
			}
		}
		return sizeCacheEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.local[nodeID]
	return entry, ok
}

func (c *SizeCache) put(ctx context.Context, nodeID uuid.UUID, entry sizeCacheEntry) {
	if c.rdb != nil {
		raw, err := json.Marshal(entry)
		if err == nil {
			if err := c.rdb.Set(ctx, sizeCacheKey(nodeID), raw, 0).Err(); err != nil {
				c.log.Debug("Size cache write failed", "node_id", nodeID, "error", err)
			}
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[nodeID] = entry
}
