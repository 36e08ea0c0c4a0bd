package copysync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/types"
)

// DefaultCopyBatchSize bounds how many nodes are materialized per
// lock-acquisition round. It tunes throughput only; the resulting tree shape
// is identical for any batch size.
const DefaultCopyBatchSize = 100

var (
	// ErrNotACopy rejects syncing a node with no upstream linkage.
	ErrNotACopy = errors.New("node has no cloned source to sync from")
	// ErrSourceGone reports an upstream node that no longer exists.
	ErrSourceGone = errors.New("cloned source no longer exists")
)

// Engine implements deep copy and selective sync of subtrees.
type Engine struct {
	db    *gorm.DB
	trees *tree.Engine
	items repos.AssessmentItemRepo
	files repos.FileRepo
	tags  repos.ContentTagRepo
	log   *logger.Logger
}

func NewEngine(db *gorm.DB, trees *tree.Engine, items repos.AssessmentItemRepo, files repos.FileRepo, tags repos.ContentTagRepo, baseLog *logger.Logger) *Engine {
	return &Engine{
		db:    db,
		trees: trees,
		items: items,
		files: files,
		tags:  tags,
		log:   baseLog.With("component", "CopySync"),
	}
}

// CopyRequest describes one deep-copy operation.
type CopyRequest struct {
	SourceID uuid.UUID
	TargetID uuid.UUID
	// Position places the clone root under the target; only child positions
	// are valid. Empty means last-child.
	Position tree.Position
	// Mods are field overrides applied to the clone root.
	Mods map[string]interface{}
	// ExcludedDescendants lists source node_ids whose subtrees are skipped.
	ExcludedDescendants map[uuid.UUID]bool
	// CanEditSourceChannel freezes the clones against sync-driven overwrites
	// when false: a copier without edit rights on the source channel must
	// not receive upstream authoring changes.
	CanEditSourceChannel bool
	BatchSize            int
	// Progress, when set, receives a percent-complete float per batch.
	Progress func(float64)
}

// Copy deep-clones the source subtree under the target node and returns the
// clone root. Every clone gets a fresh node_id, keeps the source content_id
// (unless mods change content), records provenance pointing at the first
// authoring channel, and starts changed and unpublished. The source subtree
// is never modified.
func (e *Engine) Copy(ctx context.Context, req CopyRequest) (*types.ContentNode, error) {
	if req.BatchSize <= 0 {
		req.BatchSize = DefaultCopyBatchSize
	}

	source, err := e.loadNode(ctx, req.SourceID)
	if err != nil {
		return nil, err
	}
	descendants, err := e.trees.GetDescendants(ctx, source, true)
	if err != nil {
		return nil, err
	}
	pending := excludeSubtrees(descendants, req.ExcludedDescendants)

	target, err := e.loadNode(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}

	// Clone id mapping, filled as batches land. The first pending node is
	// always the source root itself.
	cloneIDs := map[uuid.UUID]uuid.UUID{}
	var cloneRoot *types.ContentNode

	total := len(pending)
	done := 0
	for start := 0; start < total; start += req.BatchSize {
		end := start + req.BatchSize
		if end > total {
			end = total
		}
		batch := pending[start:end]

		err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := e.trees.LockTrees(tx, target.TreeID); err != nil {
				return err
			}
			for _, src := range batch {
				clone, err := e.cloneNode(ctx, tx, src, source, target, cloneIDs, req)
				if err != nil {
					return err
				}
				cloneIDs[src.ID] = clone.ID
				if src.ID == source.ID {
					cloneRoot = clone
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		done += len(batch)
		if req.Progress != nil {
			req.Progress(100 * float64(done) / float64(total))
		}
	}

	if cloneRoot != nil && len(req.Mods) > 0 {
		if _, err := e.RefreshContentID(ctx, nil, cloneRoot); err != nil {
			return nil, err
		}
	}
	return cloneRoot, nil
}

// excludeSubtrees filters a lft-ordered descendant list, dropping every node
// inside an excluded node's boundary range.
func excludeSubtrees(nodes []*types.ContentNode, excluded map[uuid.UUID]bool) []*types.ContentNode {
	if len(excluded) == 0 {
		return nodes
	}
	out := make([]*types.ContentNode, 0, len(nodes))
	var skipUntil int64 = -1
	for _, n := range nodes {
		if n.Lft <= skipUntil {
			continue
		}
		if excluded[n.NodeID] {
			skipUntil = n.Rght
			continue
		}
		out = append(out, n)
	}
	return out
}

func (e *Engine) cloneNode(ctx context.Context, tx *gorm.DB, src, sourceRoot, target *types.ContentNode, cloneIDs map[uuid.UUID]uuid.UUID, req CopyRequest) (*types.ContentNode, error) {
	parentID := target.ID
	if src.ID != sourceRoot.ID {
		mapped, ok := cloneIDs[*src.ParentID]
		if !ok {
			return nil, fmt.Errorf("clone parent for %s not materialized yet", src.ID)
		}
		parentID = mapped
	}

	clone := &types.ContentNode{
		ID:        uuid.New(),
		NodeID:    uuid.New(),
		ContentID: src.ContentID,

		Kind:        src.Kind,
		Title:       src.Title,
		Description: src.Description,
		Language:    src.Language,

		LicenseID:          src.LicenseID,
		LicenseDescription: src.LicenseDescription,
		Author:             src.Author,
		CopyrightHolder:    src.CopyrightHolder,

		ExtraFields:       cloneJSON(src.ExtraFields),
		Labels:            cloneJSON(src.Labels),
		ThumbnailEncoding: src.ThumbnailEncoding,

		Complete:            src.Complete,
		FreezeAuthoringData: src.FreezeAuthoringData || !req.CanEditSourceChannel,

		SortOrder:  src.SortOrder,
		ModifiedAt: time.Now(),
	}
	// Keep the root's slot assignment to the engine; descendants keep the
	// source sibling ordering via the copied sort_order.
	if src.ID == sourceRoot.ID {
		clone.SortOrder = 0
	}

	setProvenance(clone, src)

	position := req.Position
	if src.ID != sourceRoot.ID {
		position = tree.PositionLastChild
	}
	if err := e.trees.AddChildTx(ctx, tx, parentID, clone, position); err != nil {
		return nil, err
	}

	if src.ID == sourceRoot.ID {
		if err := applyMods(ctx, tx, clone, req.Mods); err != nil {
			return nil, err
		}
	}

	if err := e.cloneAttachments(ctx, tx, src, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// setProvenance wires the three-level lineage: original_* always points at
// the first authoring channel, source_* at the immediate origin of this
// copy, cloned_source at the concrete row.
func setProvenance(clone, src *types.ContentNode) {
	srcID := src.ID
	srcNodeID := src.NodeID
	clone.ClonedSourceID = &srcID
	clone.SourceChannelID = src.ChannelID
	clone.SourceNodeID = &srcNodeID

	if src.OriginalChannelID != nil {
		clone.OriginalChannelID = src.OriginalChannelID
	} else {
		clone.OriginalChannelID = src.ChannelID
	}
	if src.OriginalSourceNodeID != nil {
		clone.OriginalSourceNodeID = src.OriginalSourceNodeID
	} else {
		clone.OriginalSourceNodeID = &srcNodeID
	}
}

func applyMods(ctx context.Context, tx *gorm.DB, clone *types.ContentNode, mods map[string]interface{}) error {
	if len(mods) == 0 {
		return nil
	}
	if v, ok := mods["title"].(string); ok {
		clone.Title = v
	}
	if v, ok := mods["description"].(string); ok {
		clone.Description = v
	}
	if v, ok := mods["language"].(string); ok {
		clone.Language = v
	}
	return tx.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("id = ?", clone.ID).
		Updates(map[string]interface{}{
			"title":       clone.Title,
			"description": clone.Description,
			"language":    clone.Language,
		}).Error
}

// cloneAttachments copies file rows (same checksum, no blob re-upload),
// assessment items (fresh row ids, stable assessment_id for analytics
// linkage) and tags (deduplicated by name and channel).
func (e *Engine) cloneAttachments(ctx context.Context, tx *gorm.DB, src, clone *types.ContentNode) error {
	files, err := e.files.GetByNodeID(ctx, tx, src.ID)
	if err != nil {
		return err
	}
	items, err := e.items.GetByNodeID(ctx, tx, src.ID)
	if err != nil {
		return err
	}

	itemIDMap := map[uuid.UUID]uuid.UUID{}
	if len(items) > 0 {
		srcItemIDs := make([]uuid.UUID, 0, len(items))
		clonedItems := make([]*types.AssessmentItem, 0, len(items))
		for _, item := range items {
			srcItemIDs = append(srcItemIDs, item.ID)
			cloned := &types.AssessmentItem{
				ID:            uuid.New(),
				ContentNodeID: clone.ID,
				AssessmentID:  item.AssessmentID,
				Type:          item.Type,
				Question:      item.Question,
				Answers:       cloneJSON(item.Answers),
				Hints:         cloneJSON(item.Hints),
				RawData:       item.RawData,
				Order:         item.Order,
				Randomize:     item.Randomize,
				Source:        item.Source,
			}
			itemIDMap[item.ID] = cloned.ID
			clonedItems = append(clonedItems, cloned)
		}
		if _, err := e.items.Create(ctx, tx, clonedItems); err != nil {
			return err
		}

		itemFiles, err := e.files.GetByAssessmentItemIDs(ctx, tx, srcItemIDs)
		if err != nil {
			return err
		}
		files = append(files, itemFiles...)
	}

	if len(files) > 0 {
		clonedFiles := make([]*types.File, 0, len(files))
		for _, f := range files {
			cloned := &types.File{
				ID:        uuid.New(),
				Checksum:  f.Checksum,
				FileSize:  f.FileSize,
				Extension: f.Extension,
				Preset:    f.Preset,
				Language:  f.Language,
				Duration:  f.Duration,
			}
			if f.AssessmentItemID != nil {
				mapped := itemIDMap[*f.AssessmentItemID]
				cloned.AssessmentItemID = &mapped
			} else {
				cloned.ContentNodeID = &clone.ID
			}
			clonedFiles = append(clonedFiles, cloned)
		}
		if _, err := e.files.Create(ctx, tx, clonedFiles); err != nil {
			return err
		}
	}

	tags, err := e.tags.GetForNode(ctx, tx, src.ID)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		reused, err := e.tags.GetOrCreate(ctx, tx, tag.TagName, clone.ChannelID)
		if err != nil {
			return err
		}
		if err := e.tags.AttachToNode(ctx, tx, clone.ID, reused.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) loadNode(ctx context.Context, id uuid.UUID) (*types.ContentNode, error) {
	var node types.ContentNode
	err := e.db.WithContext(ctx).Where("id = ?", id).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, tree.ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func cloneJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
