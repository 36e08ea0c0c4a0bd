package copysync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/types"
)

// SyncOptions selects which aspects of a copy are re-pulled from its
// upstream original. Unselected aspects keep their local edits.
type SyncOptions struct {
	TitlesAndDescriptions bool
	ResourceDetails       bool
	Files                 bool
	AssessmentItems       bool
}

// Sync re-pulls the selected aspects of a cloned node from the current
// state of its upstream original. Frozen nodes (freeze_authoring_data) are
// never overwritten. Reconciliation is identity-based, not a blind
// overwrite: files match on checksum+preset+language, assessment items on
// assessment_id.
func (e *Engine) Sync(ctx context.Context, nodeID uuid.UUID, opts SyncOptions) error {
	node, err := e.loadNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.ClonedSourceID == nil {
		return ErrNotACopy
	}
	if node.FreezeAuthoringData {
		e.log.Debug("Skipping sync of frozen node", "node_id", node.ID)
		return nil
	}

	source, err := e.loadNode(ctx, *node.ClonedSourceID)
	if errors.Is(err, tree.ErrNodeNotFound) {
		return ErrSourceGone
	}
	if err != nil {
		return err
	}

	contentTouched := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{}
		if opts.TitlesAndDescriptions {
			updates["title"] = source.Title
			updates["description"] = source.Description
		}
		if opts.ResourceDetails {
			updates["language"] = source.Language
			updates["license_id"] = source.LicenseID
			updates["license_description"] = source.LicenseDescription
			updates["author"] = source.Author
			updates["copyright_holder"] = source.CopyrightHolder
			updates["extra_fields"] = cloneJSON(source.ExtraFields)
			updates["labels"] = cloneJSON(source.Labels)
		}
		if len(updates) > 0 {
			updates["modified_at"] = time.Now()
			err := tx.WithContext(ctx).
				Model(&types.ContentNode{}).
				Where("id = ?", node.ID).
				Updates(updates).Error
			if err != nil {
				return err
			}
		}

		if opts.Files {
			touched, err := e.reconcileFiles(ctx, tx, source, node)
			if err != nil {
				return err
			}
			contentTouched = contentTouched || touched
		}
		if opts.AssessmentItems {
			touched, err := e.reconcileItems(ctx, tx, source, node)
			if err != nil {
				return err
			}
			contentTouched = contentTouched || touched
		}

		node, err = e.loadNodeTx(ctx, tx, node.ID)
		if err != nil {
			return err
		}
		return e.trees.MarkChanged(ctx, tx, node)
	})
	if err != nil {
		return err
	}

	if contentTouched {
		if _, err := e.RefreshContentID(ctx, nil, node); err != nil {
			return err
		}
	}
	return nil
}

// fileIdentity is the reconciliation key for file sync.
type fileIdentity struct {
	Checksum string
	Preset   string
	Language string
}

func (e *Engine) reconcileFiles(ctx context.Context, tx *gorm.DB, source, node *types.ContentNode) (bool, error) {
	upstream, err := e.files.GetByNodeID(ctx, tx, source.ID)
	if err != nil {
		return false, err
	}
	local, err := e.files.GetByNodeID(ctx, tx, node.ID)
	if err != nil {
		return false, err
	}

	upstreamSet := map[fileIdentity]*types.File{}
	for _, f := range upstream {
		upstreamSet[fileIdentity{f.Checksum, f.Preset, f.Language}] = f
	}
	localSet := map[fileIdentity]*types.File{}
	for _, f := range local {
		localSet[fileIdentity{f.Checksum, f.Preset, f.Language}] = f
	}

	touched := false

	var toDelete []uuid.UUID
	for id, f := range localSet {
		if _, ok := upstreamSet[id]; !ok {
			toDelete = append(toDelete, f.ID)
		}
	}
	if len(toDelete) > 0 {
		if err := e.files.DeleteByIDs(ctx, tx, toDelete); err != nil {
			return false, err
		}
		touched = true
	}

	var toAdd []*types.File
	for id, f := range upstreamSet {
		if _, ok := localSet[id]; ok {
			continue
		}
		toAdd = append(toAdd, &types.File{
			ID:            uuid.New(),
			Checksum:      f.Checksum,
			FileSize:      f.FileSize,
			Extension:     f.Extension,
			Preset:        f.Preset,
			Language:      f.Language,
			Duration:      f.Duration,
			ContentNodeID: &node.ID,
		})
	}
	if len(toAdd) > 0 {
		if _, err := e.files.Create(ctx, tx, toAdd); err != nil {
			return false, err
		}
		touched = true
	}
	return touched, nil
}

func (e *Engine) reconcileItems(ctx context.Context, tx *gorm.DB, source, node *types.ContentNode) (bool, error) {
	upstream, err := e.items.GetByNodeID(ctx, tx, source.ID)
	if err != nil {
		return false, err
	}
	local, err := e.items.GetByNodeID(ctx, tx, node.ID)
	if err != nil {
		return false, err
	}

	upstreamByAssessment := map[uuid.UUID]*types.AssessmentItem{}
	for _, item := range upstream {
		upstreamByAssessment[item.AssessmentID] = item
	}
	localByAssessment := map[uuid.UUID]*types.AssessmentItem{}
	for _, item := range local {
		localByAssessment[item.AssessmentID] = item
	}

	touched := false

	var toDelete []uuid.UUID
	for assessmentID, item := range localByAssessment {
		if _, ok := upstreamByAssessment[assessmentID]; !ok {
			toDelete = append(toDelete, item.ID)
		}
	}
	if len(toDelete) > 0 {
		if err := e.items.DeleteByIDs(ctx, tx, toDelete); err != nil {
			return false, err
		}
		touched = true
	}

	var toCreate []*types.AssessmentItem
	for assessmentID, up := range upstreamByAssessment {
		existing, ok := localByAssessment[assessmentID]
		if !ok {
			toCreate = append(toCreate, &types.AssessmentItem{
				ID:            uuid.New(),
				ContentNodeID: node.ID,
				AssessmentID:  up.AssessmentID,
				Type:          up.Type,
				Question:      up.Question,
				Answers:       cloneJSON(up.Answers),
				Hints:         cloneJSON(up.Hints),
				RawData:       up.RawData,
				Order:         up.Order,
				Randomize:     up.Randomize,
				Source:        up.Source,
			})
			continue
		}
		if itemFingerprint(existing) == itemFingerprint(up) && existing.Order == up.Order {
			continue
		}
		err := e.items.UpdateFields(ctx, tx, existing.ID, map[string]interface{}{
			"type":      up.Type,
			"question":  up.Question,
			"answers":   cloneJSON(up.Answers),
			"hints":     cloneJSON(up.Hints),
			"raw_data":  up.RawData,
			"order":     up.Order,
			"randomize": up.Randomize,
		})
		if err != nil {
			return false, err
		}
		touched = true
	}
	if len(toCreate) > 0 {
		if _, err := e.items.Create(ctx, tx, toCreate); err != nil {
			return false, err
		}
		touched = true
	}
	return touched, nil
}

func (e *Engine) loadNodeTx(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentNode, error) {
	var node types.ContentNode
	if err := tx.WithContext(ctx).Where("id = ?", id).First(&node).Error; err != nil {
		return nil, err
	}
	return &node, nil
}
