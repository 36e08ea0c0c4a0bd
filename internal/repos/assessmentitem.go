package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/types"
)

type AssessmentItemRepo interface {
	Create(ctx context.Context, tx *gorm.DB, items []*types.AssessmentItem) ([]*types.AssessmentItem, error)
	GetByNodeID(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) ([]*types.AssessmentItem, error)
	GetByNodeIDs(ctx context.Context, tx *gorm.DB, nodeIDs []uuid.UUID) ([]*types.AssessmentItem, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error
	CountByNodeIDs(ctx context.Context, tx *gorm.DB, nodeIDs []uuid.UUID) (int64, error)
}

type assessmentItemRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAssessmentItemRepo(db *gorm.DB, baseLog *logger.Logger) AssessmentItemRepo {
	return &assessmentItemRepo{db: db, log: baseLog.With("repo", "AssessmentItemRepo")}
}

func (r *assessmentItemRepo) Create(ctx context.Context, tx *gorm.DB, items []*types.AssessmentItem) ([]*types.AssessmentItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(items) == 0 {
		return []*types.AssessmentItem{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *assessmentItemRepo) GetByNodeID(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) ([]*types.AssessmentItem, error) {
	return r.GetByNodeIDs(ctx, tx, []uuid.UUID{nodeID})
}

func (r *assessmentItemRepo) GetByNodeIDs(ctx context.Context, tx *gorm.DB, nodeIDs []uuid.UUID) ([]*types.AssessmentItem, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.AssessmentItem
	if len(nodeIDs) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("content_node_id IN ? AND deleted = ?", nodeIDs, false).
		Order("\"order\" ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assessmentItemRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(updates) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.AssessmentItem{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *assessmentItemRepo) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&types.AssessmentItem{}).Error
}

func (r *assessmentItemRepo) CountByNodeIDs(ctx context.Context, tx *gorm.DB, nodeIDs []uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(nodeIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.AssessmentItem{}).
		Where("content_node_id IN ? AND deleted = ?", nodeIDs, false).
		Count(&count).Error
	return count, err
}
