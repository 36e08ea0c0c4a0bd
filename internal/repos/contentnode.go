package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/types"
)

type ContentNodeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, nodes []*types.ContentNode) ([]*types.ContentNode, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentNode, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ContentNode, error)
	GetChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) ([]*types.ContentNode, error)
	GetByTreeID(ctx context.Context, tx *gorm.DB, treeID int64) ([]*types.ContentNode, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	UpdateSubtreeFields(ctx context.Context, tx *gorm.DB, treeID, lft, rght int64, updates map[string]interface{}) error
	DeleteRange(ctx context.Context, tx *gorm.DB, treeID, lft, rght int64) error
	MaxTreeID(ctx context.Context, tx *gorm.DB) (int64, error)
	MaxModifiedAt(ctx context.Context, tx *gorm.DB, treeID, lft, rght int64) (time.Time, error)
	CountDescendants(ctx context.Context, tx *gorm.DB, treeID, lft, rght int64) (int64, error)
}

type contentNodeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentNodeRepo(db *gorm.DB, baseLog *logger.Logger) ContentNodeRepo {
	return &contentNodeRepo{db: db, log: baseLog.With("repo", "ContentNodeRepo")}
}

func (r *contentNodeRepo) Create(ctx context.Context, tx *gorm.DB, nodes []*types.ContentNode) ([]*types.ContentNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(nodes) == 0 {
		return []*types.ContentNode{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *contentNodeRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContentNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var node types.ContentNode
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (r *contentNodeRepo) GetByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) ([]*types.ContentNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ContentNode
	if len(ids) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentNodeRepo) GetChildren(ctx context.Context, tx *gorm.DB, parentID uuid.UUID) ([]*types.ContentNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ContentNode
	if parentID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("parent_id = ?", parentID).
		Order("sort_order ASC, lft ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentNodeRepo) GetByTreeID(ctx context.Context, tx *gorm.DB, treeID int64) ([]*types.ContentNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ContentNode
	if err := transaction.WithContext(ctx).
		Where("tree_id = ?", treeID).
		Order("lft ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentNodeRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *contentNodeRepo) UpdateSubtreeFields(ctx context.Context, tx *gorm.DB, treeID, lft, rght int64, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(updates) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("tree_id = ? AND lft >= ? AND rght <= ?", treeID, lft, rght).
		Updates(updates).Error
}

func (r *contentNodeRepo) DeleteRange(ctx context.Context, tx *gorm.DB, treeID, lft, rght int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("tree_id = ? AND lft >= ? AND rght <= ?", treeID, lft, rght).
		Delete(&types.ContentNode{}).Error
}

func (r *contentNodeRepo) MaxTreeID(ctx context.Context, tx *gorm.DB) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var max int64
	err := transaction.WithContext(ctx).
		Model(&types.ContentNode{}).
		Select("COALESCE(MAX(tree_id), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max, nil
}

func (r *contentNodeRepo) MaxModifiedAt(ctx context.Context, tx *gorm.DB, treeID, lft, rght int64) (time.Time, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var max *time.Time
	err := transaction.WithContext(ctx).
		Model(&types.ContentNode{}).
		Select("MAX(modified_at)").
		Where("tree_id = ? AND lft >= ? AND rght <= ?", treeID, lft, rght).
		Scan(&max).Error
	if err != nil || max == nil {
		return time.Time{}, err
	}
	return *max, nil
}

func (r *contentNodeRepo) CountDescendants(ctx context.Context, tx *gorm.DB, treeID, lft, rght int64) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var count int64
	err := transaction.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("tree_id = ? AND lft > ? AND rght < ?", treeID, lft, rght).
		Count(&count).Error
	return count, err
}
