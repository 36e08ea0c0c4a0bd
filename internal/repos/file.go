package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/types"
)

type FileRepo interface {
	Create(ctx context.Context, tx *gorm.DB, files []*types.File) ([]*types.File, error)
	GetByNodeID(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) ([]*types.File, error)
	GetByNodeIDs(ctx context.Context, tx *gorm.DB, nodeIDs []uuid.UUID) ([]*types.File, error)
	GetByAssessmentItemIDs(ctx context.Context, tx *gorm.DB, itemIDs []uuid.UUID) ([]*types.File, error)
	DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error
	SumSizeForNodes(ctx context.Context, tx *gorm.DB, nodeIDs []uuid.UUID) (int64, error)
}

type fileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewFileRepo(db *gorm.DB, baseLog *logger.Logger) FileRepo {
	return &fileRepo{db: db, log: baseLog.With("repo", "FileRepo")}
}

func (r *fileRepo) Create(ctx context.Context, tx *gorm.DB, files []*types.File) ([]*types.File, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(files) == 0 {
		return []*types.File{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

func (r *fileRepo) GetByNodeID(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) ([]*types.File, error) {
	return r.GetByNodeIDs(ctx, tx, []uuid.UUID{nodeID})
}

func (r *fileRepo) GetByNodeIDs(ctx context.Context, tx *gorm.DB, nodeIDs []uuid.UUID) ([]*types.File, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.File
	if len(nodeIDs) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("content_node_id IN ?", nodeIDs).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *fileRepo) GetByAssessmentItemIDs(ctx context.Context, tx *gorm.DB, itemIDs []uuid.UUID) ([]*types.File, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.File
	if len(itemIDs) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("assessment_item_id IN ?", itemIDs).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *fileRepo) DeleteByIDs(ctx context.Context, tx *gorm.DB, ids []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&types.File{}).Error
}

// SumSizeForNodes sums file sizes deduplicated by checksum, matching how the
// blob store actually accounts for identical content.
func (r *fileRepo) SumSizeForNodes(ctx context.Context, tx *gorm.DB, nodeIDs []uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(nodeIDs) == 0 {
		return 0, nil
	}
	var total int64
	err := transaction.WithContext(ctx).
		Raw(`SELECT COALESCE(SUM(file_size), 0) FROM (
			SELECT DISTINCT checksum, file_size FROM "file" WHERE content_node_id IN ?
		) dedup`, nodeIDs).
		Scan(&total).Error
	return total, err
}
