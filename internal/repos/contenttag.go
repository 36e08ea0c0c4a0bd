package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/types"
)

type ContentTagRepo interface {
	// GetOrCreate reuses an existing tag with the same name in the given
	// channel scope (or unscoped) instead of creating a duplicate.
	GetOrCreate(ctx context.Context, tx *gorm.DB, name string, channelID *uuid.UUID) (*types.ContentTag, error)
	GetForNode(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) ([]*types.ContentTag, error)
	AttachToNode(ctx context.Context, tx *gorm.DB, nodeID, tagID uuid.UUID) error
	DetachFromNode(ctx context.Context, tx *gorm.DB, nodeID, tagID uuid.UUID) error
}

type contentTagRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentTagRepo(db *gorm.DB, baseLog *logger.Logger) ContentTagRepo {
	return &contentTagRepo{db: db, log: baseLog.With("repo", "ContentTagRepo")}
}

func (r *contentTagRepo) GetOrCreate(ctx context.Context, tx *gorm.DB, name string, channelID *uuid.UUID) (*types.ContentTag, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if name == "" {
		return nil, errors.New("tag name required")
	}

	var tag types.ContentTag
	q := transaction.WithContext(ctx).Where("tag_name = ?", name)
	if channelID == nil {
		q = q.Where("channel_id IS NULL")
	} else {
		q = q.Where("channel_id = ? OR channel_id IS NULL", *channelID)
	}
	err := q.Order("channel_id ASC NULLS FIRST").First(&tag).Error
	if err == nil {
		return &tag, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tag = types.ContentTag{ID: uuid.New(), TagName: name, ChannelID: channelID}
	if err := transaction.WithContext(ctx).Create(&tag).Error; err != nil {
		// Lost a race with a concurrent creator; re-read.
		if isUniqueViolation(err) {
			var existing types.ContentTag
			q2 := transaction.WithContext(ctx).Where("tag_name = ?", name)
			if channelID == nil {
				q2 = q2.Where("channel_id IS NULL")
			} else {
				q2 = q2.Where("channel_id = ?", *channelID)
			}
			if err2 := q2.First(&existing).Error; err2 == nil {
				return &existing, nil
			}
		}
		return nil, err
	}
	return &tag, nil
}

func (r *contentTagRepo) GetForNode(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) ([]*types.ContentTag, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ContentTag
	if nodeID == uuid.Nil {
		return out, nil
	}
	err := transaction.WithContext(ctx).
		Joins("JOIN node_tag ON node_tag.content_tag_id = content_tag.id").
		Where("node_tag.content_node_id = ?", nodeID).
		Order("content_tag.tag_name ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *contentTagRepo) AttachToNode(ctx context.Context, tx *gorm.DB, nodeID, tagID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if nodeID == uuid.Nil || tagID == uuid.Nil {
		return nil
	}
	err := transaction.WithContext(ctx).Create(&types.NodeTag{ContentNodeID: nodeID, ContentTagID: tagID}).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

func (r *contentTagRepo) DetachFromNode(ctx context.Context, tx *gorm.DB, nodeID, tagID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("content_node_id = ? AND content_tag_id = ?", nodeID, tagID).
		Delete(&types.NodeTag{}).Error
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
