package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/types"
)

type ChannelRepo interface {
	Create(ctx context.Context, tx *gorm.DB, channels []*types.Channel) ([]*types.Channel, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Channel, error)
	GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Channel, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	SetPublishing(ctx context.Context, tx *gorm.DB, id uuid.UUID, publishing bool) (bool, error)
}

type channelRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChannelRepo(db *gorm.DB, baseLog *logger.Logger) ChannelRepo {
	return &channelRepo{db: db, log: baseLog.With("repo", "ChannelRepo")}
}

func (r *channelRepo) Create(ctx context.Context, tx *gorm.DB, channels []*types.Channel) ([]*types.Channel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(channels) == 0 {
		return []*types.Channel{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&channels).Error; err != nil {
		return nil, err
	}
	return channels, nil
}

func (r *channelRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Channel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var ch types.Channel
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *channelRepo) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Channel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var ch types.Channel
	err := transaction.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r *channelRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.Channel{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// SetPublishing flips the publishing lease. When acquiring (publishing=true)
// it only succeeds if the lease is currently free; the returned bool reports
// whether the row was actually updated.
func (r *channelRepo) SetPublishing(ctx context.Context, tx *gorm.DB, id uuid.UUID, publishing bool) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	q := transaction.WithContext(ctx).
		Model(&types.Channel{}).
		Where("id = ?", id)
	if publishing {
		q = q.Where("publishing = ?", false)
	}
	res := q.Updates(map[string]interface{}{
		"publishing": publishing,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
