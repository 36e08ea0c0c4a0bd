package types

import (
	"time"

	"github.com/google/uuid"
)

// PublishRecord is an audit row created per distinct Special Permissions
// license description observed during a publish, for downstream manual
// content review.
type PublishRecord struct {
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ChannelID          uuid.UUID `gorm:"type:uuid;not null;index" json:"channel_id"`
	Version            int       `gorm:"column:version;not null" json:"version"`
	LicenseDescription string    `gorm:"column:license_description;not null" json:"license_description"`
	CreatedAt          time.Time `gorm:"not null" json:"created_at"`
}

func (PublishRecord) TableName() string { return "publish_record" }
