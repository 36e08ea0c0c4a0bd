package types

import (
	"time"

	"github.com/google/uuid"
)

// ContentTag is deduplicated by (tag_name, channel_id); a nil channel scope
// means the tag is global.
type ContentTag struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TagName   string     `gorm:"column:tag_name;not null;index:idx_content_tag,unique,priority:1" json:"tag_name"`
	ChannelID *uuid.UUID `gorm:"type:uuid;index:idx_content_tag,unique,priority:2" json:"channel_id,omitempty"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
}

func (ContentTag) TableName() string { return "content_tag" }
