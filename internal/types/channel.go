package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Channel owns one root content node per named tree. The trees share the
// node schema but are logically independent forests.
type Channel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name        string    `gorm:"column:name;not null" json:"name"`
	Description string    `gorm:"column:description" json:"description,omitempty"`
	Language    string    `gorm:"column:language" json:"language,omitempty"`
	// Version increments by exactly one per successful non-draft publish.
	Version int `gorm:"column:version;not null;default:0" json:"version"`

	MainTreeID     *uuid.UUID `gorm:"type:uuid" json:"main_tree_id,omitempty"`
	StagingTreeID  *uuid.UUID `gorm:"type:uuid" json:"staging_tree_id,omitempty"`
	PreviousTreeID *uuid.UUID `gorm:"type:uuid" json:"previous_tree_id,omitempty"`
	ChefTreeID     *uuid.UUID `gorm:"type:uuid" json:"chef_tree_id,omitempty"`
	TrashTreeID    *uuid.UUID `gorm:"type:uuid" json:"trash_tree_id,omitempty"`

	// Publishing doubles as the advisory publish lease; it is always cleared
	// when a publish run exits, whatever the outcome.
	Publishing    bool       `gorm:"column:publishing;not null;default:false" json:"publishing"`
	Public        bool       `gorm:"column:public;not null;default:false" json:"public"`
	LastPublished *time.Time `gorm:"column:last_published" json:"last_published,omitempty"`
	VersionNotes  string     `gorm:"column:version_notes" json:"version_notes,omitempty"`

	// PublishedData is a per-version history map; entries for prior versions
	// are never overwritten.
	PublishedData      datatypes.JSON `gorm:"column:published_data;type:jsonb" json:"published_data,omitempty"`
	PublishedKindCount datatypes.JSON `gorm:"column:published_kind_count;type:jsonb" json:"published_kind_count,omitempty"`
	PublishedSize      int64          `gorm:"column:published_size;not null;default:0" json:"published_size"`
	TotalResourceCount int            `gorm:"column:total_resource_count;not null;default:0" json:"total_resource_count"`
	IncludedLanguages  datatypes.JSON `gorm:"column:included_languages;type:jsonb" json:"included_languages,omitempty"`
	IncludedLicenses   datatypes.JSON `gorm:"column:included_licenses;type:jsonb" json:"included_licenses,omitempty"`

	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Channel) TableName() string { return "channel" }

// VersionStats is one entry of Channel.PublishedData, keyed by version.
type VersionStats struct {
	ResourceCount int            `json:"resource_count"`
	KindCount     map[string]int `json:"kind_count"`
	SizeInBytes   int64          `json:"size_in_bytes"`
	Languages     []string       `json:"languages"`
	Licenses      []string       `json:"licenses"`
	Categories    []string       `json:"categories"`
	VersionNotes  string         `json:"version_notes,omitempty"`
	PublishedAt   time.Time      `json:"published_at"`
}
