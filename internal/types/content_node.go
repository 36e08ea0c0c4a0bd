package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Content kinds. Topics are the only container kind; every other kind is a
// leaf resource.
const (
	KindTopic     = "topic"
	KindVideo     = "video"
	KindAudio     = "audio"
	KindExercise  = "exercise"
	KindDocument  = "document"
	KindHTML5     = "html5"
	KindSlideshow = "slideshow"
)

// Label kinds used as keys into ContentNode.Labels.
const (
	LabelGradeLevels         = "grade_levels"
	LabelResourceTypes       = "resource_types"
	LabelCategories          = "categories"
	LabelAccessibilityLabels = "accessibility_labels"
	LabelLearningActivities  = "learning_activities"
)

// ContentNode is one node of a channel tree, stored nested-set style:
// node N is an ancestor of M iff N.lft < M.lft and M.rght < N.rght and
// N.tree_id == M.tree_id. Parent/sort_order are denormalized alongside the
// boundaries and are the authoritative source for Rebuild.
type ContentNode struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	// NodeID identifies this node within its tree; regenerated for every copy.
	NodeID uuid.UUID `gorm:"type:uuid;not null;index" json:"node_id"`
	// ContentID is shared by all faithful copies of the same logical resource.
	ContentID uuid.UUID  `gorm:"type:uuid;not null;index" json:"content_id"`
	ChannelID *uuid.UUID `gorm:"type:uuid;index" json:"channel_id,omitempty"`

	TreeID    int64      `gorm:"column:tree_id;not null;index:idx_content_node_bounds,priority:1" json:"tree_id"`
	ParentID  *uuid.UUID `gorm:"type:uuid;column:parent_id;index" json:"parent_id,omitempty"`
	Lft       int64      `gorm:"column:lft;not null;index:idx_content_node_bounds,priority:2" json:"lft"`
	Rght      int64      `gorm:"column:rght;not null" json:"rght"`
	Level     int        `gorm:"column:level;not null" json:"level"`
	SortOrder float64    `gorm:"column:sort_order;not null;default:1" json:"sort_order"`

	Kind        string `gorm:"column:kind;not null;index" json:"kind"`
	Title       string `gorm:"column:title" json:"title"`
	Description string `gorm:"column:description" json:"description"`
	Language    string `gorm:"column:language" json:"language,omitempty"`

	LicenseID          *uuid.UUID `gorm:"type:uuid;index" json:"license_id,omitempty"`
	LicenseDescription string     `gorm:"column:license_description" json:"license_description,omitempty"`
	Author             string     `gorm:"column:author" json:"author,omitempty"`
	CopyrightHolder    string     `gorm:"column:copyright_holder" json:"copyright_holder,omitempty"`

	// ExtraFields holds kind-specific config, e.g. exercise completion criteria.
	ExtraFields datatypes.JSON `gorm:"column:extra_fields;type:jsonb" json:"extra_fields,omitempty"`
	// Labels maps label kind -> set of label ids (own labels, not inherited).
	Labels datatypes.JSON `gorm:"column:labels;type:jsonb" json:"labels,omitempty"`

	ThumbnailEncoding string `gorm:"column:thumbnail_encoding" json:"thumbnail_encoding,omitempty"`

	Changed             bool `gorm:"column:changed;not null;default:true;index" json:"changed"`
	Published           bool `gorm:"column:published;not null;default:false" json:"published"`
	Complete            bool `gorm:"column:complete;not null;default:false" json:"complete"`
	FreezeAuthoringData bool `gorm:"column:freeze_authoring_data;not null;default:false" json:"freeze_authoring_data"`

	// Provenance. original_* always points at the first authoring channel;
	// source_* at the immediate copy origin; cloned_source at the direct row.
	OriginalChannelID    *uuid.UUID `gorm:"type:uuid" json:"original_channel_id,omitempty"`
	OriginalSourceNodeID *uuid.UUID `gorm:"type:uuid" json:"original_source_node_id,omitempty"`
	SourceChannelID      *uuid.UUID `gorm:"type:uuid" json:"source_channel_id,omitempty"`
	SourceNodeID         *uuid.UUID `gorm:"type:uuid" json:"source_node_id,omitempty"`
	ClonedSourceID       *uuid.UUID `gorm:"type:uuid;index" json:"cloned_source_id,omitempty"`

	ModifiedAt time.Time `gorm:"column:modified_at;not null;index" json:"modified_at"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null" json:"updated_at"`
}

func (ContentNode) TableName() string { return "content_node" }

// IsTopic reports whether the node is a container rather than a resource.
func (n *ContentNode) IsTopic() bool { return n.Kind == KindTopic }

// LabelSet decodes the Labels column. Never returns nil.
func (n *ContentNode) LabelSet() map[string][]string {
	out := map[string][]string{}
	if len(n.Labels) == 0 {
		return out
	}
	_ = jsonUnmarshal(n.Labels, &out)
	return out
}

// NodeTag joins content nodes to content tags.
type NodeTag struct {
	ContentNodeID uuid.UUID `gorm:"type:uuid;not null;index:idx_node_tag,unique,priority:1" json:"content_node_id"`
	ContentTagID  uuid.UUID `gorm:"type:uuid;not null;index:idx_node_tag,unique,priority:2" json:"content_tag_id"`
}

func (NodeTag) TableName() string { return "node_tag" }
