package types

import (
	"github.com/google/uuid"
)

// NodePrerequisite links a node to another node of the same tree that must
// be completed first. Self-references, cycles and cross-tree links are
// rejected at write time.
type NodePrerequisite struct {
	ContentNodeID  uuid.UUID `gorm:"type:uuid;not null;index:idx_node_prereq,unique,priority:1" json:"content_node_id"`
	PrerequisiteID uuid.UUID `gorm:"type:uuid;not null;index:idx_node_prereq,unique,priority:2" json:"prerequisite_id"`
}

func (NodePrerequisite) TableName() string { return "node_prerequisite" }
