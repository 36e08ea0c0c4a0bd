package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Assessment item types.
const (
	ItemTypeSingleSelection   = "single_selection"
	ItemTypeMultipleSelection = "multiple_selection"
	ItemTypeTrueFalse         = "true_false"
	ItemTypeInputQuestion     = "input_question"
	ItemTypeFreeResponse      = "free_response"
	ItemTypePerseusQuestion   = "perseus_question"
)

// AssessmentItem is a question attached to an exercise node. AssessmentID is
// stable across copies of the exercise so analytics can link attempts to the
// same logical question; the row ID is not.
type AssessmentItem struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ContentNodeID uuid.UUID `gorm:"type:uuid;not null;index:idx_assessment_identity,unique,priority:1" json:"content_node_id"`
	AssessmentID  uuid.UUID `gorm:"type:uuid;not null;index:idx_assessment_identity,unique,priority:2" json:"assessment_id"`

	Type     string `gorm:"column:type;not null" json:"type"`
	Question string `gorm:"column:question" json:"question"`
	// Answers is a JSON array of {answer, correct, order}.
	Answers datatypes.JSON `gorm:"column:answers;type:jsonb" json:"answers,omitempty"`
	// Hints is a JSON array of {hint, order}.
	Hints datatypes.JSON `gorm:"column:hints;type:jsonb" json:"hints,omitempty"`
	// RawData carries the perseus JSON blob for perseus_question items.
	RawData   string  `gorm:"column:raw_data" json:"raw_data,omitempty"`
	Order     int     `gorm:"column:order;not null;default:1" json:"order"`
	Randomize bool    `gorm:"column:randomize;not null;default:false" json:"randomize"`
	Deleted   bool    `gorm:"column:deleted;not null;default:false" json:"deleted"`
	Source    *string `gorm:"column:source_url" json:"source_url,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (AssessmentItem) TableName() string { return "assessment_item" }

// Answer is one entry of AssessmentItem.Answers.
type Answer struct {
	Answer  string `json:"answer"`
	Correct bool   `json:"correct"`
	Order   int    `json:"order"`
}

// Hint is one entry of AssessmentItem.Hints.
type Hint struct {
	Hint  string `json:"hint"`
	Order int    `json:"order"`
}

// AnswerList decodes the Answers column. Never returns an error: malformed
// answers read as empty, which downstream completeness checks treat as
// incomplete rather than failing.
func (a *AssessmentItem) AnswerList() []Answer {
	var out []Answer
	if len(a.Answers) == 0 {
		return out
	}
	_ = jsonUnmarshal(a.Answers, &out)
	return out
}

// HintList decodes the Hints column.
func (a *AssessmentItem) HintList() []Hint {
	var out []Hint
	if len(a.Hints) == 0 {
		return out
	}
	_ = jsonUnmarshal(a.Hints, &out)
	return out
}
