package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// File presets. A preset describes the role a file plays on its node and
// drives inclusion rules during publish and sync.
const (
	PresetVideoHighRes   = "video_high_res"
	PresetVideoLowRes    = "video_low_res"
	PresetVideoSubtitle  = "video_subtitle"
	PresetAudio          = "audio"
	PresetDocument       = "document"
	PresetEPub           = "epub"
	PresetHTML5Zip       = "html5_zip"
	PresetSlideshowImage = "slideshow_image"
	PresetExerciseImage  = "exercise_image"
	PresetThumbnail      = "thumbnail"
	PresetPerseus        = "exercise"
	PresetQTI            = "qti"
)

// File is an uploaded blob attached to exactly one of a content node or an
// assessment item. The blob itself is immutable and content-addressed by
// checksum; rows are cheap references, never mutated in place.
type File struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	Checksum  string `gorm:"column:checksum;not null;index" json:"checksum"`
	FileSize  int64  `gorm:"column:file_size;not null;default:0" json:"file_size"`
	Extension string `gorm:"column:extension;not null" json:"extension"`
	Preset    string `gorm:"column:preset;not null;index" json:"preset"`
	Language  string `gorm:"column:language" json:"language,omitempty"`
	// Duration in seconds, for audio/video presets.
	Duration *int `gorm:"column:duration" json:"duration,omitempty"`

	ContentNodeID    *uuid.UUID `gorm:"type:uuid;index" json:"content_node_id,omitempty"`
	AssessmentItemID *uuid.UUID `gorm:"type:uuid;index" json:"assessment_item_id,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (File) TableName() string { return "file" }

// StorageKey returns the content-addressed blob key for this file.
func (f *File) StorageKey() string {
	return StorageKeyFor(f.Checksum, f.Extension)
}

// StorageKeyFor builds the canonical content-addressed key layout:
// storage/<c0>/<c1>/<checksum>.<ext>.
func StorageKeyFor(checksum, extension string) string {
	if len(checksum) < 2 {
		return fmt.Sprintf("storage/%s.%s", checksum, extension)
	}
	return fmt.Sprintf("storage/%c/%c/%s.%s", checksum[0], checksum[1], checksum, extension)
}

// IsAudioVideo reports whether the preset carries playback duration.
func (f *File) IsAudioVideo() bool {
	switch f.Preset {
	case PresetVideoHighRes, PresetVideoLowRes, PresetAudio:
		return true
	default:
		return false
	}
}
