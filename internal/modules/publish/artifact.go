package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/learningequality/studio-backend/internal/types"
)

// uploadConcurrency bounds parallel artifact uploads per publish.
const uploadConcurrency = 4

// Export artifact rows. The artifact is a standalone sqlite database that a
// reader consumes without access to the authoring tables, so rows carry
// node_id (the stable in-tree identity), never the authoring row ids.
type exportChannel struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	Description  string
	Language     string
	Version      int
	RootNodeID   string
	ThumbnailURI string
}

func (exportChannel) TableName() string { return "channel" }

type exportNode struct {
	NodeID             string `gorm:"primaryKey;column:node_id"`
	ContentID          string `gorm:"column:content_id"`
	ParentNodeID       string `gorm:"column:parent_node_id;index"`
	Kind               string
	Title              string
	Description        string
	SortOrder          float64 `gorm:"column:sort_order"`
	Language           string
	LicenseName        string `gorm:"column:license_name"`
	LicenseDescription string `gorm:"column:license_description"`
	Author             string
	CopyrightHolder    string `gorm:"column:copyright_holder"`
	Duration           int
	Labels             string `gorm:"column:labels"`
	ThumbnailURI       string `gorm:"column:thumbnail_uri"`
}

func (exportNode) TableName() string { return "node" }

type exportFile struct {
	ID         string `gorm:"primaryKey"`
	NodeID     string `gorm:"column:node_id;index"`
	Checksum   string
	Extension  string
	Preset     string
	Language   string
	FileSize   int64 `gorm:"column:file_size"`
	Duration   int
	StorageURL string `gorm:"column:storage_url"`
}

func (exportFile) TableName() string { return "file" }

type exportAssessment struct {
	AssessmentID string `gorm:"primaryKey;column:assessment_id"`
	NodeID       string `gorm:"column:node_id;index"`
	Type         string
	Question     string
	Answers      string
	Hints        string
	RawData      string `gorm:"column:raw_data"`
	ItemOrder    int    `gorm:"column:item_order"`
	Randomize    bool
}

func (exportAssessment) TableName() string { return "assessment_item" }

type exportPrerequisite struct {
	NodeID             string `gorm:"column:node_id;index"`
	PrerequisiteNodeID string `gorm:"column:prerequisite_node_id"`
}

func (exportPrerequisite) TableName() string { return "node_prerequisite" }

type exportTag struct {
	NodeID  string `gorm:"column:node_id;index"`
	TagName string `gorm:"column:tag_name"`
}

func (exportTag) TableName() string { return "node_tag" }

// versionedArtifactKey is the immutable per-version artifact path.
func versionedArtifactKey(channelID uuid.UUID, version int) string {
	return fmt.Sprintf("databases/%s-%d.sqlite3", channelID, version)
}

// latestArtifactKey is the mutable pointer to the newest non-draft version.
func latestArtifactKey(channelID uuid.UUID) string {
	return fmt.Sprintf("databases/%s.sqlite3", channelID)
}

// commitArtifact builds the sqlite export and uploads it. The versioned key
// is written for every run; the unversioned latest key only for non-draft
// runs, so drafts never change what existing consumers see.
func (p *Publisher) commitArtifact(ctx context.Context, ch *types.Channel, version int, compiled []*compiledNode, isDraft bool) (string, error) {
	dir, err := os.MkdirTemp("", "channel-export-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "export.sqlite3")
	if err := p.buildArtifact(ctx, ch, version, compiled, path); err != nil {
		return "", err
	}

	key := versionedArtifactKey(ch.ID, version)
	keys := []string{key}
	if !isDraft {
		keys = append(keys, latestArtifactKey(ch.ID))
	}

	// Stage every destination key in parallel, each from its own file
	// handle; one failed upload cancels the rest.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return p.store.Save(gctx, k, f)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	p.log.Info("Uploaded export artifact", "channel_id", ch.ID, "version", version, "key", key, "nodes", len(compiled))
	return key, nil
}

func (p *Publisher) buildArtifact(ctx context.Context, ch *types.Channel, version int, compiled []*compiledNode, path string) error {
	edb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open export database: %w", err)
	}
	defer func() {
		if sqlDB, derr := edb.DB(); derr == nil {
			_ = sqlDB.Close()
		}
	}()

	err = edb.AutoMigrate(
		&exportChannel{},
		&exportNode{},
		&exportFile{},
		&exportAssessment{},
		&exportPrerequisite{},
		&exportTag{},
	)
	if err != nil {
		return fmt.Errorf("migrate export schema: %w", err)
	}

	if len(compiled) == 0 {
		return fmt.Errorf("empty publish set")
	}
	root := compiled[0]

	chRow := exportChannel{
		ID:           ch.ID.String(),
		Name:         ch.Name,
		Description:  ch.Description,
		Language:     ch.Language,
		Version:      version,
		RootNodeID:   root.row.NodeID.String(),
		ThumbnailURI: root.thumbnail,
	}
	if err := edb.WithContext(ctx).Create(&chRow).Error; err != nil {
		return err
	}

	publishedByRowID := make(map[uuid.UUID]*compiledNode, len(compiled))
	for _, c := range compiled {
		publishedByRowID[c.row.ID] = c
	}

	for _, c := range compiled {
		parentNodeID := ""
		if c.parent != nil {
			parentNodeID = c.parent.row.NodeID.String()
		}
		row := exportNode{
			NodeID:             c.row.NodeID.String(),
			ContentID:          c.row.ContentID.String(),
			ParentNodeID:       parentNodeID,
			Kind:               c.row.Kind,
			Title:              c.row.Title,
			Description:        c.row.Description,
			SortOrder:          c.row.SortOrder,
			Language:           c.language,
			LicenseName:        c.licenseName,
			LicenseDescription: c.licenseDescription,
			Author:             c.row.Author,
			CopyrightHolder:    c.row.CopyrightHolder,
			Duration:           c.duration,
			Labels:             marshalLabels(c.labels),
			ThumbnailURI:       c.thumbnail,
		}
		if err := edb.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}

		for _, f := range c.files {
			frow := exportFile{
				ID:         f.ID.String(),
				NodeID:     c.row.NodeID.String(),
				Checksum:   f.Checksum,
				Extension:  f.Extension,
				Preset:     f.Preset,
				Language:   f.Language,
				FileSize:   f.FileSize,
				StorageURL: p.store.PublicURL(f.StorageKey()),
			}
			if f.Duration != nil {
				frow.Duration = *f.Duration
			}
			if err := edb.WithContext(ctx).Create(&frow).Error; err != nil {
				return err
			}
		}

		for _, it := range c.items {
			irow := exportAssessment{
				AssessmentID: it.AssessmentID.String(),
				NodeID:       c.row.NodeID.String(),
				Type:         it.Type,
				Question:     it.Question,
				Answers:      string(it.Answers),
				Hints:        string(it.Hints),
				RawData:      it.RawData,
				ItemOrder:    it.Order,
				Randomize:    it.Randomize,
			}
			if err := edb.WithContext(ctx).Create(&irow).Error; err != nil {
				return err
			}
		}
	}

	if err := p.exportRelations(ctx, edb, publishedByRowID); err != nil {
		return err
	}
	return nil
}

// exportRelations is the second pass: prerequisite and tag links are written
// only when both endpoints made it into the publish set, so skipped nodes
// never leave dangling references in the artifact.
func (p *Publisher) exportRelations(ctx context.Context, edb *gorm.DB, published map[uuid.UUID]*compiledNode) error {
	ids := make([]uuid.UUID, 0, len(published))
	for id := range published {
		ids = append(ids, id)
	}

	var prereqs []types.NodePrerequisite
	err := p.db.WithContext(ctx).
		Where("content_node_id IN ?", ids).
		Find(&prereqs).Error
	if err != nil {
		return err
	}
	for _, pr := range prereqs {
		node, ok := published[pr.ContentNodeID]
		if !ok {
			continue
		}
		target, ok := published[pr.PrerequisiteID]
		if !ok {
			continue
		}
		row := exportPrerequisite{
			NodeID:             node.row.NodeID.String(),
			PrerequisiteNodeID: target.row.NodeID.String(),
		}
		if err := edb.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
	}

	type tagLink struct {
		ContentNodeID uuid.UUID
		TagName       string
	}
	var links []tagLink
	err = p.db.WithContext(ctx).
		Table("node_tag").
		Select("node_tag.content_node_id, content_tag.tag_name").
		Joins("JOIN content_tag ON content_tag.id = node_tag.content_tag_id").
		Where("node_tag.content_node_id IN ?", ids).
		Scan(&links).Error
	if err != nil {
		return err
	}
	for _, l := range links {
		node, ok := published[l.ContentNodeID]
		if !ok {
			continue
		}
		row := exportTag{
			NodeID:  node.row.NodeID.String(),
			TagName: l.TagName,
		}
		if err := edb.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func marshalLabels(labels map[string][]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(labels)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
