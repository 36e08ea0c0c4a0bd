package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/platform/gcs"
	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/types"
)

var (
	// ErrNothingToPublish means no node in the main tree is flagged changed
	// and the run was not forced.
	ErrNothingToPublish = errors.New("no changes to publish")
	// ErrChannelIncomplete means the channel cannot be published at all: no
	// resources under the root, or no channel language.
	ErrChannelIncomplete = errors.New("channel is incomplete and cannot be published")
	// ErrAlreadyPublishing means another publish holds the channel lease.
	ErrAlreadyPublishing = errors.New("channel publish already in progress")
)

// slowPublishThreshold is the wall-clock duration past which a successful
// publish is reported for operational visibility. It never fails the run.
const slowPublishThreshold = 10 * time.Minute

// PublishRequest describes one publish run.
type PublishRequest struct {
	ChannelID uuid.UUID
	// Force publishes even when nothing is flagged changed.
	Force bool
	// ForceExercises regenerates every exercise archive regardless of the
	// incremental-build checks.
	ForceExercises bool
	VersionNotes   string
	// IsDraft builds and uploads the versioned artifact but never promotes
	// it to the unversioned latest path and runs no post-publish bookkeeping.
	IsDraft bool
	// Progress, when set, receives percent-complete floats.
	Progress func(float64)
}

// PublishResult is the terminal status of a successful run.
type PublishResult struct {
	Version     int
	ArtifactKey string
	NodeCount   int
}

// Publisher builds and commits channel export artifacts.
type Publisher struct {
	db       *gorm.DB
	channels repos.ChannelRepo
	nodes    repos.ContentNodeRepo
	items    repos.AssessmentItemRepo
	files    repos.FileRepo
	store    gcs.BlobStore
	log      *logger.Logger

	// SlowThreshold is overridable for tests.
	SlowThreshold time.Duration
}

func NewPublisher(db *gorm.DB, channels repos.ChannelRepo, nodes repos.ContentNodeRepo, items repos.AssessmentItemRepo, files repos.FileRepo, store gcs.BlobStore, baseLog *logger.Logger) *Publisher {
	return &Publisher{
		db:            db,
		channels:      channels,
		nodes:         nodes,
		items:         items,
		files:         files,
		store:         store,
		log:           baseLog.With("component", "Publisher"),
		SlowThreshold: slowPublishThreshold,
	}
}

// Publish runs the full pipeline: acquire the channel lease, check
// preconditions, compile the main tree, build and upload the export
// artifact, then (for non-draft runs) commit post-publish bookkeeping.
// The lease is released on every exit path, including cancellation and
// panics, so a crashed publish never leaves the channel locked.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (result *PublishResult, err error) {
	started := time.Now()

	ch, err := p.channels.GetByID(ctx, nil, req.ChannelID)
	if err != nil {
		return nil, err
	}
	if ch.MainTreeID == nil {
		return nil, ErrChannelIncomplete
	}

	acquired, err := p.channels.SetPublishing(ctx, nil, ch.ID, true)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrAlreadyPublishing
	}
	defer func() {
		// Lease release must survive context cancellation.
		releaseCtx := context.WithoutCancel(ctx)
		if _, rerr := p.channels.SetPublishing(releaseCtx, nil, ch.ID, false); rerr != nil {
			p.log.Error("Failed to release publish lease", "channel_id", ch.ID, "error", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	root, err := p.nodes.GetByID(ctx, nil, *ch.MainTreeID)
	if err != nil {
		return nil, err
	}

	// Snapshot the tree once; editors may keep writing while we publish and
	// their changes simply stay flagged for the next run.
	all, err := p.nodes.GetByTreeID(ctx, nil, root.TreeID)
	if err != nil {
		return nil, err
	}

	if !req.Force && !anyChanged(all) {
		return nil, ErrNothingToPublish
	}
	snapshot := newTreeSnapshot(all)
	if ch.Language == "" || !snapshot.publishable(root) {
		return nil, ErrChannelIncomplete
	}

	version := ch.Version + 1
	compiled, err := p.compileTree(ctx, ch, root, snapshot, req)
	if err != nil {
		return nil, err
	}

	artifactKey, err := p.commitArtifact(ctx, ch, version, compiled, req.IsDraft)
	if err != nil {
		return nil, err
	}

	if !req.IsDraft {
		if err := p.finalize(ctx, ch, version, compiled, req.VersionNotes); err != nil {
			return nil, err
		}
	}

	if elapsed := time.Since(started); elapsed > p.SlowThreshold {
		p.log.Warn("Slow publish", "channel_id", ch.ID, "version", version, "elapsed", elapsed.String())
	}
	if req.Progress != nil {
		req.Progress(100)
	}
	return &PublishResult{
		Version:     version,
		ArtifactKey: artifactKey,
		NodeCount:   len(compiled),
	}, nil
}

func anyChanged(nodes []*types.ContentNode) bool {
	for _, n := range nodes {
		if n.Changed {
			return true
		}
	}
	return false
}

// finalize commits the post-publish bookkeeping for a non-draft run: reset
// changed flags, mark published, bump the version, append the version's
// stats to the history map, and record Special Permissions usage.
func (p *Publisher) finalize(ctx context.Context, ch *types.Channel, version int, compiled []*compiledNode, versionNotes string) error {
	stats := computeStats(compiled, versionNotes)

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]uuid.UUID, 0, len(compiled))
		for _, c := range compiled {
			ids = append(ids, c.row.ID)
		}
		now := time.Now()
		err := tx.WithContext(ctx).
			Model(&types.ContentNode{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"changed":    false,
				"published":  true,
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}

		history := map[string]types.VersionStats{}
		if len(ch.PublishedData) > 0 {
			if err := json.Unmarshal(ch.PublishedData, &history); err != nil {
				p.log.Warn("Discarding unreadable publish history", "channel_id", ch.ID, "error", err)
				history = map[string]types.VersionStats{}
			}
		}
		history[fmt.Sprintf("%d", version)] = stats
		rawHistory, err := json.Marshal(history)
		if err != nil {
			return err
		}
		rawKinds, err := json.Marshal(stats.KindCount)
		if err != nil {
			return err
		}
		rawLanguages, err := json.Marshal(stats.Languages)
		if err != nil {
			return err
		}
		rawLicenses, err := json.Marshal(stats.Licenses)
		if err != nil {
			return err
		}

		err = p.channels.UpdateFields(ctx, tx, ch.ID, map[string]interface{}{
			"version":              version,
			"last_published":       now,
			"version_notes":        versionNotes,
			"published_data":       rawHistory,
			"published_kind_count": rawKinds,
			"published_size":       stats.SizeInBytes,
			"total_resource_count": stats.ResourceCount,
			"included_languages":   rawLanguages,
			"included_licenses":    rawLicenses,
		})
		if err != nil {
			return err
		}

		return p.recordSpecialPermissions(ctx, tx, ch.ID, version, compiled)
	})
}

// recordSpecialPermissions creates one audit row per distinct Special
// Permissions license description used in the published set.
func (p *Publisher) recordSpecialPermissions(ctx context.Context, tx *gorm.DB, channelID uuid.UUID, version int, compiled []*compiledNode) error {
	seen := map[string]bool{}
	for _, c := range compiled {
		if c.licenseName != types.SpecialPermissionsName {
			continue
		}
		desc := c.licenseDescription
		if desc == "" || seen[desc] {
			continue
		}
		seen[desc] = true
		record := &types.PublishRecord{
			ID:                 uuid.New(),
			ChannelID:          channelID,
			Version:            version,
			LicenseDescription: desc,
		}
		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			return err
		}
	}
	return nil
}

// computeStats aggregates the freshly published nodes into the per-version
// stats entry. Byte sizes deduplicate by checksum, matching the size cache.
func computeStats(compiled []*compiledNode, versionNotes string) types.VersionStats {
	stats := types.VersionStats{
		KindCount:    map[string]int{},
		VersionNotes: versionNotes,
		PublishedAt:  time.Now(),
	}
	seenChecksums := map[string]bool{}
	languages := map[string]bool{}
	licenses := map[string]bool{}
	categories := map[string]bool{}

	for _, c := range compiled {
		if c.row.Kind != types.KindTopic {
			stats.ResourceCount++
			stats.KindCount[c.row.Kind]++
		}
		for _, f := range c.files {
			if seenChecksums[f.Checksum] {
				continue
			}
			seenChecksums[f.Checksum] = true
			stats.SizeInBytes += f.FileSize
		}
		if c.language != "" {
			languages[c.language] = true
		}
		if c.licenseName != "" {
			licenses[c.licenseName] = true
		}
		for _, cat := range c.labels[types.LabelCategories] {
			categories[cat] = true
		}
	}

	stats.Languages = sortedKeys(languages)
	stats.Licenses = sortedKeys(licenses)
	stats.Categories = sortedKeys(categories)
	return stats
}
