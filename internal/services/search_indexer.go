package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/platform/logger"
)

// SearchIndexer is notified after a publish that the channel's text indexes
// should refresh. Fire and forget: failures are the indexer's problem, never
// the publisher's.
type SearchIndexer interface {
	ChannelPublished(ctx context.Context, channelID uuid.UUID, version int)
}

// LogSearchIndexer records the notification and does nothing else; the
// real index refresh runs out of band.
type LogSearchIndexer struct {
	Log *logger.Logger
}

func (s LogSearchIndexer) ChannelPublished(ctx context.Context, channelID uuid.UUID, version int) {
	if s.Log != nil {
		s.Log.Info("Search index refresh requested", "channel_id", channelID, "version", version)
	}
}
