package channels

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"feedhub/ingest"
	"feedhub/models"
)

type Definition struct {
	Name    string
	Sources []SourceDefinition
}

type SourceDefinition struct {
	FeedURL string
	Filter  string
}

type SyncStore interface {
	CreateChannel(ctx context.Context, name string) (*models.Channel, error)
	CreateFeed(ctx context.Context, feedURL string) (*models.Feed, error)
	AddChannelSource(ctx context.Context, channelID, feedID int64, filter string) error
}

// Sync creates the defined channels and feeds and points each channel at its
// sources. It only adds or updates; sources missing from the definitions are left alone.
func Sync(ctx context.Context, store SyncStore, defs []Definition) error {
	for _, def := range defs {
		channel, err := store.CreateChannel(ctx, def.Name)
		if err != nil {
			return fmt.Errorf("error creating channel %q: %w", def.Name, err)
		}
		for _, source := range def.Sources {
			feedURL, err := ingest.NormalizeURL(source.FeedURL)
			if err != nil {
				return fmt.Errorf("channel %q: %w", def.Name, err)
			}
			feed, err := store.CreateFeed(ctx, feedURL)
			if err != nil {
				return fmt.Errorf("error creating feed %s: %w", feedURL, err)
			}
			if err := store.AddChannelSource(ctx, channel.Id, feed.Id, source.Filter); err != nil {
				return fmt.Errorf("error adding source to channel %q: %w", def.Name, err)
			}
			log.WithFields(log.Fields{
				"channel": channel.Name,
				"feed":    feedURL,
				"filter":  source.Filter,
			}).Info("Synchronized channel source")
		}
	}
	return nil
}
