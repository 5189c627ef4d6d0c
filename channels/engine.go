package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"feedhub/models"
)

var channelMatches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "feedhub_channel_matches_total",
	Help: "Entries added to or refreshed in a channel",
})

type Store interface {
	ChannelSourcesForFeed(ctx context.Context, feedID int64) ([]models.ChannelSource, error)
	UpsertChannelEntry(ctx context.Context, ce models.ChannelEntry) error
}

// Publisher is notified for every channel an entry lands in
type Publisher interface {
	PublishChannelEntry(ctx context.Context, event models.ChannelEntryEvent) error
}

// Engine routes ingested entries into the channels that follow their feed
type Engine struct {
	store     Store
	publisher Publisher
	now       func() time.Time
}

// NewEngine creates an engine. publisher may be nil.
func NewEngine(store Store, publisher Publisher) *Engine {
	return &Engine{
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
}

// FanOut adds the entry to every channel whose source for this feed accepts
// it and returns the matched channel ids. Existing memberships get their
// ordering fields refreshed.
func (e *Engine) FanOut(ctx context.Context, feedID int64, entry models.Entry, tags []string) ([]int64, error) {
	sources, err := e.store.ChannelSourcesForFeed(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("error loading channel sources: %w", err)
	}

	var matched []int64
	for _, source := range sources {
		if !Matches(source.Filter, entry, tags) {
			continue
		}

		ce := models.ChannelEntry{
			ChannelId:      source.ChannelId,
			EntryId:        entry.Id,
			EntryPublished: entry.DatePublished,
			DateCreated:    e.now().UTC(),
		}
		if err := e.store.UpsertChannelEntry(ctx, ce); err != nil {
			return matched, fmt.Errorf("error adding entry to channel %d: %w", source.ChannelId, err)
		}
		matched = append(matched, source.ChannelId)
		channelMatches.Inc()

		log.WithFields(log.Fields{
			"channel": source.ChannelId,
			"entry":   entry.URL,
			"filter":  source.Filter,
		}).Info("Adding to channel")

		if e.publisher != nil {
			event := models.ChannelEntryEvent{ChannelId: source.ChannelId, Entry: entry}
			if err := e.publisher.PublishChannelEntry(ctx, event); err != nil {
				log.WithError(err).WithField("channel", source.ChannelId).Warn("Unable to publish channel entry")
			}
		}
	}
	return matched, nil
}
