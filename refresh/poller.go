package refresh

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"feedhub/models"
)

type DueLister interface {
	ListFeedsDue(ctx context.Context, retrievedBefore time.Time) ([]models.Feed, error)
}

// ScheduleDue queues a refresh for every idle feed not retrieved within interval
func ScheduleDue(ctx context.Context, lister DueLister, scheduler Scheduler, interval time.Duration, now time.Time) (int, error) {
	feeds, err := lister.ListFeedsDue(ctx, now.Add(-interval))
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, feed := range feeds {
		if err := scheduler.ScheduleNow(TaskRefreshFeed, feed.Id); err != nil {
			log.WithField("feed", feed.Id).WithError(err).Warn("Unable to schedule refresh")
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// Poll runs ScheduleDue immediately and then every interval until ctx is done
func Poll(ctx context.Context, lister DueLister, scheduler Scheduler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		scheduled, err := ScheduleDue(ctx, lister, scheduler, interval, time.Now())
		if err != nil {
			log.WithError(err).Error("Error listing feeds due for refresh")
		} else if scheduled > 0 {
			log.WithField("count", scheduled).Info("Scheduled feed refreshes")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
