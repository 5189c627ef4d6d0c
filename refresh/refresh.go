package refresh

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"feedhub/db"
	"feedhub/fetch"
	"feedhub/linkrel"
	"feedhub/lock"
	"feedhub/models"
)

// TaskRefreshFeed is the job name refreshes are scheduled under
const TaskRefreshFeed = "refresh_feed"

// DefaultBusyDelay is how long a refresh waits before retrying a feed that is already being refreshed
const DefaultBusyDelay = 5 * time.Second

var ErrNotFound = errors.New("feed not found")

var (
	refreshResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_refresh_total",
		Help: "Feed refreshes by result",
	}, []string{"result"})

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedhub_refresh_duration_seconds",
		Help:    "Duration of feed refreshes that claimed the feed",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
	})

	entriesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedhub_entries_ingested_total",
		Help: "Entries stored or updated",
	})

	entriesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_entries_skipped_total",
		Help: "Entries skipped during a refresh by reason",
	}, []string{"reason"})
)

// Scheduler queues refresh jobs
type Scheduler interface {
	ScheduleNow(task string, feedID int64) error
	ScheduleAfterDelay(task string, feedID int64, delay time.Duration) error
}

type Store interface {
	GetFeed(ctx context.Context, id int64) (*models.Feed, error)
	ClaimRefresh(ctx context.Context, id int64, now time.Time) (bool, error)
	ReleaseRefresh(ctx context.Context, id int64, retrieved *time.Time) error
	GetEntry(ctx context.Context, feedID int64, url string) (*models.Entry, error)
	UpsertEntry(ctx context.Context, e *models.Entry) (int64, error)
	AddEntryTags(ctx context.Context, entryID int64, tags []string) (int64, error)
	AddEntrySyndications(ctx context.Context, entryID int64, urls []string) (int64, error)
}

type Fetcher interface {
	GetWithHeaders(ctx context.Context, rawURL string) (*fetch.Response, error)
}

type Subscriber interface {
	Reconcile(ctx context.Context, feed *models.Feed, hubURL, topicURL string) (bool, error)
}

type FanOuter interface {
	FanOut(ctx context.Context, feedID int64, entry models.Entry, tags []string) ([]int64, error)
}

type Config struct {
	Store      Store
	Fetcher    Fetcher
	Subscriber Subscriber
	FanOut     FanOuter
	Scheduler  Scheduler
	// Locker adds an external lease on top of the stored refresh flag. Optional.
	Locker    lock.Locker
	BusyDelay time.Duration
}

// Refresher runs the refresh pipeline for one feed at a time
type Refresher struct {
	store      Store
	fetcher    Fetcher
	subscriber Subscriber
	fanout     FanOuter
	scheduler  Scheduler
	locker     lock.Locker
	busyDelay  time.Duration
	now        func() time.Time
}

func New(cfg Config) *Refresher {
	if cfg.BusyDelay <= 0 {
		cfg.BusyDelay = DefaultBusyDelay
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.Nop{}
	}
	return &Refresher{
		store:      cfg.Store,
		fetcher:    cfg.Fetcher,
		subscriber: cfg.Subscriber,
		fanout:     cfg.FanOut,
		scheduler:  cfg.Scheduler,
		locker:     cfg.Locker,
		busyDelay:  cfg.BusyDelay,
		now:        time.Now,
	}
}

// Outcome summarises one refresh invocation
type Outcome struct {
	FeedID int64
	// Deferred is set when the feed was busy and the refresh was rescheduled
	Deferred bool

	HubURL      string
	HubSource   linkrel.Source
	TopicURL    string
	TopicSource linkrel.Source

	SubscriptionRequested bool
	SubscriptionErr       error

	EntriesFound   int
	EntriesSaved   int
	EntriesSkipped int

	// Err ended the refresh body early. It is logged, never returned.
	Err      error
	Duration time.Duration
}

func (o *Outcome) Succeeded() bool {
	return !o.Deferred && o.Err == nil
}

// Refresh fetches a feed, keeps its hub subscription current and ingests its
// entries. Only ErrNotFound and storage failures around the claim are
// returned; everything that goes wrong inside the refresh is recorded in the
// outcome and logged. A busy feed is rescheduled after the busy delay.
func (r *Refresher) Refresh(ctx context.Context, feedID int64) (*Outcome, error) {
	feed, err := r.store.GetFeed(ctx, feedID)
	if errors.Is(err, db.ErrNotFound) {
		refreshResults.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %d", ErrNotFound, feedID)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading feed %d: %w", feedID, err)
	}

	logger := log.WithFields(log.Fields{
		"feed": feed.Id,
		"url":  feed.FeedURL,
	})
	logger.Info("Refreshing feed")

	if feed.RefreshInProgress {
		return r.deferRefresh(logger, feed.Id)
	}

	lease, ok, err := r.locker.Acquire(ctx, "feed:"+strconv.FormatInt(feed.Id, 10))
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.deferRefresh(logger, feed.Id)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Unable to release refresh lease")
		}
	}()

	claimed, err := r.store.ClaimRefresh(ctx, feed.Id, r.now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return r.deferRefresh(logger, feed.Id)
	}

	outcome := &Outcome{FeedID: feed.Id}
	start := time.Now()

	defer func() {
		var retrieved *time.Time
		if outcome.Err == nil {
			t := r.now()
			retrieved = &t
		}
		if err := r.store.ReleaseRefresh(context.WithoutCancel(ctx), feed.Id, retrieved); err != nil {
			logger.WithError(err).Error("Unable to clear refresh flag")
		}
	}()

	outcome.Err = r.guard(ctx, feed, outcome)
	outcome.Duration = time.Since(start)
	refreshDuration.Observe(outcome.Duration.Seconds())

	fields := log.Fields{
		"found":    outcome.EntriesFound,
		"saved":    outcome.EntriesSaved,
		"skipped":  outcome.EntriesSkipped,
		"duration": outcome.Duration,
	}
	if outcome.Err != nil {
		refreshResults.WithLabelValues("failed").Inc()
		logger.WithFields(fields).WithError(outcome.Err).Error("Error processing feed")
	} else {
		refreshResults.WithLabelValues("success").Inc()
		logger.WithFields(fields).Info("Feed refreshed")
	}
	return outcome, nil
}

// Handle adapts Refresh to a queue handler. A missing feed is never retried.
func (r *Refresher) Handle(ctx context.Context, feedID int64) error {
	_, err := r.Refresh(ctx, feedID)
	if errors.Is(err, ErrNotFound) {
		return backoff.Permanent(err)
	}
	return err
}

func (r *Refresher) deferRefresh(logger *log.Entry, feedID int64) (*Outcome, error) {
	logger.WithField("delay", r.busyDelay).Info("Feed is already being refreshed, rescheduling")
	refreshResults.WithLabelValues("deferred").Inc()
	if err := r.scheduler.ScheduleAfterDelay(TaskRefreshFeed, feedID, r.busyDelay); err != nil {
		return nil, fmt.Errorf("error rescheduling feed %d: %w", feedID, err)
	}
	return &Outcome{FeedID: feedID, Deferred: true}, nil
}

// guard runs the refresh body, turning a panic into an error
func (r *Refresher) guard(ctx context.Context, feed *models.Feed, outcome *Outcome) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(log.Fields{
				"feed":  feed.Id,
				"stack": string(debug.Stack()),
			}).Error("Recovered from panic while refreshing feed")
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.run(ctx, feed, outcome)
}
