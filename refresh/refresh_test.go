package refresh_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedhub/channels"
	"feedhub/db"
	"feedhub/db/dbtest"
	"feedhub/fetch"
	"feedhub/linkrel"
	"feedhub/models"
	"feedhub/refresh"
	"feedhub/websub"
)

const feedPage = `<html><body>
<div class="h-feed">
  <div class="h-entry"><a class="u-url" href="/1">one</a></div>
  %s
</div>
</body></html>`

const entryPage = `<html><body>
<article class="h-entry">
  <a class="u-url" href="/1"></a>
  <h1 class="p-name">my dog</h1>
  <div class="e-content"><p>my dog</p></div>
  <time class="dt-published" datetime="2020-01-01T10:00:00-05:00">January 1</time>
  <a class="p-author h-card" href="https://alice.example/">Alice</a>
  <span class="p-category">Dog</span>
  <span class="p-category">dog</span>
  <a class="u-syndication" href="https://social.example/1">elsewhere</a>
</article>
</body></html>`

type delayedJob struct {
	task   string
	feedID int64
	delay  time.Duration
}

type fakeScheduler struct {
	mu      sync.Mutex
	now     []int64
	delayed []delayedJob
}

func (s *fakeScheduler) ScheduleNow(task string, feedID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = append(s.now, feedID)
	return nil
}

func (s *fakeScheduler) ScheduleAfterDelay(task string, feedID int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed = append(s.delayed, delayedJob{task: task, feedID: feedID, delay: delay})
	return nil
}

type fixture struct {
	db        *db.DB
	srv       *httptest.Server
	scheduler *fakeScheduler
	refresher *refresh.Refresher
	requests  atomic.Int64
	hubPosts  atomic.Int64
	// extra markup placed inside the h-feed
	extraEntries string
	feedStatus   int
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		db:         dbtest.Open(t),
		scheduler:  &fakeScheduler{},
		feedStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if f.feedStatus != http.StatusOK {
			w.WriteHeader(f.feedStatus)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/hub>; rel="hub"`, f.srv.URL))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, feedPage, f.extraEntries)
	})
	mux.HandleFunc("/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, entryPage)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/card", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<div class="h-card"><span class="p-name">Not an entry</span></div>`)
	})
	mux.HandleFunc("/rss", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>t</title>
<item><title>one</title><link>%s/1</link></item>
</channel></rss>`, f.srv.URL)
	})
	mux.HandleFunc("/hub", func(w http.ResponseWriter, r *http.Request) {
		f.hubPosts.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)

	client := fetch.New(fetch.Config{Timeout: 5 * time.Second})
	f.refresher = refresh.New(refresh.Config{
		Store:      f.db,
		Fetcher:    client,
		Subscriber: websub.NewManager(f.db, client, "feedhub.example"),
		FanOut:     channels.NewEngine(f.db, nil),
		Scheduler:  f.scheduler,
	})
	return f
}

func (f *fixture) feed(t *testing.T, path string) *models.Feed {
	feed, err := f.db.CreateFeed(context.Background(), f.srv.URL+path)
	require.NoError(t, err)
	return feed
}

func TestRefreshIngestsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	feed := f.feed(t, "/")

	outcome, err := f.refresher.Refresh(ctx, feed.Id)
	require.NoError(t, err)
	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 1, outcome.EntriesFound)
	assert.Equal(t, 1, outcome.EntriesSaved)

	assert.Equal(t, f.srv.URL+"/hub", outcome.HubURL)
	assert.Equal(t, linkrel.SourceHTTP, outcome.HubSource)
	assert.Equal(t, f.srv.URL+"/", outcome.TopicURL)
	assert.Equal(t, linkrel.SourceDefault, outcome.TopicSource)
	assert.True(t, outcome.SubscriptionRequested)
	assert.Equal(t, int64(1), f.hubPosts.Load())

	entries, err := f.db.ListEntries(ctx, feed.Id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, f.srv.URL+"/1", e.URL)
	assert.Equal(t, "", e.Name, "name equal to content is dropped")
	assert.Equal(t, "<p>my dog</p>", e.Content)
	assert.True(t, time.Date(2020, 1, 1, 15, 0, 0, 0, time.UTC).Equal(e.DatePublished))
	assert.Equal(t, -18000, e.TimezoneOffset)
	assert.Equal(t, "Alice", e.AuthorName)
	assert.Equal(t, "https://alice.example/", e.AuthorURL)

	tags, err := f.db.GetEntryTags(ctx, e.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"dog"}, tags)

	syndications, err := f.db.GetEntrySyndications(ctx, e.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://social.example/1"}, syndications)

	stored, err := f.db.GetFeed(ctx, feed.Id)
	require.NoError(t, err)
	assert.False(t, stored.RefreshInProgress)
	assert.NotNil(t, stored.LastRetrieved)
	assert.Equal(t, f.srv.URL+"/hub", stored.PushHubURL)
	assert.Equal(t, f.srv.URL+"/", stored.PushTopicURL)
}

func TestRefreshIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	feed := f.feed(t, "/")

	channel, err := f.db.CreateChannel(ctx, "all")
	require.NoError(t, err)
	require.NoError(t, f.db.AddChannelSource(ctx, channel.Id, feed.Id, ""))

	for i := 0; i < 2; i++ {
		outcome, err := f.refresher.Refresh(ctx, feed.Id)
		require.NoError(t, err)
		require.NoError(t, outcome.Err)
	}

	entries, err := f.db.ListEntries(ctx, feed.Id)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	tags, err := f.db.GetEntryTags(ctx, entries[0].Id)
	require.NoError(t, err)
	assert.Len(t, tags, 1)

	syndications, err := f.db.GetEntrySyndications(ctx, entries[0].Id)
	require.NoError(t, err)
	assert.Len(t, syndications, 1)

	channelEntries, err := f.db.ListChannelEntries(ctx, channel.Id)
	require.NoError(t, err)
	assert.Len(t, channelEntries, 1)
}

func TestRefreshChannelFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	feed := f.feed(t, "/")

	pets, err := f.db.CreateChannel(ctx, "pets")
	require.NoError(t, err)
	plural, err := f.db.CreateChannel(ctx, "plural")
	require.NoError(t, err)
	require.NoError(t, f.db.AddChannelSource(ctx, pets.Id, feed.Id, "dog,cat"))
	require.NoError(t, f.db.AddChannelSource(ctx, plural.Id, feed.Id, "dogs"))

	_, err = f.refresher.Refresh(ctx, feed.Id)
	require.NoError(t, err)

	matched, err := f.db.ListChannelEntries(ctx, pets.Id)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.True(t, time.Date(2020, 1, 1, 15, 0, 0, 0, time.UTC).Equal(matched[0].EntryPublished))

	unmatched, err := f.db.ListChannelEntries(ctx, plural.Id)
	require.NoError(t, err)
	assert.Empty(t, unmatched)
}

func TestRefreshBusyFeedIsDeferred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	feed := f.feed(t, "/")

	claimed, err := f.db.ClaimRefresh(ctx, feed.Id, time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	outcome, err := f.refresher.Refresh(ctx, feed.Id)
	require.NoError(t, err)
	assert.True(t, outcome.Deferred)
	assert.False(t, outcome.Succeeded())

	assert.Equal(t, int64(0), f.requests.Load(), "no network calls")
	require.Len(t, f.scheduler.delayed, 1)
	assert.Equal(t, refresh.TaskRefreshFeed, f.scheduler.delayed[0].task)
	assert.Equal(t, feed.Id, f.scheduler.delayed[0].feedID)
	assert.Equal(t, refresh.DefaultBusyDelay, f.scheduler.delayed[0].delay)

	stored, err := f.db.GetFeed(ctx, feed.Id)
	require.NoError(t, err)
	assert.True(t, stored.RefreshInProgress, "the running refresh keeps its flag")
}

func TestRefreshNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.refresher.Refresh(context.Background(), 404)
	assert.ErrorIs(t, err, refresh.ErrNotFound)

	err = f.refresher.Handle(context.Background(), 404)
	var permanent *backoff.PermanentError
	assert.True(t, errors.As(err, &permanent))
	assert.Equal(t, int64(0), f.requests.Load())
}

func TestRefreshFetchFailureClearsFlag(t *testing.T) {
	f := newFixture(t)
	f.feedStatus = http.StatusServiceUnavailable
	ctx := context.Background()
	feed := f.feed(t, "/")

	outcome, err := f.refresher.Refresh(ctx, feed.Id)
	require.NoError(t, err, "failures inside the refresh are not returned")

	var statusErr *fetch.StatusError
	require.True(t, errors.As(outcome.Err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)

	stored, err := f.db.GetFeed(ctx, feed.Id)
	require.NoError(t, err)
	assert.False(t, stored.RefreshInProgress)
	assert.Nil(t, stored.LastRetrieved)
}

func TestRefreshSkipsBadEntries(t *testing.T) {
	f := newFixture(t)
	f.extraEntries = `<div class="h-entry"><a class="u-url" href="/broken">broken</a></div>
<div class="h-entry"><a class="u-url" href="/card">card</a></div>`
	ctx := context.Background()
	feed := f.feed(t, "/")

	outcome, err := f.refresher.Refresh(ctx, feed.Id)
	require.NoError(t, err)
	require.NoError(t, outcome.Err)
	assert.Equal(t, 3, outcome.EntriesFound)
	assert.Equal(t, 1, outcome.EntriesSaved)
	assert.Equal(t, 2, outcome.EntriesSkipped)

	entries, err := f.db.ListEntries(ctx, feed.Id)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRefreshSubscriptionRenewal(t *testing.T) {
	tests := []struct {
		name     string
		expires  time.Duration
		wantPost bool
	}{
		{name: "expiring within five minutes", expires: 200 * time.Second, wantPost: true},
		{name: "expiring later", expires: 1000 * time.Second, wantPost: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			feed := f.feed(t, "/")

			require.NoError(t, f.db.SavePushState(ctx, feed.Id, f.srv.URL+"/hub", f.srv.URL+"/"))
			expiration := time.Now().Add(tt.expires)
			require.NoError(t, f.db.SetSubscription(ctx, feed.Id, true, &expiration))

			outcome, err := f.refresher.Refresh(ctx, feed.Id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPost, outcome.SubscriptionRequested)
			if tt.wantPost {
				assert.Equal(t, int64(1), f.hubPosts.Load())
			} else {
				assert.Equal(t, int64(0), f.hubPosts.Load())
			}
		})
	}
}

func TestRefreshXMLFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	feed := f.feed(t, "/rss")

	outcome, err := f.refresher.Refresh(ctx, feed.Id)
	require.NoError(t, err)
	require.NoError(t, outcome.Err)
	assert.Equal(t, 1, outcome.EntriesSaved)
	assert.Equal(t, linkrel.SourceNone, outcome.HubSource)

	entries, err := f.db.ListEntries(ctx, feed.Id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.srv.URL+"/1", entries[0].URL)
}

type panickingFetcher struct{}

func (panickingFetcher) GetWithHeaders(context.Context, string) (*fetch.Response, error) {
	panic("boom")
}

func TestRefreshRecoversFromPanic(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	feed, err := database.CreateFeed(ctx, "https://example.com/")
	require.NoError(t, err)

	refresher := refresh.New(refresh.Config{
		Store:     database,
		Fetcher:   panickingFetcher{},
		FanOut:    channels.NewEngine(database, nil),
		Scheduler: &fakeScheduler{},
	})

	outcome, err := refresher.Refresh(ctx, feed.Id)
	require.NoError(t, err)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "boom")

	stored, err := database.GetFeed(ctx, feed.Id)
	require.NoError(t, err)
	assert.False(t, stored.RefreshInProgress)
	assert.Nil(t, stored.LastRetrieved)
}

func TestScheduleDue(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	now := time.Now()

	never, err := database.CreateFeed(ctx, "https://never.example/")
	require.NoError(t, err)
	stale, err := database.CreateFeed(ctx, "https://stale.example/")
	require.NoError(t, err)
	fresh, err := database.CreateFeed(ctx, "https://fresh.example/")
	require.NoError(t, err)
	busy, err := database.CreateFeed(ctx, "https://busy.example/")
	require.NoError(t, err)

	for feed, retrieved := range map[int64]time.Time{
		stale.Id: now.Add(-time.Hour),
		fresh.Id: now.Add(-time.Minute),
	} {
		_, err := database.ClaimRefresh(ctx, feed, now)
		require.NoError(t, err)
		require.NoError(t, database.ReleaseRefresh(ctx, feed, &retrieved))
	}
	_, err = database.ClaimRefresh(ctx, busy.Id, now)
	require.NoError(t, err)

	scheduler := &fakeScheduler{}
	scheduled, err := refresh.ScheduleDue(ctx, database, scheduler, 15*time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 2, scheduled)
	assert.ElementsMatch(t, []int64{never.Id, stale.Id}, scheduler.now)
}
