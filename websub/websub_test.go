package websub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedhub/db/dbtest"
	"feedhub/fetch"
	"feedhub/models"
	"feedhub/websub"
)

func TestNeedsSubscription(t *testing.T) {
	now := time.Now()
	at := func(d time.Duration) *time.Time {
		t := now.Add(d)
		return &t
	}

	tests := []struct {
		name string
		feed models.Feed
		hub  string
		want bool
	}{
		{name: "never subscribed", feed: models.Feed{}, hub: "https://hub/", want: true},
		{name: "hub changed", feed: models.Feed{PushSubscribed: true, PushHubURL: "https://old/"}, hub: "https://hub/", want: true},
		{name: "expires in 200s", feed: models.Feed{PushSubscribed: true, PushHubURL: "https://hub/", PushExpiration: at(200 * time.Second)}, hub: "https://hub/", want: true},
		{name: "expires in 1000s", feed: models.Feed{PushSubscribed: true, PushHubURL: "https://hub/", PushExpiration: at(1000 * time.Second)}, hub: "https://hub/", want: false},
		{name: "already expired", feed: models.Feed{PushSubscribed: true, PushHubURL: "https://hub/", PushExpiration: at(-time.Hour)}, hub: "https://hub/", want: true},
		{name: "no expiration", feed: models.Feed{PushSubscribed: true, PushHubURL: "https://hub/"}, hub: "https://hub/", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, websub.NeedsSubscription(tt.feed, tt.hub, now))
		})
	}
}

type hub struct {
	mu       sync.Mutex
	status   int
	requests []url.Values
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	h.mu.Lock()
	h.requests = append(h.requests, r.PostForm)
	h.mu.Unlock()
	w.WriteHeader(h.status)
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		subscribed bool
		wantSent   bool
		wantErr    bool
	}{
		{name: "accepted", status: http.StatusAccepted, wantSent: true},
		{name: "rejected still stores hub", status: http.StatusInternalServerError, wantSent: true, wantErr: true},
		{name: "current subscription", status: http.StatusAccepted, subscribed: true, wantSent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := dbtest.Open(t)
			ctx := context.Background()
			h := &hub{status: tt.status}
			srv := httptest.NewServer(h)
			defer srv.Close()

			feed, err := database.CreateFeed(ctx, "https://example.com/")
			require.NoError(t, err)
			if tt.subscribed {
				require.NoError(t, database.SavePushState(ctx, feed.Id, srv.URL, "https://example.com/"))
				require.NoError(t, database.SetSubscription(ctx, feed.Id, true, nil))
				feed, err = database.GetFeed(ctx, feed.Id)
				require.NoError(t, err)
			}

			manager := websub.NewManager(database, fetch.New(fetch.Config{}), "feedhub.example")
			sent, err := manager.Reconcile(ctx, feed, srv.URL, "https://example.com/self")
			assert.Equal(t, tt.wantSent, sent)
			if tt.wantErr {
				assert.ErrorIs(t, err, websub.ErrSubscriptionRequest)
			} else {
				assert.NoError(t, err)
			}

			if tt.wantSent {
				require.Len(t, h.requests, 1)
				assert.Equal(t, "subscribe", h.requests[0].Get("hub.mode"))
				assert.Equal(t, "https://example.com/self", h.requests[0].Get("hub.topic"))
				assert.Equal(t, "http://feedhub.example/push/feed/"+feed.Hash, h.requests[0].Get("hub.callback"))
			} else {
				assert.Empty(t, h.requests)
			}

			stored, err := database.GetFeed(ctx, feed.Id)
			require.NoError(t, err)
			assert.Equal(t, srv.URL, stored.PushHubURL)
			assert.Equal(t, "https://example.com/self", stored.PushTopicURL)
		})
	}
}

func TestVerify(t *testing.T) {
	database := dbtest.Open(t)
	ctx := context.Background()
	feed, err := database.CreateFeed(ctx, "https://example.com/")
	require.NoError(t, err)
	require.NoError(t, database.SavePushState(ctx, feed.Id, "https://hub.example/", "https://example.com/"))

	manager := websub.NewManager(database, fetch.New(fetch.Config{}), "feedhub.example")

	_, err = manager.Verify(ctx, "nope", websub.Verification{Mode: "subscribe"})
	assert.ErrorIs(t, err, websub.ErrUnknownFeed)

	_, err = manager.Verify(ctx, feed.Hash, websub.Verification{Mode: "subscribe", Topic: "https://other.example/"})
	assert.ErrorIs(t, err, websub.ErrTopicMismatch)

	_, err = manager.Verify(ctx, feed.Hash, websub.Verification{Mode: "bogus"})
	assert.ErrorIs(t, err, websub.ErrInvalidMode)

	before := time.Now()
	challenge, err := manager.Verify(ctx, feed.Hash, websub.Verification{
		Mode: "subscribe", Topic: "https://example.com/", Challenge: "abc", LeaseSeconds: 3600,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", challenge)

	stored, err := database.GetFeed(ctx, feed.Id)
	require.NoError(t, err)
	assert.True(t, stored.PushSubscribed)
	require.NotNil(t, stored.PushExpiration)
	assert.WithinDuration(t, before.Add(time.Hour), *stored.PushExpiration, 5*time.Second)

	challenge, err = manager.Verify(ctx, feed.Hash, websub.Verification{Mode: "denied", Reason: "no"})
	require.NoError(t, err)
	assert.Empty(t, challenge)

	stored, err = database.GetFeed(ctx, feed.Id)
	require.NoError(t, err)
	assert.False(t, stored.PushSubscribed)
	assert.Nil(t, stored.PushExpiration)
}
