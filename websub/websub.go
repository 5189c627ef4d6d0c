package websub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"feedhub/fetch"
	"feedhub/models"
)

// RenewWindow is how long before expiration a subscription is renewed
const RenewWindow = 300 * time.Second

// ErrSubscriptionRequest is returned when the hub rejects or never receives a subscription request
var ErrSubscriptionRequest = errors.New("hub subscription request failed")

var hubRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "feedhub_hub_subscription_requests_total",
	Help: "Subscription requests sent to hubs by result",
}, []string{"result"})

type Store interface {
	SavePushState(ctx context.Context, id int64, hubURL, topicURL string) error
	GetFeedByHash(ctx context.Context, hash string) (*models.Feed, error)
	SetSubscription(ctx context.Context, id int64, subscribed bool, expiration *time.Time) error
}

type Poster interface {
	PostForm(ctx context.Context, rawURL string, values url.Values) (*fetch.Response, error)
}

// Manager keeps a feed's hub subscription current
type Manager struct {
	store    Store
	client   Poster
	hostname string
	now      func() time.Time
}

func NewManager(store Store, client Poster, hostname string) *Manager {
	return &Manager{
		store:    store,
		client:   client,
		hostname: hostname,
		now:      time.Now,
	}
}

// CallbackURL is where the hub verifies and delivers notifications for a feed
func CallbackURL(hostname, hash string) string {
	return "http://" + hostname + "/push/feed/" + hash
}

// NeedsSubscription reports whether a subscription request must be sent:
// the feed was never subscribed, its hub changed, or the lease is about to expire.
func NeedsSubscription(feed models.Feed, hubURL string, now time.Time) bool {
	if !feed.PushSubscribed {
		return true
	}
	if hubURL != feed.PushHubURL {
		return true
	}
	return feed.PushExpiration != nil && feed.PushExpiration.Add(-RenewWindow).Before(now)
}

// Reconcile records the discovered hub and topic and subscribes when needed.
// The hub and topic are stored even when the request fails. Returns whether
// a request was sent.
func (m *Manager) Reconcile(ctx context.Context, feed *models.Feed, hubURL, topicURL string) (bool, error) {
	subscribe := NeedsSubscription(*feed, hubURL, m.now())

	feed.PushHubURL = hubURL
	feed.PushTopicURL = topicURL

	var requestErr error
	if subscribe {
		requestErr = m.subscribe(ctx, feed)
	}

	if err := m.store.SavePushState(ctx, feed.Id, hubURL, topicURL); err != nil {
		return subscribe, fmt.Errorf("error saving push state: %w", err)
	}
	return subscribe, requestErr
}

func (m *Manager) subscribe(ctx context.Context, feed *models.Feed) error {
	form := url.Values{
		"hub.mode":     {"subscribe"},
		"hub.topic":    {feed.PushTopicURL},
		"hub.callback": {CallbackURL(m.hostname, feed.Hash)},
	}

	logger := log.WithFields(log.Fields{
		"feed":  feed.Id,
		"hub":   feed.PushHubURL,
		"topic": feed.PushTopicURL,
	})
	logger.Info("Subscribing to hub")

	resp, err := m.client.PostForm(ctx, feed.PushHubURL, form)
	if err != nil {
		hubRequests.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %v", ErrSubscriptionRequest, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		hubRequests.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%w: hub responded %d: %s", ErrSubscriptionRequest, resp.StatusCode, truncate(string(resp.Body), 200))
	}

	hubRequests.WithLabelValues("accepted").Inc()
	logger.WithField("status", resp.StatusCode).Info("Hub accepted subscription request")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
