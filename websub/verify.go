package websub

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"feedhub/db"
	"feedhub/models"
)

var (
	ErrUnknownFeed   = errors.New("unknown feed")
	ErrTopicMismatch = errors.New("topic does not match feed")
	ErrInvalidMode   = errors.New("invalid hub.mode")
)

// Verification is a hub's request to confirm a subscription change
type Verification struct {
	Mode         string
	Topic        string
	Challenge    string
	LeaseSeconds int
	Reason       string
}

// Verify applies a hub verification request for the feed with the given hash
// and returns the challenge to echo back. Denials return an empty challenge.
func (m *Manager) Verify(ctx context.Context, hash string, v Verification) (string, error) {
	feed, err := m.store.GetFeedByHash(ctx, hash)
	if errors.Is(err, db.ErrNotFound) {
		return "", ErrUnknownFeed
	}
	if err != nil {
		return "", err
	}

	logger := log.WithFields(log.Fields{
		"feed":  feed.Id,
		"mode":  v.Mode,
		"topic": v.Topic,
	})

	switch v.Mode {
	case "subscribe":
		if !topicMatches(feed, v.Topic) {
			return "", ErrTopicMismatch
		}
		var expiration *time.Time
		if v.LeaseSeconds > 0 {
			t := m.now().Add(time.Duration(v.LeaseSeconds) * time.Second)
			expiration = &t
		}
		if err := m.store.SetSubscription(ctx, feed.Id, true, expiration); err != nil {
			return "", fmt.Errorf("error saving subscription: %w", err)
		}
		logger.WithField("lease_seconds", v.LeaseSeconds).Info("Hub verified subscription")
		return v.Challenge, nil

	case "unsubscribe":
		if !topicMatches(feed, v.Topic) {
			return "", ErrTopicMismatch
		}
		if err := m.store.SetSubscription(ctx, feed.Id, false, nil); err != nil {
			return "", fmt.Errorf("error saving subscription: %w", err)
		}
		logger.Info("Hub verified unsubscription")
		return v.Challenge, nil

	case "denied":
		if err := m.store.SetSubscription(ctx, feed.Id, false, nil); err != nil {
			return "", fmt.Errorf("error saving subscription: %w", err)
		}
		logger.WithField("reason", v.Reason).Warn("Hub denied subscription")
		return "", nil
	}

	return "", ErrInvalidMode
}

// A feed with no stored topic accepts whatever topic the hub confirms
func topicMatches(feed *models.Feed, topic string) bool {
	return feed.PushTopicURL == "" || feed.PushTopicURL == topic
}
