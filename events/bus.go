package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	log "github.com/sirupsen/logrus"

	"feedhub/models"
)

const TopicChannelEntry = "channel_entry"

// Bus carries events between the ingestion pipeline and live listeners.
// Events published while nobody listens are dropped.
type Bus struct {
	pubsub *gochannel.GoChannel
}

func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			NewLogrusAdapter(log.StandardLogger()),
		),
	}
}

func (b *Bus) PublishChannelEntry(ctx context.Context, event models.ChannelEntryEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("error encoding event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(TopicChannelEntry, msg); err != nil {
		return fmt.Errorf("error publishing event: %w", err)
	}
	return nil
}

// SubscribeChannelEntries streams channel entry events until ctx is done
func (b *Bus) SubscribeChannelEntries(ctx context.Context) (<-chan models.ChannelEntryEvent, error) {
	messages, err := b.pubsub.Subscribe(ctx, TopicChannelEntry)
	if err != nil {
		return nil, fmt.Errorf("error subscribing: %w", err)
	}

	out := make(chan models.ChannelEntryEvent)
	go func() {
		defer close(out)
		for msg := range messages {
			msg.Ack()

			var event models.ChannelEntryEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				log.WithError(err).WithField("message", msg.UUID).Error("Dropping malformed event")
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}
