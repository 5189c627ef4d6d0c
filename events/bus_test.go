package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedhub/events"
	"feedhub/models"
)

func TestBusDeliversChannelEntries(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received, err := bus.SubscribeChannelEntries(ctx)
	require.NoError(t, err)

	sent := []models.ChannelEntryEvent{
		{ChannelId: 1, Entry: models.Entry{Id: 10, URL: "https://x/1"}},
		{ChannelId: 2, Entry: models.Entry{Id: 11, URL: "https://x/2"}},
	}
	for _, ev := range sent {
		require.NoError(t, bus.PublishChannelEntry(context.Background(), ev))
	}

	var got []models.ChannelEntryEvent
	for range sent {
		select {
		case ev := <-received:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	// delivery order across publishes is not guaranteed
	urls := func(evs []models.ChannelEntryEvent) []string {
		out := []string{}
		for _, ev := range evs {
			out = append(out, ev.Entry.URL)
		}
		return out
	}
	assert.ElementsMatch(t, urls(sent), urls(got))
}

func TestBusWithoutSubscribers(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	assert.NoError(t, bus.PublishChannelEntry(context.Background(), models.ChannelEntryEvent{ChannelId: 1}))
}
