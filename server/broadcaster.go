package server

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"feedhub/models"
)

type client struct {
	channelID int64
	events    chan models.ChannelEntryEvent
}

// Broadcaster hands channel entry events to the SSE clients watching that channel
type Broadcaster struct {
	sync.RWMutex
	clients map[string]client
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]client),
	}
}

// Run forwards events until ctx is done or the source closes
func (b *Broadcaster) Run(ctx context.Context, events <-chan models.ChannelEntryEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			b.Broadcast(event)
		}
	}
}

func (b *Broadcaster) Broadcast(event models.ChannelEntryEvent) {
	b.RLock()
	defer b.RUnlock()

	for key, c := range b.clients {
		if c.channelID != event.ChannelId {
			continue
		}
		select {
		case c.events <- event: // Non-blocking send
		default:
			log.Warnf("Client channel full, skipping event for client: %v", key)
		}
	}
}

func (b *Broadcaster) AddClient(key string, channelID int64, events chan models.ChannelEntryEvent) {
	b.Lock()
	defer b.Unlock()
	b.clients[key] = client{channelID: channelID, events: events}
	log.WithFields(log.Fields{
		"key":     key,
		"channel": channelID,
		"count":   len(b.clients),
	}).Info("Adding client to broadcaster")
}

func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	if c, ok := b.clients[key]; ok {
		close(c.events)
		delete(b.clients, key)
	}

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.clients),
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) Clients() int {
	b.RLock()
	defer b.RUnlock()
	return len(b.clients)
}

// Shutdown disconnects every client
func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for key, c := range b.clients {
		close(c.events)
		delete(b.clients, key)
	}
}
