package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"feedhub/db"
	"feedhub/models"
	"feedhub/query"
	"feedhub/refresh"
	"feedhub/timeline"
	"feedhub/websub"
)

type FeedStore interface {
	GetFeed(ctx context.Context, id int64) (*models.Feed, error)
	GetFeedByHash(ctx context.Context, hash string) (*models.Feed, error)
}

type Verifier interface {
	Verify(ctx context.Context, hash string, v websub.Verification) (string, error)
}

type Scheduler interface {
	ScheduleNow(task string, feedID int64) error
}

type TimelineReader interface {
	Entries(ctx context.Context, channelID int64, opts timeline.Options) (*models.TimelineResponse, error)
}

type ServerConfig struct {
	Feeds     FeedStore
	Verifier  Verifier
	Scheduler Scheduler
	Timeline  TimelineReader

	// Broadcast channels to pass channel entries to SSE clients
	Broadcaster *Broadcaster

	// Origins allowed to read timelines from a browser. Defaults to "*".
	AllowOrigins string
	PingInterval time.Duration
}

// Server returns the fiber app serving hub callbacks, channel timelines and metrics
func Server(config *ServerConfig) *fiber.App {
	bc := config.Broadcaster
	if config.PingInterval <= 0 {
		config.PingInterval = 15 * time.Second
	}
	if config.AllowOrigins == "" {
		config.AllowOrigins = "*"
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New(compress.Config{
		Next: func(c *fiber.Ctx) bool {
			return strings.HasSuffix(c.Path(), "/stream")
		},
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: config.AllowOrigins,
		AllowHeaders: "Cache-Control",
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Hub verification of (un)subscribe requests
	app.Get("/push/feed/:hash", func(c *fiber.Ctx) error {
		hash := c.Params("hash")
		challenge, err := config.Verifier.Verify(c.UserContext(), hash, websub.Verification{
			Mode:         c.Query("hub.mode"),
			Topic:        c.Query("hub.topic"),
			Challenge:    c.Query("hub.challenge"),
			LeaseSeconds: c.QueryInt("hub.lease_seconds", 0),
			Reason:       c.Query("hub.reason"),
		})
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusOK).SendString(challenge)
	})

	// Content notification from the hub
	app.Post("/push/feed/:hash", func(c *fiber.Ctx) error {
		feed, err := config.Feeds.GetFeedByHash(c.UserContext(), c.Params("hash"))
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"feed": feed.Id,
			"url":  feed.FeedURL,
		}).Info("Received hub notification")
		if err := config.Scheduler.ScheduleNow(refresh.TaskRefreshFeed, feed.Id); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Post("/feeds/:id/refresh", func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid feed id")
		}
		feed, err := config.Feeds.GetFeed(c.UserContext(), int64(id))
		if err != nil {
			return err
		}
		if err := config.Scheduler.ScheduleNow(refresh.TaskRefreshFeed, feed.Id); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Get("/channels/:id/entries", func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid channel id")
		}
		opts := timeline.Options{
			Limit:               c.QueryInt("limit", timeline.DefaultLimit),
			Cursor:              c.Query("cursor"),
			ExcludeReplies:      c.QueryBool("exclude_replies", false),
			ExcludeInteractions: c.QueryBool("exclude_interactions", false),
			Tag:                 c.Query("tag"),
		}
		if opts.Limit < 1 || opts.Limit > timeline.MaxLimit {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid limit")
		}

		log.WithFields(log.Fields{
			"channel": id,
			"cursor":  opts.Cursor,
			"limit":   opts.Limit,
		}).Debug("Listing channel entries")

		resp, err := config.Timeline.Entries(c.UserContext(), int64(id), opts)
		if err != nil {
			return err
		}
		return c.JSON(resp)
	})

	app.Get("/channels/:id/stream", func(c *fiber.Ctx) error {
		id, err := c.ParamsInt("id")
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid channel id")
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		key := uuid.New().String()
		events := make(chan models.ChannelEntryEvent, 10)
		bc.AddClient(key, int64(id), events)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer bc.RemoveClient(key)

			ping := time.NewTicker(config.PingInterval)
			defer ping.Stop()

			fmt.Fprintf(w, "event: init\ndata: %s\n\n", key)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send init event: %v", err)
				return
			}

			for {
				select {
				case <-ping.C:
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						log.Warnf("Failed to send ping to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush ping for client %s: %v", key, err)
						return
					}

				case event, ok := <-events:
					if !ok {
						return
					}
					payload, err := json.Marshal(event)
					if err != nil {
						log.Errorf("Error marshalling event for client %s: %v", key, err)
						continue
					}
					if _, err := fmt.Fprintf(w, "event: channel-entry\ndata: %s\n\n", payload); err != nil {
						log.Warnf("Failed to send channel-entry event to client %s: %v", key, err)
						return
					}
					if err := w.Flush(); err != nil {
						log.Warnf("Failed to flush channel-entry event for client %s: %v", key, err)
						return
					}
				}
			}
		}))

		return nil
	})

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		status, message = fiberErr.Code, fiberErr.Message
	case errors.Is(err, db.ErrNotFound), errors.Is(err, websub.ErrUnknownFeed):
		status, message = fiber.StatusNotFound, "Not Found"
	case errors.Is(err, websub.ErrTopicMismatch):
		status, message = fiber.StatusNotFound, "Topic does not match"
	case errors.Is(err, websub.ErrInvalidMode), errors.Is(err, query.ErrInvalidCursor):
		status, message = fiber.StatusBadRequest, err.Error()
	}

	if status == fiber.StatusInternalServerError {
		log.WithFields(log.Fields{
			"method": c.Method(),
			"path":   c.Path(),
		}).WithError(err).Error("Request failed")
	}
	return c.Status(status).SendString(message)
}
