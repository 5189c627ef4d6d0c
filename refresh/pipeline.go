package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"feedhub/db"
	"feedhub/fetch"
	"feedhub/ingest"
	"feedhub/linkrel"
	"feedhub/mf2"
	"feedhub/models"
)

// candidate is an entry permalink discovered on the feed page
type candidate struct {
	url string
}

func (r *Refresher) run(ctx context.Context, feed *models.Feed, outcome *Outcome) error {
	resp, err := r.fetcher.GetWithHeaders(ctx, feed.FeedURL)
	if err != nil {
		return fmt.Errorf("error fetching feed: %w", err)
	}

	headerRels := linkrel.Parse(resp.Header).Absolute(resp.URL)

	var docRels linkrel.Rels
	var candidates []candidate
	var feedAuthor *mf2.Value

	if isXMLFeed(resp.ContentType()) {
		candidates, err = xmlCandidates(resp.Body)
		if err != nil {
			return fmt.Errorf("error parsing feed document: %w", err)
		}
	} else {
		doc, err := mf2.Parse(bytes.NewReader(resp.Body), resp.URL)
		if err != nil {
			return fmt.Errorf("error parsing feed document: %w", err)
		}
		docRels = doc.Rels
		if info := mf2.FeedInfo(doc); info != nil {
			if author, ok := info.Author(); ok {
				feedAuthor = &author
			}
			for _, e := range info.Entries {
				u := mf2.PlainText(e, "url")
				if u == "" {
					log.WithField("feed", feed.Id).Info("No URL was found for this entry")
					outcome.EntriesSkipped++
					entriesSkipped.WithLabelValues("no_url").Inc()
					continue
				}
				candidates = append(candidates, candidate{url: u})
			}
		}
	}

	r.reconcileHub(ctx, feed, headerRels, docRels, outcome)

	outcome.EntriesFound = len(candidates)
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := log.WithFields(log.Fields{
			"feed":  feed.Id,
			"index": i,
			"entry": c.url,
		})
		logger.Info("Processing entry")

		if err := r.ingestEntry(ctx, feed, c.url, feedAuthor); err != nil {
			outcome.EntriesSkipped++
			entriesSkipped.WithLabelValues(skipReason(err)).Inc()
			logger.WithError(err).Warn("Skipping entry")
			continue
		}
		outcome.EntriesSaved++
		entriesIngested.Inc()
	}
	return nil
}

func (r *Refresher) reconcileHub(ctx context.Context, feed *models.Feed, headerRels, docRels linkrel.Rels, outcome *Outcome) {
	hubURL, hubSource := linkrel.Resolve(headerRels, docRels, "hub")
	if hubSource == linkrel.SourceNone {
		return
	}
	topicURL, topicSource := linkrel.ResolveSelf(headerRels, docRels, feed.FeedURL)

	outcome.HubURL, outcome.HubSource = hubURL, hubSource
	outcome.TopicURL, outcome.TopicSource = topicURL, topicSource

	logger := log.WithFields(log.Fields{
		"feed":         feed.Id,
		"hub":          hubURL,
		"hub_source":   hubSource,
		"topic":        topicURL,
		"topic_source": topicSource,
	})
	logger.Info("Found hub")

	sent, err := r.subscriber.Reconcile(ctx, feed, hubURL, topicURL)
	outcome.SubscriptionRequested = sent
	if err != nil {
		outcome.SubscriptionErr = err
		logger.WithError(err).Error("Hub subscription failed")
	}
}

func (r *Refresher) ingestEntry(ctx context.Context, feed *models.Feed, entryURL string, feedAuthor *mf2.Value) error {
	resp, err := r.fetcher.GetWithHeaders(ctx, entryURL)
	if err != nil {
		return err
	}
	doc, err := mf2.Parse(bytes.NewReader(resp.Body), entryURL)
	if err != nil {
		return err
	}
	nodes := mf2.FindByType(doc.Items, "h-entry")
	if len(nodes) == 0 {
		return ingest.ErrNoMicroformat
	}

	existing, err := r.store.GetEntry(ctx, feed.Id, entryURL)
	if errors.Is(err, db.ErrNotFound) {
		existing = &models.Entry{FeedId: feed.Id, URL: entryURL}
	} else if err != nil {
		return err
	}

	draft, err := ingest.Normalize(nodes[0], feedAuthor, *existing, r.now())
	if err != nil {
		return err
	}

	entryID, err := r.store.UpsertEntry(ctx, &draft.Entry)
	if err != nil {
		return err
	}
	if _, err := r.store.AddEntryTags(ctx, entryID, draft.Tags); err != nil {
		return err
	}
	if _, err := r.store.AddEntrySyndications(ctx, entryID, draft.Syndications); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"feed":      feed.Id,
		"entry":     entryURL,
		"id":        entryID,
		"name":      draft.Entry.Name,
		"published": draft.Entry.DatePublished,
		"tags":      draft.Tags,
	}).Info("Saved entry")

	_, err = r.fanout.FanOut(ctx, feed.Id, draft.Entry, draft.Tags)
	return err
}

func isXMLFeed(contentType string) bool {
	if contentType == "application/xhtml+xml" {
		return false
	}
	return strings.Contains(contentType, "xml") ||
		strings.Contains(contentType, "rss") ||
		strings.Contains(contentType, "atom")
}

// xmlCandidates lists the item permalinks of an RSS, Atom or JSON feed
func xmlCandidates(body []byte) ([]candidate, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	links := lo.FilterMap(parsed.Items, func(item *gofeed.Item, _ int) (string, bool) {
		return item.Link, item.Link != ""
	})
	return lo.Map(lo.Uniq(links), func(u string, _ int) candidate { return candidate{url: u} }), nil
}

func skipReason(err error) string {
	var statusErr *fetch.StatusError
	switch {
	case errors.As(err, &statusErr):
		return "status"
	case errors.Is(err, ingest.ErrNoMicroformat), errors.Is(err, ingest.ErrNotEntry):
		return "not_entry"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}
