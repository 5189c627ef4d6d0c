package ingest

import (
	"errors"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	log "github.com/sirupsen/logrus"

	"feedhub/mf2"
	"feedhub/models"
)

var (
	ErrNoMicroformat = errors.New("document has no microformat")
	ErrNotEntry      = errors.New("microformat is not an h-entry")
)

// Draft is an entry ready to be upserted along with its tag and syndication sets
type Draft struct {
	Entry        models.Entry
	Tags         []string
	Syndications []string
}

type author struct {
	name, url, photo string
}

// Normalize builds the stored form of an h-entry on top of the existing row.
// existing must carry FeedId and URL; for a new entry the other fields are zero.
// feedAuthor is the author declared by the feed page, if any.
func Normalize(node *mf2.Node, feedAuthor *mf2.Value, existing models.Entry, now time.Time) (*Draft, error) {
	if !node.IsMicroformat() {
		return nil, ErrNoMicroformat
	}
	if !node.HasType("h-entry") {
		return nil, ErrNotEntry
	}

	entry := existing
	logger := log.WithField("entry", entry.URL)

	name := mf2.PlainText(node, "name")
	summary := mf2.PlainText(node, "summary")
	contentText := mf2.PlainText(node, "content")

	entry.Name = ""
	if !ContentEqual(name, summary) && !ContentEqual(name, contentText) {
		entry.Name = name
	}
	entry.Summary = ""
	if summary != "" && !ContentEqual(summary, contentText) {
		entry.Summary = summary
	}
	entry.Content = mf2.HTML(node, "content")

	if published := mf2.PlainText(node, "published"); published != "" {
		if t, err := dateparse.ParseAny(published); err != nil {
			logger.WithError(err).WithField("published", published).Warn("Unable to parse published date")
		} else {
			_, offset := t.Zone()
			entry.TimezoneOffset = offset
			entry.DatePublished = t.UTC()
		}
	}
	if entry.DatePublished.IsZero() {
		entry.DatePublished = now.UTC()
	}

	if v, ok := urlProperty(node, "like-of"); ok {
		entry.LikeOfURL = v
	}
	if v, ok := urlProperty(node, "repost-of"); ok {
		entry.RepostOfURL = v
	}
	if v, ok := urlProperty(node, "in-reply-to"); ok {
		entry.InReplyToURL = v
	}
	if v, ok := urlProperty(node, "photo"); ok {
		entry.PhotoURL = v
	}
	if v, ok := urlProperty(node, "video"); ok {
		entry.VideoURL = v
	}
	if v, ok := urlProperty(node, "audio"); ok {
		entry.AudioURL = v
	}

	if a, ok := entryAuthor(node, feedAuthor); ok {
		entry.AuthorName = a.name
		entry.AuthorURL = a.url
		entry.AuthorPhoto = a.photo
	} else {
		logger.Warn("No author found for entry or feed")
	}

	entry.NumLikes = len(node.Values("like"))
	entry.NumReposts = len(node.Values("repost"))
	entry.NumComments = len(node.Values("comment"))
	entry.NumRSVPs = len(node.Values("rsvp"))

	entry.DateRetrieved = now.UTC()
	entry.DateUpdated = now.UTC()

	return &Draft{
		Entry:        entry,
		Tags:         NormalizeTags(mf2.Strings(node, "category")),
		Syndications: NormalizeSyndications(mf2.Strings(node, "syndication")),
	}, nil
}

// urlProperty reads a single-valued URL property. A nested citation
// contributes its own url property.
func urlProperty(node *mf2.Node, prop string) (string, bool) {
	v, ok := node.First(prop)
	if !ok {
		return "", false
	}
	if v.Kind == mf2.KindItem {
		u := mf2.PlainText(v.Item, "url")
		return u, u != ""
	}
	return v.Text, v.Text != ""
}

func entryAuthor(node *mf2.Node, feedAuthor *mf2.Value) (author, bool) {
	if v, ok := node.First("author"); ok {
		return authorFrom(v), true
	}
	if feedAuthor != nil {
		return authorFrom(*feedAuthor), true
	}
	return author{}, false
}

func authorFrom(v mf2.Value) author {
	if v.Kind == mf2.KindItem {
		return author{
			name:  mf2.PlainText(v.Item, "name"),
			url:   mf2.PlainText(v.Item, "url"),
			photo: mf2.PlainText(v.Item, "photo"),
		}
	}
	if strings.HasPrefix(v.Text, "http://") || strings.HasPrefix(v.Text, "https://") {
		return author{url: v.Text}
	}
	return author{name: v.Text}
}

// ContentEqual compares two plain text values ignoring differences in whitespace
func ContentEqual(a, b string) bool {
	return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
}
