package models

import "time"

// Feed is a remote source that publishes entries at a stable URL
type Feed struct {
	Id                int64      `json:"id"`
	FeedURL           string     `json:"feedUrl"`
	Hash              string     `json:"hash"`
	RefreshInProgress bool       `json:"refreshInProgress"`
	RefreshStarted    *time.Time `json:"refreshStarted,omitempty"`
	LastRetrieved     *time.Time `json:"lastRetrieved,omitempty"`
	PushHubURL        string     `json:"pushHubUrl,omitempty"`
	PushTopicURL      string     `json:"pushTopicUrl,omitempty"`
	PushSubscribed    bool       `json:"pushSubscribed"`
	PushExpiration    *time.Time `json:"pushExpiration,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Entry is one normalized post ingested from a feed. Identity is (FeedId, URL).
type Entry struct {
	Id             int64     `json:"id"`
	FeedId         int64     `json:"feedId"`
	URL            string    `json:"url"`
	Name           string    `json:"name,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	Content        string    `json:"content"`
	TimezoneOffset int       `json:"timezoneOffset"`
	DatePublished  time.Time `json:"datePublished"`
	DateRetrieved  time.Time `json:"dateRetrieved"`
	DateUpdated    time.Time `json:"dateUpdated"`
	LikeOfURL      string    `json:"likeOf,omitempty"`
	RepostOfURL    string    `json:"repostOf,omitempty"`
	InReplyToURL   string    `json:"inReplyTo,omitempty"`
	PhotoURL       string    `json:"photo,omitempty"`
	VideoURL       string    `json:"video,omitempty"`
	AudioURL       string    `json:"audio,omitempty"`
	AuthorName     string    `json:"authorName,omitempty"`
	AuthorURL      string    `json:"authorUrl,omitempty"`
	AuthorPhoto    string    `json:"authorPhoto,omitempty"`
	NumLikes       int       `json:"numLikes"`
	NumReposts     int       `json:"numReposts"`
	NumComments    int       `json:"numComments"`
	NumRSVPs       int       `json:"numRsvps"`
}

type Channel struct {
	Id        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelSource routes entries of a feed into a channel. An empty Filter matches everything.
type ChannelSource struct {
	Id        int64  `json:"id"`
	ChannelId int64  `json:"channelId"`
	FeedId    int64  `json:"feedId"`
	Filter    string `json:"filter,omitempty"`
}

// ChannelEntry records membership of an entry in a channel
type ChannelEntry struct {
	ChannelId      int64     `json:"channelId"`
	EntryId        int64     `json:"entryId"`
	EntryPublished time.Time `json:"entryPublished"`
	DateCreated    time.Time `json:"dateCreated"`
}

// ChannelEntryEvent fired when the fan-out engine matches an entry to a channel
type ChannelEntryEvent struct {
	ChannelId int64 `json:"channelId"`
	Entry     Entry `json:"entry"`
}

// TimelineEntry is an entry as listed in a channel timeline
type TimelineEntry struct {
	Entry
	EntryPublished   time.Time `json:"entryPublished"`
	PublishedDisplay string    `json:"publishedDisplay"`
	Tags             []string  `json:"tags"`
}

type TimelineResponse struct {
	Entries []TimelineEntry `json:"entries"`
	Cursor  *string         `json:"cursor"`
}
