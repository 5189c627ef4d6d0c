package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// Builder builds SQL queries for channel timelines
type Builder interface {
	Build(limit int, cursor *Cursor) (string, []interface{})
}

// FilterStrategy adds WHERE conditions to the query
type FilterStrategy interface {
	// ApplyFilter adds filter conditions to the query builder
	ApplyFilter(sb *sqlbuilder.SelectBuilder)
}

// Cursor points at the last entry of a timeline page. Timelines are ordered
// by (published, entry id) descending, so the next page starts strictly after it.
type Cursor struct {
	Published time.Time
	EntryID   int64
}

// Encode renders the cursor as "<unix seconds>:<entry id>"
func (c Cursor) Encode() string {
	return fmt.Sprintf("%d:%d", c.Published.Unix(), c.EntryID)
}

func ParseCursor(s string) (*Cursor, error) {
	published, id, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	sec, err := strconv.ParseInt(published, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	entryID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || entryID <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCursor, s)
	}
	return &Cursor{Published: time.Unix(sec, 0).UTC(), EntryID: entryID}, nil
}
