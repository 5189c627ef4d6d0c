package timeline

import (
	"github.com/huandu/go-sqlbuilder"

	"feedhub/db"
	"feedhub/query"
)

// QueryBuilder builds channel timeline queries from a set of filters
type QueryBuilder struct {
	filters []query.FilterStrategy
}

func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{
		filters: make([]query.FilterStrategy, 0),
	}
}

func (b *QueryBuilder) AddFilter(filter query.FilterStrategy) {
	b.filters = append(b.filters, filter)
}

func (b *QueryBuilder) Build(limit int, cursor *query.Cursor) (string, []interface{}) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()

	sb.Select(append(db.EntryColumns("entries"), "channel_entries.entry_published")...)
	sb.From("channel_entries")
	sb.Join("entries", "entries.id = channel_entries.entry_id")

	for _, filter := range b.filters {
		filter.ApplyFilter(sb)
	}

	if cursor != nil {
		published := cursor.Published.Unix()
		sb.Where(sb.Or(
			sb.LessThan("channel_entries.entry_published", published),
			sb.And(
				sb.Equal("channel_entries.entry_published", published),
				sb.LessThan("channel_entries.entry_id", cursor.EntryID),
			),
		))
	}

	sb.OrderBy("channel_entries.entry_published DESC", "channel_entries.entry_id DESC")
	sb.Limit(limit)

	return sb.Build()
}

var _ query.Builder = (*QueryBuilder)(nil)
