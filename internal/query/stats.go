package query

import (
	"context"

	"timeline/internal/eventlog"
	"timeline/internal/storage"
)

// TimeRange is the span of matching timestamps; zero when empty.
type TimeRange struct {
	Earliest int64 `json:"earliest"`
	Latest   int64 `json:"latest"`
}

// Stats aggregates the events matching a filter.
type Stats struct {
	TotalEvents      int64            `json:"total_events"`
	EventsByType     map[string]int64 `json:"events_by_type"`
	EventsByCategory map[string]int64 `json:"events_by_category"`
	EventsByActor    map[string]int64 `json:"events_by_actor"`
	TimeRange        TimeRange        `json:"time_range"`
}

type countRow struct {
	Key   string `bun:"k"`
	Count int64  `bun:"n"`
}

// Stats counts events matching f by type, category and actor. Order,
// Limit and Cursor are ignored.
func (e *Engine) Stats(ctx context.Context, f Filter) (*Stats, error) {
	st := &Stats{
		EventsByType:     map[string]int64{},
		EventsByCategory: map[string]int64{},
		EventsByActor:    map[string]int64{},
	}

	var byType []countRow
	if err := f.apply(e.db.Bun().NewSelect().Model((*storage.EventModel)(nil))).
		ColumnExpr("event_type AS k, COUNT(*) AS n").
		Group("event_type").
		Scan(ctx, &byType); err != nil {
		return nil, err
	}
	for _, r := range byType {
		st.EventsByType[r.Key] = r.Count
		st.TotalEvents += r.Count
		if c := eventlog.CategoryOf(eventlog.EventType(r.Key)); c != "" {
			st.EventsByCategory[string(c)] += r.Count
		}
	}

	var byActor []countRow
	if err := f.apply(e.db.Bun().NewSelect().Model((*storage.EventModel)(nil))).
		ColumnExpr("actor AS k, COUNT(*) AS n").
		Group("actor").
		Scan(ctx, &byActor); err != nil {
		return nil, err
	}
	for _, r := range byActor {
		st.EventsByActor[r.Key] = r.Count
	}

	if st.TotalEvents > 0 {
		if err := f.apply(e.db.Bun().NewSelect().Model((*storage.EventModel)(nil))).
			ColumnExpr("MIN(timestamp), MAX(timestamp)").
			Scan(ctx, &st.TimeRange.Earliest, &st.TimeRange.Latest); err != nil {
			return nil, err
		}
	}
	return st, nil
}
