// Package query is the read-only view over the event log: filtered,
// cursor-paginated listing plus causation and correlation traversal.
package query

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/uptrace/bun"

	"timeline/internal/common"
	"timeline/internal/eventlog"
	"timeline/internal/storage"
)

// Limits applied to Filter.Limit.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Order of a listing.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// ParseOrder accepts "asc" or "desc" in any case; empty means Asc.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "", "asc":
		return Asc, nil
	case "desc":
		return Desc, nil
	}
	return "", fmt.Errorf("invalid order %q", s)
}

// Filter constrains Query. Zero fields are unconstrained; all set fields
// must match.
type Filter struct {
	Categories    []eventlog.Category
	EventTypes    []eventlog.EventType
	Actor         string
	AggregateID   string
	AggregateType string
	CorrelationID string
	SessionID     string
	// StartTime and EndTime are inclusive, in microseconds.
	StartTime int64
	EndTime   int64
	// Search is a case-insensitive substring of the payload JSON.
	Search string
	Order  Order
	Limit  int
	// Cursor continues a previous listing from its NextCursor.
	Cursor string
}

// Result is one page of a Query.
type Result struct {
	Events     []*eventlog.Event `json:"events"`
	Total      int               `json:"total"`
	HasMore    bool              `json:"has_more"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Engine answers queries over one database handle.
type Engine struct {
	db *storage.DB
}

// New creates an Engine.
func New(db *storage.DB) *Engine {
	return &Engine{db: db}
}

// EncodeCursor returns the opaque cursor that resumes after seq.
func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("seq:" + strconv.FormatInt(seq, 10)))
}

// DecodeCursor returns the sequence number a cursor resumes after.
func DecodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	s, ok := strings.CutPrefix(string(raw), "seq:")
	if !ok {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return seq, nil
}

// apply adds the filter predicates, excluding the cursor, to q.
func (f *Filter) apply(q *bun.SelectQuery) *bun.SelectQuery {
	if len(f.EventTypes) > 0 {
		q = q.Where("event_type IN (?)", bun.In(typeStrings(f.EventTypes)))
	}
	if len(f.Categories) > 0 {
		var types []eventlog.EventType
		for _, c := range f.Categories {
			types = append(types, eventlog.TypesIn(c)...)
		}
		if len(types) == 0 {
			// Unknown categories match nothing.
			q = q.Where("1 = 0")
		} else {
			q = q.Where("event_type IN (?)", bun.In(typeStrings(types)))
		}
	}
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}
	if f.AggregateID != "" {
		q = q.Where("aggregate_id = ?", f.AggregateID)
	}
	if f.AggregateType != "" {
		q = q.Where("aggregate_type = ?", f.AggregateType)
	}
	if f.CorrelationID != "" {
		q = q.Where("correlation_id = ?", f.CorrelationID)
	}
	if f.SessionID != "" {
		q = q.Where("CAST(json_extract(payload, '$.session_id') AS TEXT) = ?", f.SessionID)
	}
	if f.StartTime > 0 {
		q = q.Where("timestamp >= ?", f.StartTime)
	}
	if f.EndTime > 0 {
		q = q.Where("timestamp <= ?", f.EndTime)
	}
	if f.Search != "" {
		q = q.Where("instr(lower(payload), lower(?)) > 0", f.Search)
	}
	return q
}

// Query returns one page of events matching f, ordered by sequence
// number. Total counts every match regardless of the cursor.
func (e *Engine) Query(ctx context.Context, f Filter) (*Result, error) {
	order := f.Order
	if order == "" {
		order = Asc
	}
	if order != Asc && order != Desc {
		return nil, fmt.Errorf("invalid order %q", order)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	total, err := f.apply(e.db.Bun().NewSelect().Model((*storage.EventModel)(nil))).Count(ctx)
	if err != nil {
		return nil, err
	}

	var ms []storage.EventModel
	q := f.apply(e.db.Bun().NewSelect().Model(&ms))
	if f.Cursor != "" {
		after, err := DecodeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		if order == Asc {
			q = q.Where("sequence_number > ?", after)
		} else {
			q = q.Where("sequence_number < ?", after)
		}
	}
	if order == Asc {
		q = q.Order("sequence_number ASC")
	} else {
		q = q.Order("sequence_number DESC")
	}
	// One extra row tells whether another page exists.
	if err := q.Limit(limit + 1).Scan(ctx); err != nil {
		return nil, err
	}

	res := &Result{Total: total}
	if len(ms) > limit {
		ms = ms[:limit]
		res.HasMore = true
	}
	res.Events = eventlog.FromModels(ms)
	if res.HasMore {
		res.NextCursor = EncodeCursor(res.Events[len(res.Events)-1].SequenceNumber)
	}
	return res, nil
}

// Get returns one event by id, or common.ErrNotFound.
func (e *Engine) Get(ctx context.Context, id string) (*eventlog.Event, error) {
	var ms []storage.EventModel
	if err := e.db.Bun().NewSelect().Model(&ms).Where("id = ?", id).Scan(ctx); err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, fmt.Errorf("event %s: %w", id, common.ErrNotFound)
	}
	return eventlog.FromModel(&ms[0]), nil
}

// Recent returns the newest limit events, newest first.
func (e *Engine) Recent(ctx context.Context, limit int) ([]*eventlog.Event, error) {
	res, err := e.Query(ctx, Filter{Order: Desc, Limit: limit})
	if err != nil {
		return nil, err
	}
	return res.Events, nil
}

// SearchPayload is Query with a case-insensitive payload substring match.
func (e *Engine) SearchPayload(ctx context.Context, term string, f Filter) (*Result, error) {
	f.Search = term
	return e.Query(ctx, f)
}

// FileEvents lists the events of one file aggregate.
func (e *Engine) FileEvents(ctx context.Context, path string, f Filter) (*Result, error) {
	f.AggregateID = common.NormalizePath(path)
	f.AggregateType = eventlog.AggregateFile
	return e.Query(ctx, f)
}

// SessionEvents lists the events whose payload carries sessionID.
func (e *Engine) SessionEvents(ctx context.Context, sessionID string, f Filter) (*Result, error) {
	f.SessionID = sessionID
	return e.Query(ctx, f)
}

// Around returns up to before events at or before ts and up to after
// events after it, in sequence order.
func (e *Engine) Around(ctx context.Context, ts int64, before, after int) ([]*eventlog.Event, error) {
	var out []*eventlog.Event
	if before > 0 {
		res, err := e.Query(ctx, Filter{EndTime: ts, Order: Desc, Limit: before})
		if err != nil {
			return nil, err
		}
		for i := len(res.Events) - 1; i >= 0; i-- {
			out = append(out, res.Events[i])
		}
	}
	if after > 0 {
		res, err := e.Query(ctx, Filter{StartTime: ts + 1, Order: Asc, Limit: after})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Events...)
	}
	return out, nil
}

func typeStrings(types []eventlog.EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
