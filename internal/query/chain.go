package query

import (
	"context"
	"fmt"

	"timeline/internal/eventlog"
	"timeline/internal/storage"
)

// MaxChainDepth bounds causation traversal.
const MaxChainDepth = 64

// ChainEntry is a node of a causation tree.
type ChainEntry struct {
	Event    *eventlog.Event `json:"event"`
	Depth    int             `json:"depth"`
	Children []*ChainEntry   `json:"children"`
}

// Walk visits the tree depth-first, parents before children.
func (c *ChainEntry) Walk(fn func(*ChainEntry)) {
	fn(c)
	for _, child := range c.Children {
		child.Walk(fn)
	}
}

// CausationChain returns the tree of events caused, directly or not, by
// rootID. Children are ordered by sequence number.
func (e *Engine) CausationChain(ctx context.Context, rootID string) (*ChainEntry, error) {
	root, err := e.Get(ctx, rootID)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{root.ID: true}
	return e.buildChain(ctx, root, 0, visited)
}

func (e *Engine) buildChain(ctx context.Context, ev *eventlog.Event, depth int, visited map[string]bool) (*ChainEntry, error) {
	entry := &ChainEntry{Event: ev, Depth: depth, Children: []*ChainEntry{}}
	if depth >= MaxChainDepth {
		return entry, nil
	}

	var ms []storage.EventModel
	if err := e.db.Bun().NewSelect().Model(&ms).
		Where("causation_id = ?", ev.ID).
		Order("sequence_number ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("causation children of %s: %w", ev.ID, err)
	}
	for _, child := range eventlog.FromModels(ms) {
		if visited[child.ID] {
			continue
		}
		visited[child.ID] = true
		c, err := e.buildChain(ctx, child, depth+1, visited)
		if err != nil {
			return nil, err
		}
		entry.Children = append(entry.Children, c)
	}
	return entry, nil
}

// CorrelationChain returns every event sharing correlationID, in order.
func (e *Engine) CorrelationChain(ctx context.Context, correlationID string) ([]*eventlog.Event, error) {
	var ms []storage.EventModel
	if err := e.db.Bun().NewSelect().Model(&ms).
		Where("correlation_id = ?", correlationID).
		Order("sequence_number ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	return eventlog.FromModels(ms), nil
}
