package rewind

import (
	"context"
	"fmt"
)

// BlobRoots returns every content hash referenced by a workspace snapshot,
// so garbage collection keeps what a rewind may still need.
func (e *Engine) BlobRoots(ctx context.Context) ([]string, error) {
	snaps, err := e.snaps.List(ctx, WorkspaceAggregate)
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, snap := range snaps {
		state := NewState()
		if err := e.snaps.Load(ctx, snap, state); err != nil {
			return nil, fmt.Errorf("gc roots: %w", err)
		}
		roots = append(roots, state.Hashes()...)
	}
	return roots, nil
}
