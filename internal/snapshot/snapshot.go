// Package snapshot fetches escrow snapshots from the settlement layer.
//
// The lifecycle engine never caches: every evaluation and every post-action
// refresh goes back to a Source. Coalescing collapses concurrent fetches of
// the same escrow into one upstream read and hands each caller its own copy.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/metrics"
)

// FetchTimeout bounds one shared upstream read.
const FetchTimeout = 10 * time.Second

// ErrNotFound is returned when the settlement layer has no escrow with the ID.
var ErrNotFound = errors.New("escrow not found")

// Source reads the current snapshot of an escrow.
type Source interface {
	Fetch(ctx context.Context, id string) (*lifecycle.Record, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, id string) (*lifecycle.Record, error)

func (f SourceFunc) Fetch(ctx context.Context, id string) (*lifecycle.Record, error) {
	return f(ctx, id)
}

// Coalescing wraps a Source so concurrent fetches of one ID share a single
// upstream call. Results are validated once and cloned per caller.
type Coalescing struct {
	src   Source
	group singleflight.Group
}

// NewCoalescing wraps src.
func NewCoalescing(src Source) *Coalescing {
	return &Coalescing{src: src}
}

// Fetch joins or starts the shared read of id. The upstream read is
// detached from ctx, bounded by FetchTimeout, so one caller giving up never
// fails the others waiting on the same read; ctx only bounds this caller's
// wait.
func (c *Coalescing) Fetch(ctx context.Context, id string) (*lifecycle.Record, error) {
	upstream := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(upstream, FetchTimeout)
		defer cancel()

		r, err := c.src.Fetch(fctx, id)
		if err != nil {
			return nil, err
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		return r, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		metrics.SnapshotFetchesTotal.WithLabelValues("cancelled").Inc()
		return nil, ctx.Err()
	case res = <-ch:
	}

	metrics.SnapshotFetchesTotal.WithLabelValues(fetchResult(res.Err, res.Shared)).Inc()
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Val.(*lifecycle.Record).Clone(), nil
}

// Refresh drops any in-flight fetch for id and reads a new snapshot. Callers
// use it after an action so they never observe a read that started before
// the action landed.
func (c *Coalescing) Refresh(ctx context.Context, id string) (*lifecycle.Record, error) {
	c.group.Forget(id)
	return c.Fetch(ctx, id)
}

func fetchResult(err error, shared bool) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case err != nil:
		return "error"
	case shared:
		return "shared"
	}
	return "ok"
}
