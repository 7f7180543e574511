// Package realtime streams live escrow views over WebSocket.
//
// A stream sends the caller's view as soon as it connects. While a timed
// phase is live it re-evaluates the cached snapshot every tick so the
// countdown moves; the snapshot itself is refetched every RefetchEvery
// ticks. Once the escrow reaches a terminal state the final view is sent
// and the stream closes.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/escrowmirror/internal/escrow"
	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/logging"
	"github.com/mbd888/escrowmirror/internal/snapshot"
)

const (
	DefaultTick         = time.Second
	DefaultRefetchEvery = 5
)

// FrameType tags a stream message.
type FrameType string

const (
	FrameView   FrameType = "view"
	FrameError  FrameType = "error"
	FrameClosed FrameType = "closed"
)

// Frame is one message on the stream.
type Frame struct {
	Type      FrameType       `json:"type"`
	View      *lifecycle.View `json:"view,omitempty"`
	Escrow    *escrow.Escrow  `json:"escrow,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Sink delivers frames to one client.
type Sink interface {
	Send(ctx context.Context, f Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, f Frame) error

func (fn SinkFunc) Send(ctx context.Context, f Frame) error { return fn(ctx, f) }

// Streamer drives per-client view streams.
type Streamer struct {
	engine       *lifecycle.Engine
	source       snapshot.Source
	clock        lifecycle.Clock
	tick         time.Duration
	refetchEvery int
	newTicker    func(time.Duration) (<-chan time.Time, func())
}

// NewStreamer creates a streamer ticking every DefaultTick.
func NewStreamer(engine *lifecycle.Engine, source snapshot.Source) *Streamer {
	return &Streamer{
		engine:       engine,
		source:       source,
		clock:        lifecycle.SystemClock,
		tick:         DefaultTick,
		refetchEvery: DefaultRefetchEvery,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// WithTick sets the countdown interval. Non-positive values are ignored.
func (s *Streamer) WithTick(d time.Duration) *Streamer {
	if d > 0 {
		s.tick = d
	}
	return s
}

// WithClock replaces the clock used to evaluate views.
func (s *Streamer) WithClock(clock lifecycle.Clock) *Streamer {
	s.clock = clock
	return s
}

// Run streams the view of escrow id for identity into sink until the
// escrow is terminal, ctx ends, or the sink fails. It returns nil on a
// terminal close or cancellation.
func (s *Streamer) Run(ctx context.Context, sink Sink, id, identity string) error {
	ctx = logging.WithEscrow(ctx, id)

	record, err := s.source.Fetch(ctx, id)
	if err != nil {
		_ = sink.Send(ctx, Frame{Type: FrameError, Error: err.Error(), Timestamp: s.clock()})
		return err
	}

	last, err := s.push(ctx, sink, record, identity)
	if err != nil || last.State.IsTerminal() {
		return s.finish(ctx, sink, err)
	}
	sent := record

	ticks, stop := s.newTicker(s.tick)
	defer stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
		}
		n++

		refetched := false
		if n%s.refetchEvery == 0 {
			fresh, err := s.source.Fetch(ctx, id)
			switch {
			case errors.Is(err, snapshot.ErrNotFound):
				_ = sink.Send(ctx, Frame{Type: FrameError, Error: err.Error(), Timestamp: s.clock()})
				return err
			case err != nil:
				logging.L(ctx).Warn("stream refetch failed", "error", err)
			default:
				record, refetched = fresh, true
			}
		}

		if !last.NeedsTicking && !refetched {
			continue
		}
		next := s.engine.Evaluate(record, identity, s.clock())
		if !last.NeedsTicking && !changed(last, next) && sameProposal(sent.SplitProposal, record.SplitProposal) {
			continue
		}

		last, err = s.push(ctx, sink, record, identity)
		if err != nil || last.State.IsTerminal() {
			return s.finish(ctx, sink, err)
		}
		sent = record
	}
}

func (s *Streamer) push(ctx context.Context, sink Sink, record *lifecycle.Record, identity string) (lifecycle.View, error) {
	now := s.clock()
	view := s.engine.Evaluate(record, identity, now)
	err := sink.Send(ctx, Frame{
		Type:      FrameView,
		View:      &view,
		Escrow:    escrow.FromRecord(record),
		Timestamp: now,
	})
	return view, err
}

func (s *Streamer) finish(ctx context.Context, sink Sink, err error) error {
	if err != nil {
		return err
	}
	return sink.Send(ctx, Frame{Type: FrameClosed, Timestamp: s.clock()})
}

// changed reports whether a client showing a would render b differently,
// ignoring countdown values.
func changed(a, b lifecycle.View) bool {
	return a.State != b.State ||
		a.Stage != b.Stage ||
		a.Role != b.Role ||
		a.Actions != b.Actions ||
		a.IsProposer != b.IsProposer ||
		a.NeedsTicking != b.NeedsTicking
}

func sameProposal(a, b *lifecycle.SplitProposal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
