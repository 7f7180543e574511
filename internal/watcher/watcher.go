// Package watcher samples open escrows and reports deadlines as they pass.
//
// It never acts on an escrow. A passed deadline only makes a claim
// available to a party; the ledger settles it when that party submits.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/metrics"
	"github.com/mbd888/escrowmirror/internal/pagination"
)

// Lister lists non-terminal escrows ordered by (CreatedAt, ID), resuming
// strictly after the cursor when one is given.
type Lister interface {
	ListOpen(ctx context.Context, after *pagination.Cursor, limit int) ([]*lifecycle.Record, error)
}

// Config for the deadline watcher
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		BatchSize:    500,
	}
}

// Phase names the countdown that elapsed.
type Phase string

const (
	PhaseAcceptance    Phase = "acceptance"
	PhaseProtection    Phase = "protection"
	PhaseAgentResponse Phase = "agent_response"
)

// Deadline is one passed countdown observed by a scan.
type Deadline struct {
	EscrowID  string
	State     lifecycle.State
	Phase     Phase
	ExpiredAt int64
}

// Report summarizes one scan.
type Report struct {
	Open    int
	ByStage map[lifecycle.Stage]int
	Passed  []Deadline // newly observed this scan
}

type deadlineKey struct {
	id     string
	expiry int64
}

// Watcher periodically scans open escrows.
type Watcher struct {
	lister Lister
	engine *lifecycle.Engine
	clock  lifecycle.Clock
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	reported map[deadlineKey]struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New creates a deadline watcher.
func New(cfg Config, lister Lister, engine *lifecycle.Engine, logger *slog.Logger) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		lister:   lister,
		engine:   engine,
		clock:    lifecycle.SystemClock,
		cfg:      cfg,
		logger:   logger,
		reported: make(map[deadlineKey]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithClock replaces the time source (for testing).
func (w *Watcher) WithClock(clock lifecycle.Clock) *Watcher {
	w.clock = clock
	return w
}

// Start begins scanning in the background.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("deadline watcher started",
		"interval", w.cfg.PollInterval.String(),
		"batch", w.cfg.BatchSize,
	)
	go w.pollLoop(ctx)
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Scan(ctx); err != nil {
				w.logger.Error("deadline scan failed", "error", err)
			}
		}
	}
}

// Scan evaluates every open escrow once, refreshes the stage gauge and
// reports each passed deadline the first time it is seen. Escrows are read
// in pages of BatchSize, keyed on (CreatedAt, ID).
func (w *Watcher) Scan(ctx context.Context) (Report, error) {
	now := w.clock()
	report := Report{ByStage: make(map[lifecycle.Stage]int)}
	live := make(map[deadlineKey]struct{})

	var after *pagination.Cursor
	for {
		records, err := w.lister.ListOpen(ctx, after, w.cfg.BatchSize)
		if err != nil {
			return Report{}, err
		}
		for _, r := range records {
			w.observe(r, now, &report, live)
		}
		report.Open += len(records)
		if len(records) < w.cfg.BatchSize {
			break
		}
		last := records[len(records)-1]
		after = &pagination.Cursor{At: last.CreatedAt, ID: last.ID}
	}

	// Forget escrows that settled or were re-invited.
	w.mu.Lock()
	for key := range w.reported {
		if _, ok := live[key]; !ok {
			delete(w.reported, key)
		}
	}
	w.mu.Unlock()

	metrics.OpenEscrows.Reset()
	for stage, n := range report.ByStage {
		metrics.OpenEscrows.WithLabelValues(string(stage)).Set(float64(n))
	}
	return report, nil
}

func (w *Watcher) observe(r *lifecycle.Record, now int64, report *Report, live map[deadlineKey]struct{}) {
	view := w.engine.Evaluate(r, "", now)
	report.ByStage[view.Stage]++

	timer := view.Timers.Live(r.State)
	if timer == nil || !timer.IsExpired {
		return
	}
	key := deadlineKey{id: r.ID, expiry: timer.ExpiryTimestamp}
	live[key] = struct{}{}

	w.mu.Lock()
	_, seen := w.reported[key]
	w.reported[key] = struct{}{}
	w.mu.Unlock()
	if seen {
		return
	}

	d := Deadline{EscrowID: r.ID, State: r.State, Phase: phaseOf(r.State), ExpiredAt: timer.ExpiryTimestamp}
	report.Passed = append(report.Passed, d)
	metrics.DeadlinesPassedTotal.WithLabelValues(string(d.Phase)).Inc()
	w.logger.Info("deadline passed",
		"escrow_id", d.EscrowID,
		"state", string(d.State),
		"phase", string(d.Phase),
		"expired_at", d.ExpiredAt,
	)
}

func phaseOf(state lifecycle.State) Phase {
	switch state {
	case lifecycle.StatePending:
		return PhaseAcceptance
	case lifecycle.StateFulfilled:
		return PhaseProtection
	default:
		return PhaseAgentResponse
	}
}
