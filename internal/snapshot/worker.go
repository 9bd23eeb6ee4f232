package snapshot

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Default worker settings
const (
	DefaultEventsInterval = 100
	DefaultTimeInterval   = 5 * time.Minute
	DefaultTick           = 10 * time.Second
)

// HeadFunc reports the current last sequence of the event log.
type HeadFunc func(ctx context.Context) (int64, error)

// CaptureFunc captures a snapshot as of the current log head.
type CaptureFunc func(ctx context.Context) (*Snapshot, error)

// WorkerConfig configures a Worker. Zero values take the defaults.
type WorkerConfig struct {
	EventsInterval int64
	TimeInterval   time.Duration
	Tick           time.Duration
}

// Worker captures snapshots when enough new events have accumulated or
// enough time has passed since the last capture, whichever comes first.
// Checks run on every tick and whenever Notify is called.
type Worker struct {
	head    HeadFunc
	capture CaptureFunc
	cfg     WorkerConfig
	now     func() time.Time
	wake    chan struct{}

	lastSequence int64
	lastCapture  time.Time
}

// NewWorker creates a Worker. lastSequence is the sequence of the most
// recent existing snapshot (0 for none).
func NewWorker(head HeadFunc, capture CaptureFunc, lastSequence int64, cfg WorkerConfig) *Worker {
	if cfg.EventsInterval <= 0 {
		cfg.EventsInterval = DefaultEventsInterval
	}
	if cfg.TimeInterval <= 0 {
		cfg.TimeInterval = DefaultTimeInterval
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	return &Worker{
		head:         head,
		capture:      capture,
		cfg:          cfg,
		now:          time.Now,
		wake:         make(chan struct{}, 1),
		lastSequence: lastSequence,
		lastCapture:  time.Now(),
	}
}

// Run checks on every tick until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	log.Debugf("[Snapshot] worker started (every %d events or %s)", w.cfg.EventsInterval, w.cfg.TimeInterval)
	for {
		select {
		case <-ctx.Done():
			log.Debugf("[Snapshot] worker stopped")
			return
		case <-ticker.C:
		case <-w.wake:
		}
		if _, err := w.Check(ctx); err != nil {
			log.Warnf("[Snapshot] capture failed: %v", err)
		}
	}
}

// Notify asks a running worker to check now. It never blocks; wakeups
// that arrive while a check is pending are coalesced.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Check captures a snapshot if a threshold was crossed and there is at
// least one event not yet covered. It reports whether it captured.
func (w *Worker) Check(ctx context.Context) (bool, error) {
	head, err := w.head(ctx)
	if err != nil {
		return false, err
	}
	if head <= w.lastSequence {
		return false, nil
	}

	dueByEvents := head-w.lastSequence >= w.cfg.EventsInterval
	dueByTime := w.now().Sub(w.lastCapture) >= w.cfg.TimeInterval
	if !dueByEvents && !dueByTime {
		return false, nil
	}

	snap, err := w.capture(ctx)
	if err != nil {
		return false, err
	}
	w.lastSequence = snap.SequenceNumber
	w.lastCapture = w.now()
	return true, nil
}
