// Package reconcile converges persisted delivery statuses with the
// platform's view of each message. Two sources feed it: ack callbacks
// pushed by the platform session and a periodic poll sweep over recent
// unsettled messages. Both apply through the same forward-only store
// transition, so duplicated or out-of-order signals are harmless.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fernandinhomartins40/ferraco-sub000/connector"
	"github.com/fernandinhomartins40/ferraco-sub000/dispatch"
	"github.com/fernandinhomartins40/ferraco-sub000/events"
)

const (
	defaultInterval     = 10 * time.Second
	defaultWindow       = 5 * time.Minute
	defaultSweepTimeout = 8 * time.Second
)

// StatusForAck maps a platform ack code to a delivery status. Unknown
// codes map to ok=false and must be ignored by callers.
func StatusForAck(code int) (dispatch.DeliveryStatus, bool) {
	switch code {
	case 0:
		return dispatch.StatusPending, true
	case 1, 2:
		return dispatch.StatusSent, true
	case 3:
		return dispatch.StatusDelivered, true
	case 4:
		return dispatch.StatusRead, true
	case 5:
		return dispatch.StatusPlayed, true
	default:
		return "", false
	}
}

// SessionSource yields the current platform client and session state.
// *connector.Manager satisfies it.
type SessionSource interface {
	Session() (connector.Client, connector.State)
}

// Reconciler owns both reconciliation paths for outbound messages.
type Reconciler struct {
	manager     SessionSource
	store       *dispatch.Store
	broadcaster *events.Broadcaster
	logger      *slog.Logger

	interval     time.Duration
	window       time.Duration
	sweepTimeout time.Duration

	sweeping atomic.Bool // single-flight guard for the poll sweep

	skipped atomic.Int64
	applied atomic.Int64

	mu   sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithInterval sets the poll sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// WithWindow sets how far back the sweep looks for unsettled messages.
func WithWindow(d time.Duration) Option {
	return func(r *Reconciler) { r.window = d }
}

// WithSweepTimeout bounds one full sweep pass.
func WithSweepTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.sweepTimeout = d }
}

// New builds a Reconciler over the given session, store and broadcaster.
func New(manager SessionSource, store *dispatch.Store, broadcaster *events.Broadcaster, opts ...Option) *Reconciler {
	r := &Reconciler{
		manager:      manager,
		store:        store,
		broadcaster:  broadcaster,
		logger:       slog.Default(),
		interval:     defaultInterval,
		window:       defaultWindow,
		sweepTimeout: defaultSweepTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyAck is the push path: the platform session calls it for every ack
// callback. Wire it with client.OnAck(r.ApplyAck).
func (r *Reconciler) ApplyAck(u connector.AckUpdate) {
	next, ok := StatusForAck(u.Code)
	if !ok {
		r.logger.Warn("reconcile: unknown ack code",
			"platform_id", u.PlatformID, "code", u.Code)
		return
	}
	r.apply(context.Background(), u.PlatformID, next)
}

// apply runs one forward-only transition and broadcasts it when it took.
func (r *Reconciler) apply(ctx context.Context, platformID string, next dispatch.DeliveryStatus) {
	localID, advanced, err := r.store.Advance(ctx, platformID, next)
	if err != nil {
		r.logger.Error("reconcile: status update failed",
			"platform_id", platformID, "status", next, "error", err)
		return
	}
	if !advanced {
		return
	}
	r.applied.Add(1)
	r.broadcaster.Publish(events.TypeMessageStatus, map[string]any{
		"local_id":    localID,
		"platform_id": platformID,
		"status":      next,
	})
	r.logger.Info("reconcile: status advanced",
		"local_id", localID, "status", next)
}

// Start launches the periodic poll sweep. Safe to call once; Stop ends it.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.loop(r.done)
}

// Stop halts the poll sweep and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	done := r.done
	r.done = nil
	r.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	r.wg.Wait()
}

func (r *Reconciler) loop(done <-chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !r.sweeping.CompareAndSwap(false, true) {
				r.skipped.Add(1)
				r.logger.Warn("reconcile: sweep still running, skipping tick")
				continue
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer r.sweeping.Store(false)
				r.Sweep(context.Background())
			}()
		}
	}
}

// Sweep runs one poll pass over recent unsettled messages, querying the
// platform for each one's current ack. Per-message failures are logged
// and skipped; the pass always visits the rest of the list.
func (r *Reconciler) Sweep(ctx context.Context) {
	client, state := r.manager.Session()
	if state != connector.StateConnected {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.sweepTimeout)
	defer cancel()

	msgs, err := r.store.Unsettled(ctx, r.window)
	if err != nil {
		r.logger.Error("reconcile: unsettled query failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	for _, m := range msgs {
		if ctx.Err() != nil {
			r.logger.Warn("reconcile: sweep timed out",
				"visited", len(msgs), "error", ctx.Err())
			return
		}
		code, err := client.MessageAck(ctx, m.PlatformID)
		if err != nil {
			r.logger.Warn("reconcile: ack probe failed",
				"local_id", m.LocalID, "error", err)
			continue
		}
		next, ok := StatusForAck(code)
		if !ok {
			r.logger.Warn("reconcile: unknown ack code",
				"local_id", m.LocalID, "code", code)
			continue
		}
		r.apply(ctx, m.PlatformID, next)
	}
}

// Stats reports counters for observability endpoints.
func (r *Reconciler) Stats() (applied, skippedSweeps int64) {
	return r.applied.Load(), r.skipped.Load()
}
