// Package tailer consumes a logical replication stream, persisting each change
// before acknowledging its position.
package tailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/inngest/pgtail/pkg/replicator"
	"github.com/inngest/pgtail/pkg/sink"
)

var (
	DefaultRetryInterval = 5 * time.Second

	ErrAlreadyStarted   = fmt.Errorf("tailer already started")
	ErrStopped          = fmt.Errorf("tailer stopped")
	ErrRetriesExhausted = fmt.Errorf("connection retries exhausted")

	errShutdown = fmt.Errorf("shutting down")
)

type Opts struct {
	Client replicator.Client
	Slots  replicator.SlotChecker
	Sink   sink.Sink

	SlotName string
	Plugin   replicator.PluginConfig

	// AckMode defaults to AckManual.
	AckMode AckMode

	// BackOff returns the retry policy used each time the supervisor starts
	// connecting.  Defaults to a constant DefaultRetryInterval, retrying forever.
	BackOff func() backoff.BackOff

	// AckHoldLimit ends a session once acknowledgements have been held for this
	// long after a persist failure, so that the server redelivers from the last
	// acknowledged position.  0 holds until the session ends by itself.
	AckHoldLimit time.Duration

	// IgnoreTables lists schema qualified tables whose changes are discarded.  The
	// audit table must be listed if it's part of the publication, else every
	// persisted change produces another.
	IgnoreTables []string

	Metrics *Metrics
	Log     *slog.Logger
}

// Tailer owns the connection lifecycle.  A single supervisor goroutine connects,
// processes the stream until it ends, then reconnects with backoff until Stop is
// called.
type Tailer struct {
	opts    Opts
	log     *slog.Logger
	metrics *Metrics
	ignore  map[string]struct{}

	// ctx is cancelled by Stop.  It bounds connection attempts only.
	ctx    context.Context
	cancel context.CancelFunc

	// running guards the supervisor;  only one may ever run.
	running atomic.Bool

	mu       sync.Mutex
	state    State
	shutdown bool
	err      error

	stop      chan struct{}
	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func New(opts Opts) (*Tailer, error) {
	if opts.Client == nil || opts.Slots == nil || opts.Sink == nil {
		return nil, fmt.Errorf("a replication client, slot checker and sink are required")
	}
	if opts.SlotName == "" {
		return nil, fmt.Errorf("a slot name is required")
	}
	if opts.AckMode == "" {
		opts.AckMode = AckManual
	}
	if opts.AckMode != AckManual && opts.AckMode != AckAuto {
		return nil, fmt.Errorf("unknown ack mode: %q", opts.AckMode)
	}
	if opts.AckHoldLimit < 0 {
		return nil, fmt.Errorf("ack hold limit must not be negative")
	}
	if opts.BackOff == nil {
		opts.BackOff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(DefaultRetryInterval)
		}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(opts.SlotName)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	ignore := map[string]struct{}{}
	for _, t := range opts.IgnoreTables {
		ignore[t] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tailer{
		opts:    opts,
		log:     opts.Log.With("slot", opts.SlotName),
		metrics: opts.Metrics,
		ignore:  ignore,
		ctx:     ctx,
		cancel:  cancel,
		stop:    make(chan struct{}),
		first:   make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start starts the supervisor.  It returns once the first connection attempt
// concludes, successfully or not;  failed attempts are retried in the background.
func (t *Tailer) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		if t.isShutdown() {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	if t.opts.AckMode == AckAuto {
		t.log.Warn("acknowledging events on receipt, changes which fail to persist will be lost")
	}

	go t.supervise()

	select {
	case <-t.first:
		return nil
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the tailer down, stopping the stream before closing the sink.  Every
// resource is released even if a prior step fails.  It's safe to call Stop more
// than once;  later calls return the first call's result.
func (t *Tailer) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.shutdown = true
		t.mu.Unlock()
		t.transition(StateShuttingDown)

		close(t.stop)
		t.cancel()

		var errs error
		if err := t.opts.Client.Stop(ctx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("error stopping replication: %w", err))
		}

		// Claiming the guard prevents the supervisor from ever starting.
		if t.running.CompareAndSwap(false, true) {
			close(t.done)
		} else {
			select {
			case <-t.done:
			case <-ctx.Done():
				errs = errors.Join(errs, fmt.Errorf("error waiting for supervisor: %w", ctx.Err()))
			}
		}

		if err := t.opts.Sink.Close(ctx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("error closing sink: %w", err))
		}

		t.transition(StateIdle)
		t.stopErr = errs
	})
	return t.stopErr
}

// Done is closed once the supervisor exits, either because Stop was called or
// because retries were exhausted.
func (t *Tailer) Done() <-chan struct{} {
	return t.done
}

// Err returns the error which ended the supervisor, if any.
func (t *Tailer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tailer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tailer) isShutdown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shutdown
}

// setState records a supervisor transition.  Once shutting down only Stop moves
// the state.
func (t *Tailer) setState(to State) {
	if t.isShutdown() {
		return
	}
	t.transition(to)
}

func (t *Tailer) transition(to State) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.mu.Unlock()

	if from == to {
		return
	}
	t.metrics.state.Set(float64(to))
	t.log.Info("state transition", "from", from.String(), "to", to.String())
}
