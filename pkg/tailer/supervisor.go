package tailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/inngest/pgtail/pkg/changeset"
	"github.com/inngest/pgtail/pkg/replicator"
)

func (t *Tailer) supervise() {
	defer close(t.done)
	defer t.concludeFirst()

	for {
		events, end, log, err := t.connect()
		if err != nil {
			if !errors.Is(err, errShutdown) {
				t.mu.Lock()
				t.err = err
				t.mu.Unlock()
				t.log.Error("supervisor stopped", "error", err)
			}
			return
		}

		t.process(log, events, end)
		end()

		if t.isShutdown() {
			return
		}
		t.setState(StateError)
		log.Error("replication session ended", "error", t.opts.Client.Err())
	}
}

// connect runs the retry loop until a session is subscribed, returning the
// session's events and a func which ends it.  It returns errShutdown if Stop is
// called, and ErrRetriesExhausted once the backoff policy gives up.
func (t *Tailer) connect() (<-chan changeset.Event, context.CancelFunc, *slog.Logger, error) {
	b := t.opts.BackOff()
	b.Reset()

	for attempt := 1; ; attempt++ {
		if t.isShutdown() {
			return nil, nil, nil, errShutdown
		}

		t.setState(StateConnecting)
		log := t.log.With("session", uuid.NewString())
		log.Info("connecting", "attempt", attempt)

		ctx, end := context.WithCancel(t.ctx)
		events, err := t.attempt(ctx)
		if err == nil {
			t.metrics.connects.WithLabelValues("ok").Inc()
			t.setState(StateActive)
			t.concludeFirst()
			log.Info("replication session started")
			return events, end, log, nil
		}
		end()

		if t.isShutdown() {
			t.concludeFirst()
			return nil, nil, nil, errShutdown
		}
		t.setState(StateError)
		t.concludeFirst()

		wait := b.NextBackOff()
		if errors.Is(err, replicator.ErrSlotContention) {
			t.metrics.connects.WithLabelValues("contention").Inc()
			log.Warn("replication slot is in use by another consumer", "error", err, "retry_in", wait)
		} else {
			t.metrics.connects.WithLabelValues("error").Inc()
			log.Error("error connecting", "error", err, "retry_in", wait)
		}

		if wait == backoff.Stop {
			return nil, nil, nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-t.stop:
			timer.Stop()
			return nil, nil, nil, errShutdown
		}
	}
}

// attempt checks the slot is free, opens the sink and subscribes.  Nothing is
// subscribed if the slot is held by another consumer.
func (t *Tailer) attempt(ctx context.Context) (<-chan changeset.Event, error) {
	if err := t.opts.Slots.CheckAvailability(ctx, t.opts.SlotName); err != nil {
		return nil, err
	}
	if err := t.opts.Sink.Open(ctx); err != nil {
		return nil, fmt.Errorf("error opening sink: %w", err)
	}
	return t.opts.Client.Subscribe(ctx, t.opts.Plugin, t.opts.SlotName)
}

func (t *Tailer) concludeFirst() {
	t.firstOnce.Do(func() { close(t.first) })
}
