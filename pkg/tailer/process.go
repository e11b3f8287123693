package tailer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/inngest/pgtail/pkg/changeset"
	"github.com/jackc/pglogrepl"
)

// process handles a session's events strictly in order until the stream closes.
//
// In manual mode a position is acknowledged only after its changeset is
// persisted.  After the first persist failure no further positions are
// acknowledged in this session, as acknowledging a later position would also
// confirm the failed one.  The next session redelivers from the last
// acknowledged position.  If AckHoldLimit is set, a session which has held
// acknowledgements for that long is ended via end so that redelivery happens
// without waiting for the stream to fail.
func (t *Tailer) process(log *slog.Logger, events <-chan changeset.Event, end context.CancelFunc) {
	// Persisting is never interrupted by Stop.  The stream closing ends the loop.
	ctx := context.WithoutCancel(t.ctx)
	held := false
	var heldSince pglogrepl.LSN

	// expired stays nil until acknowledgements are held and a limit is set.
	var (
		hold    *time.Timer
		expired <-chan time.Time
	)
	defer func() {
		if hold != nil {
			hold.Stop()
		}
		t.metrics.acksHeld.Set(0)
	}()

	for {
		var (
			evt changeset.Event
			ok  bool
		)
		select {
		case evt, ok = <-events:
			if !ok {
				return
			}
		case <-expired:
			log.Warn("acknowledgements held past limit, ending session",
				"since_lsn", heldSince,
				"limit", t.opts.AckHoldLimit,
			)
			end()
			for range events {
			}
			return
		}

		lsn := evt.Watermark.LSN

		if t.opts.AckMode == AckAuto {
			t.ack(log, lsn)
		}

		cs, err := changeset.Translate(evt)
		if errors.Is(err, changeset.ErrUnrecognizedTag) {
			t.metrics.discarded.WithLabelValues("unrecognized").Inc()
			log.Warn("discarding unrecognized event", "tag", evt.Tag, "lsn", lsn)
			continue
		}
		if cs == nil {
			t.metrics.discarded.WithLabelValues("control").Inc()
			log.Debug("discarding control event", "tag", evt.Tag, "lsn", lsn)
			continue
		}
		if _, ok := t.ignore[cs.Table]; ok {
			t.metrics.discarded.WithLabelValues("ignored").Inc()
			log.Debug("discarding ignored table", "tag", evt.Tag, "lsn", lsn, "table", cs.Table)
			continue
		}

		if err := t.opts.Sink.Persist(ctx, cs); err != nil {
			t.metrics.persistErr.Inc()
			log.Error("error persisting changeset, not acknowledged",
				"lsn", lsn,
				"table", cs.Table,
				"operation", cs.Operation,
				"error", err,
			)
			if !held && t.opts.AckMode == AckManual {
				log.Warn("holding acknowledgements until reconnect", "lsn", lsn)
				heldSince = lsn
				t.metrics.acksHeld.Set(1)
				if t.opts.AckHoldLimit > 0 {
					hold = time.NewTimer(t.opts.AckHoldLimit)
					expired = hold.C
				}
			}
			held = true
			continue
		}

		t.metrics.persisted.WithLabelValues(string(cs.Operation)).Inc()
		if !cs.Timestamp.IsZero() {
			t.metrics.processLatency.Set(float64(time.Since(cs.Timestamp).Milliseconds()))
		}

		if t.opts.AckMode != AckManual {
			continue
		}
		if held {
			log.Debug("acknowledgement held", "lsn", lsn, "table", cs.Table)
			continue
		}
		t.ack(log, lsn)
	}
}

func (t *Tailer) ack(log *slog.Logger, lsn pglogrepl.LSN) {
	if err := t.opts.Client.Ack(t.ctx, lsn); err != nil {
		log.Warn("error acknowledging position", "lsn", lsn, "error", err)
		return
	}
	t.metrics.acks.Inc()
	log.Debug("acknowledged", "lsn", lsn)
}
