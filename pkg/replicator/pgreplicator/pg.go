package pgreplicator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inngest/pgtail/pkg/changeset"
	"github.com/inngest/pgtail/pkg/replicator"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	outputPlugin = "pgoutput"

	pgCodeDuplicateObject = "42710"
	pgCodeObjectInUse     = "55006"
)

var (
	// CloseTimeout bounds the final status report and connection close when a
	// session ends.
	CloseTimeout = time.Second * 5

	DefaultStatusInterval = time.Second * 10

	// eventBuffer is the number of decoded events which may be queued ahead of
	// the consumer.
	eventBuffer = 64
)

type Opts struct {
	// Config is the connection config.  "replication=database" is added for the
	// replication connection.
	Config pgx.ConnConfig

	// CreateSlot creates the pgoutput slot on subscribe if it doesn't exist.
	CreateSlot bool

	// StatusInterval is the interval at which the acknowledged LSN is reported
	// to the server.
	StatusInterval time.Duration

	Log *slog.Logger
}

// New returns a replication client for a single postgres database.  No
// connection is made until Subscribe is called.
func New(opts Opts) replicator.Client {
	replConfig := opts.Config.Config.Copy()
	if replConfig.RuntimeParams == nil {
		replConfig.RuntimeParams = map[string]string{}
	}
	replConfig.RuntimeParams["replication"] = "database"

	if opts.StatusInterval <= 0 {
		opts.StatusInterval = DefaultStatusInterval
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	return &pg{
		opts:       opts,
		replConfig: replConfig,
		log:        opts.Log,
	}
}

type pg struct {
	opts       Opts
	replConfig *pgconn.Config

	log *slog.Logger

	mu sync.Mutex
	// cancel stops the running session, if any.
	cancel  context.CancelFunc
	stopped bool
	lastErr error
	wg      sync.WaitGroup

	// lsn is the acknowledged LSN, reported to the server as the flushed
	// position.
	lsn uint64
	// report is set to 1 when the next loop iteration must send a status update.
	report int32
}

func (p *pg) Subscribe(ctx context.Context, plugin replicator.PluginConfig, slot string) (<-chan changeset.Event, error) {
	// Only one session may run at a time.
	p.wg.Wait()

	if p.isStopped() {
		return nil, replicator.ErrClientStopped
	}

	conn, err := pgconn.ConnectConfig(ctx, p.replConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting to postgres host for replication: %w", err)
	}

	if err := p.start(ctx, conn, plugin, slot); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(ctx)
	events := make(chan changeset.Event, eventBuffer)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cancel()
		_ = conn.Close(ctx)
		return nil, replicator.ErrClientStopped
	}
	p.cancel = cancel
	p.lastErr = nil
	p.wg.Add(1)
	p.mu.Unlock()

	// Acknowledgements never carry over between sessions;  the server resumes
	// from the slot's confirmed position.
	atomic.StoreUint64(&p.lsn, 0)
	atomic.StoreInt32(&p.report, 0)

	go p.consume(sessCtx, conn, events)
	return events, nil
}

func (p *pg) start(ctx context.Context, conn *pgconn.PgConn, plugin replicator.PluginConfig, slot string) error {
	if p.opts.CreateSlot {
		_, err := pglogrepl.CreateReplicationSlot(ctx, conn, slot, outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
		if err != nil && !isSlotExistsErr(err) {
			return fmt.Errorf("error creating replication slot '%s': %w", slot, classify(err, slot))
		}
	}

	// Starting at LSN 0 resumes from the slot's confirmed flush position, so
	// anything not acknowledged in a previous session is redelivered.
	err := pglogrepl.StartReplication(
		ctx,
		conn,
		slot,
		0,
		pglogrepl.StartReplicationOptions{
			Mode:       pglogrepl.LogicalReplication,
			PluginArgs: plugin.Args(),
		},
	)
	if err != nil {
		return classify(err, slot)
	}
	return nil
}

// Ack records the acknowledged LSN.  It's sent to the server on the next loop
// iteration, and always when the session ends.
func (p *pg) Ack(ctx context.Context, lsn pglogrepl.LSN) error {
	if p.isStopped() {
		return replicator.ErrClientStopped
	}
	for {
		cur := atomic.LoadUint64(&p.lsn)
		if uint64(lsn) <= cur || atomic.CompareAndSwapUint64(&p.lsn, cur, uint64(lsn)) {
			break
		}
	}
	atomic.StoreInt32(&p.report, 1)
	return nil
}

func (p *pg) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *pg) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("error waiting for replication session to stop: %w", ctx.Err())
	}
}

func (p *pg) LSN() pglogrepl.LSN {
	return pglogrepl.LSN(atomic.LoadUint64(&p.lsn))
}

func (p *pg) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *pg) consume(ctx context.Context, conn *pgconn.PgConn, events chan changeset.Event) {
	defer p.wg.Done()
	defer close(events)

	err := p.stream(ctx, conn, events)

	closeCtx, cancel := context.WithTimeout(context.Background(), CloseTimeout)
	defer cancel()
	if !conn.IsClosed() {
		// Send the final acknowledged position before closing.
		if rerr := p.sendStatus(closeCtx, conn, false); rerr != nil {
			p.log.Warn("error reporting final lsn", "error", rerr, "lsn", p.LSN())
		}
	}
	_ = conn.Close(closeCtx)

	if p.isStopped() {
		err = replicator.ErrClientStopped
	} else if ctx.Err() != nil {
		err = fmt.Errorf("replication session cancelled: %w", ctx.Err())
	}

	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

func (p *pg) stream(ctx context.Context, conn *pgconn.PgConn, events chan changeset.Event) error {
	dec := newDecoder()
	nextReportTime := time.Now().Add(p.opts.StatusInterval)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Now().After(nextReportTime) || atomic.CompareAndSwapInt32(&p.report, 1, 0) {
			if err := p.sendStatus(ctx, conn, false); err != nil {
				return err
			}
			nextReportTime = time.Now().Add(p.opts.StatusInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextReportTime)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("error receiving replication message: %w", err)
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("received pg wal error: %s", errMsg.Message)
		}

		msg, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			return fmt.Errorf("unknown message type: %T", rawMsg)
		}

		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("error parsing replication keepalive: %w", err)
			}
			if pkm.ReplyRequested {
				nextReportTime = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
			if err != nil {
				return fmt.Errorf("error parsing replication txn data: %w", err)
			}

			wm := changeset.Watermark{
				LSN:        xld.WALStart,
				ServerTime: xld.ServerTime,
			}

			// xld.WALData may be reused, so copy the slice ASAP.
			evts, err := dec.Decode(wm, copySlice(xld.WALData))
			if err != nil {
				return fmt.Errorf("error decoding xlog data: %w", err)
			}

			for _, evt := range evts {
				select {
				case events <- evt:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// sendStatus reports the acknowledged LSN to the server.  A zero LSN is ignored
// by the server for slot advancement but still answers keepalives.
func (p *pg) sendStatus(ctx context.Context, conn *pgconn.PgConn, forceReply bool) error {
	lsn := p.LSN()
	err := pglogrepl.SendStandbyStatusUpdate(ctx,
		conn,
		pglogrepl.StandbyStatusUpdate{
			WALWritePosition: lsn,
			WALFlushPosition: lsn,
			WALApplyPosition: lsn,
			ReplyRequested:   forceReply,
		},
	)
	if err != nil {
		return fmt.Errorf("error sending pg status update: %w", err)
	}
	return nil
}

// classify maps server errors from starting replication to our sentinel errors.
func classify(err error, slot string) error {
	msg := err.Error()

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCodeObjectInUse {
		return fmt.Errorf("%w: %s", replicator.ErrSlotContention, pgErr.Message)
	}
	if strings.Contains(msg, fmt.Sprintf(`replication slot "%s" is active`, slot)) {
		return fmt.Errorf("%w: %s", replicator.ErrSlotContention, msg)
	}
	if strings.Contains(msg, "logical decoding requires wal_level") {
		return replicator.ErrLogicalReplicationNotSetUp
	}
	if strings.Contains(msg, fmt.Sprintf(`replication slot "%s" does not exist`, slot)) {
		return replicator.ErrReplicationSlotNotFound
	}
	return fmt.Errorf("error starting logical replication: %w", err)
}

func isSlotExistsErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgCodeDuplicateObject
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// copySlice is a util for copying a slice.
func copySlice(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
