package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inngest/pgtail/pkg/changeset"
	"github.com/inngest/pgtail/pkg/replicator/pgreplicator/pgsetup"
	"github.com/jackc/pgx/v5"
)

type PGOpts struct {
	// Config is the connection config for the audit database.  Any replication
	// runtime param is stripped.
	Config pgx.ConnConfig
	// Table is the audit table name, optionally schema qualified.  Defaults to
	// notification_log.
	Table string
	Log   *slog.Logger
}

// NewPG returns a sink which appends each changeset as a row of the audit table.
func NewPG(opts PGOpts) *PG {
	if opts.Table == "" {
		opts.Table = pgsetup.DefaultAuditTable
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	table := pgsetup.QualifiedIdentifier(opts.Table).Sanitize()
	return &PG{
		cfg: pgsetup.AdminConfig(opts.Config),
		log: opts.Log,
		stmt: fmt.Sprintf(
			"INSERT INTO %s (operation, table_name, row_id, data, old_data) VALUES ($1, $2, $3, $4, $5)",
			table,
		),
	}
}

type PG struct {
	cfg  *pgx.ConnConfig
	log  *slog.Logger
	stmt string

	mu sync.Mutex
	// open is set between Open and Close.  conn may drop while open, in which
	// case the next write reconnects.
	open bool
	conn *pgx.Conn
}

func (p *PG) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		return err
	}
	p.open = true
	return nil
}

func (p *PG) connect(ctx context.Context) error {
	if p.conn != nil && !p.conn.IsClosed() {
		return nil
	}

	conn, err := pgx.ConnectConfig(ctx, p.cfg)
	if err != nil {
		return fmt.Errorf("error connecting to audit database: %w", err)
	}
	p.conn = conn
	p.log.Debug("connected to audit database", "database", p.cfg.Database)
	return nil
}

func (p *PG) Persist(ctx context.Context, cs *changeset.Changeset) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return ErrSinkClosed
	}
	if p.conn == nil || p.conn.IsClosed() {
		p.log.Warn("audit database connection lost, reconnecting")
		if err := p.connect(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrSinkClosed, err)
		}
	}

	_, err := p.conn.Exec(ctx, p.stmt,
		string(cs.Operation),
		cs.Table,
		cs.RowID,
		image(cs.New),
		image(cs.Old),
	)
	if err != nil {
		return fmt.Errorf("error writing audit record: %w", err)
	}
	return nil
}

func (p *PG) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.open = false
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(ctx)
	p.conn = nil
	return err
}

// image returns an untyped nil for absent images so that they're stored as SQL
// NULL rather than the JSON literal null.
func image(r changeset.Row) any {
	if r == nil {
		return nil
	}
	return map[string]any(r)
}
