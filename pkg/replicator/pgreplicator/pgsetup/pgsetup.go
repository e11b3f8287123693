package pgsetup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/inngest/pgtail/pkg/replicator"
	"github.com/jackc/pgx/v5"
)

const (
	DefaultSlotName    = "demo_slot"
	DefaultPublication = "demo_pub"
	DefaultAuditTable  = "notification_log"
)

var (
	ErrPublicationNotFound = fmt.Errorf("ERR_PG_003: The publication doesn't exist in your database")
	ErrAuditTableNotFound  = fmt.Errorf("ERR_PG_004: The audit log table doesn't exist in your database")
)

type StepResult struct {
	Complete bool
	Error    error
}

type TestConnResult struct {
	LogicalReplication StepResult
	SlotCreated        StepResult
	PublicationCreated StepResult
	AuditTableCreated  StepResult
}

func (c TestConnResult) Steps() []string {
	return []string{
		"logical_replication_enabled",
		"replication_slot_created",
		"publication_created",
		"audit_table_created",
	}
}

func (c TestConnResult) Results() map[string]StepResult {
	return map[string]StepResult{
		"logical_replication_enabled": c.LogicalReplication,
		"replication_slot_created":    c.SlotCreated,
		"publication_created":         c.PublicationCreated,
		"audit_table_created":         c.AuditTableCreated,
	}
}

type SetupOpts struct {
	AdminConfig pgx.ConnConfig

	SlotName    string
	Publication string
	AuditTable  string
	// Tables limits the publication to the given tables.  If empty the
	// publication covers all tables.
	Tables []string

	DisableCreateSlot        bool
	DisableCreatePublication bool
	DisableCreateAuditTable  bool
}

func (o *SetupOpts) setDefaults() {
	if o.SlotName == "" {
		o.SlotName = DefaultSlotName
	}
	if o.Publication == "" {
		o.Publication = DefaultPublication
	}
	if o.AuditTable == "" {
		o.AuditTable = DefaultAuditTable
	}
}

// Setup creates the publication, replication slot and audit table, skipping any
// that already exist.
func Setup(ctx context.Context, opts SetupOpts) (TestConnResult, error) {
	s, err := connect(ctx, opts)
	if err != nil {
		return TestConnResult{}, err
	}
	defer s.c.Close(ctx)
	return s.Setup(ctx)
}

// Check verifies that the database is ready for tailing.
func Check(ctx context.Context, opts SetupOpts) (TestConnResult, error) {
	s, err := connect(ctx, opts)
	if err != nil {
		return TestConnResult{}, err
	}
	defer s.c.Close(ctx)
	return s.Check(ctx)
}

// Teardown drops the replication slot and publication.  The audit table is kept.
func Teardown(ctx context.Context, opts SetupOpts) error {
	s, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer s.c.Close(ctx)
	return s.Teardown(ctx)
}

func connect(ctx context.Context, opts SetupOpts) (*setup, error) {
	opts.setDefaults()
	conn, err := pgx.ConnectConfig(ctx, AdminConfig(opts.AdminConfig))
	if err != nil {
		return nil, err
	}
	return &setup{opts: opts, c: conn}, nil
}

type setup struct {
	opts SetupOpts
	c    *pgx.Conn

	res TestConnResult
}

func (s *setup) Check(ctx context.Context) (TestConnResult, error) {
	chain := []func(ctx context.Context) error{
		s.checkWAL,
		s.checkReplicationSlot,
		s.checkPublication,
		s.checkAuditTable,
	}
	for _, f := range chain {
		if err := f(ctx); err != nil {
			// Short circuit and return the connection result and first error.
			return s.res, err
		}
	}
	return s.res, nil
}

func (s *setup) Setup(ctx context.Context) (TestConnResult, error) {
	chain := []func(ctx context.Context) error{s.checkWAL}

	if !s.opts.DisableCreatePublication {
		chain = append(chain, s.createPublication)
	}
	if !s.opts.DisableCreateSlot {
		chain = append(chain, s.createReplicationSlot)
	}
	if !s.opts.DisableCreateAuditTable {
		chain = append(chain, s.createAuditTable)
	}
	for _, f := range chain {
		if err := f(ctx); err != nil {
			return s.res, err
		}
	}
	return s.res, nil
}

func (s *setup) Teardown(ctx context.Context) error {
	// Dropping an active slot fails;  callers must stop tailing first.
	_, err := s.c.Exec(ctx,
		"SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1",
		s.opts.SlotName,
	)
	if err != nil {
		return fmt.Errorf("Error dropping replication slot '%s': %w", s.opts.SlotName, err)
	}

	stmt := fmt.Sprintf("DROP PUBLICATION IF EXISTS %s", pgx.Identifier{s.opts.Publication}.Sanitize())
	if _, err := s.c.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("Error dropping publication '%s': %w", s.opts.Publication, err)
	}
	return nil
}

func (s *setup) checkWAL(ctx context.Context) error {
	var mode string
	row := s.c.QueryRow(ctx, "SHOW wal_level")
	err := row.Scan(&mode)
	if err != nil {
		s.res.LogicalReplication.Error = fmt.Errorf("Error checking WAL mode: %w", err)
		return s.res.LogicalReplication.Error
	}
	if mode != "logical" {
		s.res.LogicalReplication.Error = replicator.ErrLogicalReplicationNotSetUp
		return s.res.LogicalReplication.Error
	}
	s.res.LogicalReplication.Complete = true
	return nil
}

func (s *setup) checkReplicationSlot(ctx context.Context) error {
	st, err := ReadSlot(ctx, s.c, s.opts.SlotName)
	if err != nil {
		s.res.SlotCreated.Error = err
		return err
	}
	if st == nil {
		s.res.SlotCreated.Error = replicator.ErrReplicationSlotNotFound
		return s.res.SlotCreated.Error
	}
	s.res.SlotCreated.Complete = true
	return nil
}

func (s *setup) createReplicationSlot(ctx context.Context) error {
	if err := s.checkReplicationSlot(ctx); err == nil {
		return nil
	}
	s.res.SlotCreated.Error = nil

	_, err := s.c.Exec(ctx,
		"SELECT pg_create_logical_replication_slot($1, 'pgoutput')",
		s.opts.SlotName,
	)
	if err != nil {
		s.res.SlotCreated.Error = fmt.Errorf("Error creating replication slot '%s': %w", s.opts.SlotName, err)
		return s.res.SlotCreated.Error
	}
	s.res.SlotCreated.Complete = true
	return nil
}

func (s *setup) checkPublication(ctx context.Context) error {
	row := s.c.QueryRow(ctx,
		"SELECT 1 FROM pg_publication WHERE pubname = $1",
		s.opts.Publication,
	)
	var i int
	err := row.Scan(&i)
	if errors.Is(err, pgx.ErrNoRows) {
		s.res.PublicationCreated.Error = fmt.Errorf("%w: '%s'", ErrPublicationNotFound, s.opts.Publication)
		return s.res.PublicationCreated.Error
	}
	if err != nil {
		s.res.PublicationCreated.Error = fmt.Errorf("Error checking publication '%s': %w", s.opts.Publication, err)
		return s.res.PublicationCreated.Error
	}

	s.res.PublicationCreated.Complete = true
	return nil
}

func (s *setup) createPublication(ctx context.Context) error {
	if err := s.checkPublication(ctx); err == nil {
		return nil
	}
	s.res.PublicationCreated.Error = nil

	target := "ALL TABLES"
	if len(s.opts.Tables) > 0 {
		tables := make([]string, len(s.opts.Tables))
		for i, t := range s.opts.Tables {
			tables[i] = QualifiedIdentifier(t).Sanitize()
		}
		target = "TABLE " + strings.Join(tables, ", ")
	}

	stmt := fmt.Sprintf(`CREATE PUBLICATION %s FOR %s;`, pgx.Identifier{s.opts.Publication}.Sanitize(), target)
	_, err := s.c.Exec(ctx, stmt)
	if err != nil {
		s.res.PublicationCreated.Error = fmt.Errorf("Error creating publication '%s': %w", s.opts.Publication, err)
		return s.res.PublicationCreated.Error
	}
	s.res.PublicationCreated.Complete = true
	return nil
}

func (s *setup) checkAuditTable(ctx context.Context) error {
	var exists bool
	err := s.c.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", s.opts.AuditTable).Scan(&exists)
	if err != nil {
		s.res.AuditTableCreated.Error = fmt.Errorf("Error checking audit table '%s': %w", s.opts.AuditTable, err)
		return s.res.AuditTableCreated.Error
	}
	if !exists {
		s.res.AuditTableCreated.Error = fmt.Errorf("%w: '%s'", ErrAuditTableNotFound, s.opts.AuditTable)
		return s.res.AuditTableCreated.Error
	}
	s.res.AuditTableCreated.Complete = true
	return nil
}

func (s *setup) createAuditTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`
		DO $$ BEGIN
			CREATE TYPE change_operation AS ENUM ('INSERT', 'UPDATE', 'DELETE', 'TRUNCATE');
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$;

		CREATE TABLE IF NOT EXISTS %s (
		  id bigserial PRIMARY KEY,
		  operation change_operation NOT NULL,
		  table_name text NOT NULL,
		  row_id bigint,
		  data jsonb,
		  old_data jsonb,
		  timestamp timestamptz NOT NULL DEFAULT now()
		);
	`, QualifiedIdentifier(s.opts.AuditTable).Sanitize())
	_, err := s.c.Exec(ctx, stmt)
	if err != nil {
		s.res.AuditTableCreated.Error = fmt.Errorf("Error creating audit table '%s': %w", s.opts.AuditTable, err)
		return s.res.AuditTableCreated.Error
	}
	s.res.AuditTableCreated.Complete = true
	return nil
}

// QualifiedIdentifier splits a possibly schema qualified name into an identifier.
func QualifiedIdentifier(name string) pgx.Identifier {
	return pgx.Identifier(strings.Split(name, "."))
}
