package pgsetup_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/inngest/pgtail/internal/test"
	"github.com/inngest/pgtail/pkg/replicator"
	"github.com/inngest/pgtail/pkg/replicator/pgreplicator/pgsetup"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	t.Parallel()
	versions := []int{12, 14, 16}

	for _, version := range versions {
		v := version // loop capture

		t.Run(fmt.Sprintf("Setup - Postgres %d", v), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			c, cfg := test.StartPG(t, ctx, test.StartPGOpts{Version: v, DisableSetup: true})
			opts := pgsetup.SetupOpts{
				AdminConfig: cfg,
				Tables:      []string{test.DemoTable},
			}

			res, err := pgsetup.Check(ctx, opts)
			require.ErrorIs(t, err, replicator.ErrReplicationSlotNotFound)
			require.True(t, res.LogicalReplication.Complete)
			require.False(t, res.SlotCreated.Complete)

			res, err = pgsetup.Setup(ctx, opts)
			require.NoError(t, err)
			for _, step := range res.Steps() {
				require.True(t, res.Results()[step].Complete, step)
			}

			_, err = pgsetup.Check(ctx, opts)
			require.NoError(t, err)

			// Setup is idempotent.
			_, err = pgsetup.Setup(ctx, opts)
			require.NoError(t, err)

			err = pgsetup.Teardown(ctx, opts)
			require.NoError(t, err)

			res, err = pgsetup.Check(ctx, opts)
			require.ErrorIs(t, err, replicator.ErrReplicationSlotNotFound)

			// The audit table survives teardown.
			conn := test.DataConn(t, cfg)
			var n int
			err = conn.QueryRow(ctx, "SELECT count(*) FROM notification_log").Scan(&n)
			require.NoError(t, err)
			_ = conn.Close(ctx)

			// Tearing down twice is fine.
			require.NoError(t, pgsetup.Teardown(ctx, opts))
			_ = c.Stop(ctx, nil)
		})
	}

	t.Run("it is successful without publication or repl slots", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		_, cfg := test.StartPG(t, ctx, test.StartPGOpts{DisableSetup: true})

		res, err := pgsetup.Setup(ctx, pgsetup.SetupOpts{
			AdminConfig:              cfg,
			DisableCreateSlot:        true,
			DisableCreatePublication: true,
		})
		require.NoError(t, err)
		require.True(t, res.AuditTableCreated.Complete)
		require.False(t, res.SlotCreated.Complete)

		res, err = pgsetup.Check(ctx, pgsetup.SetupOpts{AdminConfig: cfg})
		require.ErrorIs(t, err, replicator.ErrReplicationSlotNotFound)
	})

	t.Run("it fails without logical replication", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		_, cfg := test.StartPG(t, ctx, test.StartPGOpts{DisableLogicalReplication: true})

		res, err := pgsetup.Setup(ctx, pgsetup.SetupOpts{AdminConfig: cfg})
		require.ErrorIs(t, err, replicator.ErrLogicalReplicationNotSetUp)
		require.False(t, res.LogicalReplication.Complete)
	})
}

func TestSlotChecker(t *testing.T) {
	ctx := context.Background()
	_, cfg := test.StartPG(t, ctx, test.StartPGOpts{DisableCreateSlot: true})
	checker := pgsetup.SlotChecker{AdminConfig: cfg}

	t.Run("it is available when the slot is absent", func(t *testing.T) {
		require.NoError(t, checker.CheckAvailability(ctx, test.SlotName))
	})

	_, err := pgsetup.Setup(ctx, pgsetup.SetupOpts{AdminConfig: cfg, Tables: []string{test.DemoTable}})
	require.NoError(t, err)

	t.Run("it is available when the slot is inactive", func(t *testing.T) {
		require.NoError(t, checker.CheckAvailability(ctx, test.SlotName))
	})

	t.Run("it reports contention when the slot is streaming", func(t *testing.T) {
		repl := cfg.Config.Copy()
		repl.RuntimeParams["replication"] = "database"
		conn, err := pgconn.ConnectConfig(ctx, repl)
		require.NoError(t, err)
		defer conn.Close(ctx)

		err = pglogrepl.StartReplication(ctx, conn, test.SlotName, 0, pglogrepl.StartReplicationOptions{
			PluginArgs: replicator.PluginConfig{Publications: []string{test.Publication}}.Args(),
		})
		require.NoError(t, err)

		err = checker.CheckAvailability(ctx, test.SlotName)
		require.ErrorIs(t, err, replicator.ErrSlotContention)
	})

	t.Run("it strips the replication param from admin connections", func(t *testing.T) {
		repl := cfg
		repl.Config = *cfg.Config.Copy()
		repl.RuntimeParams["replication"] = "database"

		admin := pgsetup.AdminConfig(repl)
		_, ok := admin.RuntimeParams["replication"]
		require.False(t, ok)
		// The original is left untouched.
		require.Equal(t, "database", repl.RuntimeParams["replication"])

		require.NoError(t, pgsetup.SlotChecker{AdminConfig: repl}.CheckAvailability(ctx, "missing"))
	})
}

func TestAvailability(t *testing.T) {
	require.NoError(t, pgsetup.Availability(nil))
	require.NoError(t, pgsetup.Availability(&pgsetup.SlotState{Name: "demo_slot"}))

	pid := int32(42)
	err := pgsetup.Availability(&pgsetup.SlotState{Name: "demo_slot", Active: true, ActivePID: &pid})
	require.ErrorIs(t, err, replicator.ErrSlotContention)
	require.Contains(t, err.Error(), "42")

	err = pgsetup.Availability(&pgsetup.SlotState{Name: "demo_slot", Active: true})
	require.ErrorIs(t, err, replicator.ErrSlotContention)
}

func TestQualifiedIdentifier(t *testing.T) {
	require.Equal(t, pgx.Identifier{"notification_log"}, pgsetup.QualifiedIdentifier("notification_log"))
	require.Equal(t, `"audit"."log"`, pgsetup.QualifiedIdentifier("audit.log").Sanitize())
}
