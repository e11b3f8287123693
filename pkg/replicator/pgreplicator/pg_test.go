package pgreplicator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/inngest/pgtail/internal/load"
	"github.com/inngest/pgtail/internal/test"
	"github.com/inngest/pgtail/pkg/changeset"
	"github.com/inngest/pgtail/pkg/replicator"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

var plugin = replicator.PluginConfig{Publications: []string{test.Publication}}

// nextRow returns the next row event, skipping control events.
func nextRow(t *testing.T, events <-chan changeset.Event) changeset.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			require.True(t, ok, "events closed")
			if evt.Tag.IsControl() {
				continue
			}
			return evt
		case <-timeout:
			require.Fail(t, "timed out waiting for row event")
			return changeset.Event{}
		}
	}
}

func subscribe(t *testing.T, ctx context.Context, cfg pgx.ConnConfig) (replicator.Client, <-chan changeset.Event) {
	t.Helper()
	r := New(Opts{Config: cfg, CreateSlot: true, StatusInterval: time.Second})

	var events <-chan changeset.Event
	// The server may still be releasing the slot from a previous session.
	require.Eventually(t, func() bool {
		var err error
		events, err = r.Subscribe(ctx, plugin, test.SlotName)
		if errors.Is(err, replicator.ErrSlotContention) {
			return false
		}
		require.NoError(t, err)
		return true
	}, 10*time.Second, 100*time.Millisecond)
	return r, events
}

//
// Simple cases
//

func TestStream(t *testing.T) {
	t.Parallel()
	versions := []int{12, 13, 14, 15, 16}

	for _, v1 := range versions {
		v := v1 // loop capture
		t.Run(fmt.Sprintf("Stream - Postgres %d", v), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			c, cfg := test.StartPG(t, ctx, test.StartPGOpts{Version: v, DisableCreateSlot: true})
			r, events := subscribe(t, ctx, cfg)

			conn := test.DataConn(t, cfg)
			defer conn.Close(ctx)

			test.InsertDemo(t, ctx, conn, 7, "Alice")
			evt := nextRow(t, events)
			require.Equal(t, changeset.TagInsert, evt.Tag)
			require.Equal(t, "public.demo", evt.Relation.QualifiedName())
			require.EqualValues(t, int32(7), evt.New["id"])
			require.Equal(t, "Alice", evt.New["name"])
			require.Contains(t, evt.New, "metadata")
			require.Nil(t, evt.New["metadata"])
			require.Nil(t, evt.Old)

			_, err := conn.Exec(ctx, "UPDATE demo SET name = 'Bob' WHERE id = 7")
			require.NoError(t, err)
			evt = nextRow(t, events)
			require.Equal(t, changeset.TagUpdate, evt.Tag)
			require.Equal(t, "Bob", evt.New["name"])
			// Replica identity full includes the old row.
			require.Equal(t, "Alice", evt.Old["name"])

			_, err = conn.Exec(ctx, "DELETE FROM demo WHERE id = 7")
			require.NoError(t, err)
			evt = nextRow(t, events)
			require.Equal(t, changeset.TagDelete, evt.Tag)
			require.EqualValues(t, int32(7), evt.Old["id"])
			require.Nil(t, evt.New)

			_, err = conn.Exec(ctx, "TRUNCATE demo")
			require.NoError(t, err)
			evt = nextRow(t, events)
			require.Equal(t, changeset.TagTruncate, evt.Tag)
			require.Equal(t, "public.demo", evt.Relation.QualifiedName())

			require.NoError(t, r.Ack(ctx, evt.Watermark.LSN))
			require.NoError(t, r.Stop(ctx))

			_, ok := <-events
			require.False(t, ok, "events must close on stop")
			require.ErrorIs(t, r.Err(), replicator.ErrClientStopped)

			_, err = r.Subscribe(ctx, plugin, test.SlotName)
			require.ErrorIs(t, err, replicator.ErrClientStopped)

			_ = c.Stop(ctx, nil)
		})
	}
}

func TestStreamLoad(t *testing.T) {
	ctx := context.Background()
	_, cfg := test.StartPG(t, ctx, test.StartPGOpts{})
	r, events := subscribe(t, ctx, cfg)
	defer func() { _ = r.Stop(ctx) }()

	res := test.GenerateLoad(t, ctx, cfg, load.Opts{Max: 50})

	counts := map[changeset.Tag]int{}
	for i := 0; i < res.Total(); i++ {
		evt := nextRow(t, events)
		counts[evt.Tag]++
	}
	require.Equal(t, res.Inserts, counts[changeset.TagInsert])
	require.Equal(t, res.Updates, counts[changeset.TagUpdate])
	require.Equal(t, res.Deletes, counts[changeset.TagDelete])
}

func TestRedelivery(t *testing.T) {
	ctx := context.Background()
	_, cfg := test.StartPG(t, ctx, test.StartPGOpts{DisableCreateSlot: true})

	conn := test.DataConn(t, cfg)
	defer conn.Close(ctx)

	r, events := subscribe(t, ctx, cfg)
	test.InsertDemo(t, ctx, conn, 1, "acked")
	test.InsertDemo(t, ctx, conn, 2, "unacked")

	first := nextRow(t, events)
	second := nextRow(t, events)
	require.EqualValues(t, 1, first.New["id"])
	require.EqualValues(t, 2, second.New["id"])

	// Acknowledging the second insert confirms the first transaction only;  the
	// second transaction's commit is beyond the acknowledged position.
	require.NoError(t, r.Ack(ctx, second.Watermark.LSN))
	require.NoError(t, r.Stop(ctx))

	r, events = subscribe(t, ctx, cfg)
	defer func() { _ = r.Stop(ctx) }()

	evt := nextRow(t, events)
	require.Equal(t, changeset.TagInsert, evt.Tag)
	require.EqualValues(t, 2, evt.New["id"])
}

func TestCancelEndsSession(t *testing.T) {
	ctx := context.Background()
	_, cfg := test.StartPG(t, ctx, test.StartPGOpts{DisableCreateSlot: true})

	conn := test.DataConn(t, cfg)
	defer conn.Close(ctx)

	r := New(Opts{Config: cfg, CreateSlot: true, StatusInterval: time.Second})
	defer func() { _ = r.Stop(ctx) }()

	sessCtx, cancel := context.WithCancel(ctx)
	events, err := r.Subscribe(sessCtx, plugin, test.SlotName)
	require.NoError(t, err)

	test.InsertDemo(t, ctx, conn, 1, "first")
	first := nextRow(t, events)
	require.EqualValues(t, 1, first.New["id"])

	// Cancelling ends the session, not the client.
	cancel()
	for range events {
	}
	require.ErrorIs(t, r.Err(), context.Canceled)
	require.NotErrorIs(t, r.Err(), replicator.ErrClientStopped)

	// Nothing was acknowledged, so the next session redelivers the insert.
	require.Eventually(t, func() bool {
		var err error
		events, err = r.Subscribe(ctx, plugin, test.SlotName)
		if errors.Is(err, replicator.ErrSlotContention) {
			return false
		}
		require.NoError(t, err)
		return true
	}, 10*time.Second, 100*time.Millisecond)

	evt := nextRow(t, events)
	require.EqualValues(t, 1, evt.New["id"])
}

//
// Failure cases
//

func TestConnectingWithoutLogicalReplicationFails(t *testing.T) {
	ctx := context.Background()
	c, cfg := test.StartPG(t, ctx, test.StartPGOpts{DisableLogicalReplication: true})

	r := New(Opts{Config: cfg, CreateSlot: true})
	_, err := r.Subscribe(ctx, plugin, test.SlotName)
	require.ErrorIs(t, err, replicator.ErrLogicalReplicationNotSetUp)

	_ = c.Stop(ctx, nil)
}

func TestConnectingWithoutReplicationSlotFails(t *testing.T) {
	ctx := context.Background()
	c, cfg := test.StartPG(t, ctx, test.StartPGOpts{DisableCreateSlot: true})

	r := New(Opts{Config: cfg})
	_, err := r.Subscribe(ctx, plugin, test.SlotName)
	require.ErrorIs(t, err, replicator.ErrReplicationSlotNotFound)

	_ = c.Stop(ctx, nil)
}

func TestMultipleConnectionsFail(t *testing.T) {
	ctx := context.Background()
	c, cfg := test.StartPG(t, ctx, test.StartPGOpts{})

	// The first time we connect things should succeed.
	r1, _ := subscribe(t, ctx, cfg)

	r2 := New(Opts{Config: cfg})
	_, err := r2.Subscribe(ctx, plugin, test.SlotName)
	require.ErrorIs(t, err, replicator.ErrSlotContention)

	require.NoError(t, r1.Stop(ctx))
	require.NoError(t, r2.Stop(ctx))

	timeout := time.Second
	_ = c.Stop(ctx, &timeout)
}
