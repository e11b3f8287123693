package sink

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/inngest/pgtail/pkg/changeset"
	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
)

type recordSink struct {
	name    string
	calls   *[]string
	failErr error
}

func (r recordSink) Open(ctx context.Context) error {
	*r.calls = append(*r.calls, r.name+".open")
	return nil
}

func (r recordSink) Persist(ctx context.Context, cs *changeset.Changeset) error {
	*r.calls = append(*r.calls, r.name+".persist")
	return r.failErr
}

func (r recordSink) Close(ctx context.Context) error {
	*r.calls = append(*r.calls, r.name+".close")
	return r.failErr
}

func TestMulti(t *testing.T) {
	ctx := context.Background()
	cs := &changeset.Changeset{Operation: changeset.OperationInsert, Table: "public.demo"}

	t.Run("it persists to every sink in order", func(t *testing.T) {
		calls := []string{}
		m := Multi(recordSink{name: "a", calls: &calls}, recordSink{name: "b", calls: &calls})
		require.NoError(t, m.Open(ctx))
		require.NoError(t, m.Persist(ctx, cs))
		require.NoError(t, m.Close(ctx))
		require.Equal(t, []string{
			"a.open", "b.open",
			"a.persist", "b.persist",
			"a.close", "b.close",
		}, calls)
	})

	t.Run("it stops persisting on the first failure", func(t *testing.T) {
		calls := []string{}
		boom := fmt.Errorf("boom")
		m := Multi(recordSink{name: "a", calls: &calls, failErr: boom}, recordSink{name: "b", calls: &calls})
		require.ErrorIs(t, m.Persist(ctx, cs), boom)
		require.Equal(t, []string{"a.persist"}, calls)
	})

	t.Run("it closes every sink even when one fails", func(t *testing.T) {
		calls := []string{}
		boom := fmt.Errorf("boom")
		m := Multi(recordSink{name: "a", calls: &calls, failErr: boom}, recordSink{name: "b", calls: &calls})
		require.ErrorIs(t, m.Close(ctx), boom)
		require.Equal(t, []string{"a.close", "b.close"}, calls)
	})
}

type fakeSender struct {
	sent [][]any
	err  error
}

func (f *fakeSender) SendMany(ctx context.Context, evts []any) ([]string, error) {
	if _, ok := ctx.Deadline(); !ok {
		return nil, fmt.Errorf("expected a deadline")
	}
	f.sent = append(f.sent, evts)
	return make([]string, len(evts)), f.err
}

func TestChangesetToEvent(t *testing.T) {
	ns := uuid.NewSHA1(uuid.NameSpaceURL, []byte("demo_slot"))
	id := int64(7)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	cs := changeset.Changeset{
		Watermark: changeset.Watermark{LSN: pglogrepl.LSN(0x16B3748), ServerTime: ts},
		Operation: changeset.OperationInsert,
		Table:     "public.demo",
		RowID:     &id,
		New:       changeset.Row{"id": int32(7), "name": "Alice"},
	}

	t.Run("it names events by table and verb", func(t *testing.T) {
		evt := ChangesetToEvent(ns, cs)
		require.Equal(t, "pg/demo.inserted", evt["name"])
		require.Equal(t, ts.UnixMilli(), evt["ts"])

		data := evt["data"].(map[string]any)
		require.Equal(t, changeset.OperationInsert, data["operation"])
		require.Equal(t, &id, data["row_id"])
		require.Equal(t, cs.New, data["new"])
	})

	t.Run("it keeps non public schemas", func(t *testing.T) {
		other := cs
		other.Table = "audit.things"
		other.Operation = changeset.OperationTruncate
		require.Equal(t, "pg/audit.things.truncated", ChangesetToEvent(ns, other)["name"])
	})

	t.Run("it generates deterministic ids", func(t *testing.T) {
		a := ChangesetToEvent(ns, cs)["id"]
		b := ChangesetToEvent(ns, cs)["id"]
		require.Equal(t, a, b)

		// Truncates of several tables share a position.
		other := cs
		other.Table = "public.other"
		require.NotEqual(t, a, ChangesetToEvent(ns, other)["id"])

		other = cs
		other.Watermark.LSN++
		require.NotEqual(t, a, ChangesetToEvent(ns, other)["id"])
	})

	t.Run("it sends a single event per changeset", func(t *testing.T) {
		f := &fakeSender{}
		s := NewEvents(f, "demo_slot")
		require.NoError(t, s.Persist(context.Background(), &cs))
		require.Len(t, f.sent, 1)
		require.Len(t, f.sent[0], 1)
		require.Equal(t, ChangesetToEvent(ns, cs), f.sent[0][0])
	})

	t.Run("it returns send errors", func(t *testing.T) {
		boom := fmt.Errorf("unavailable")
		s := NewEvents(&fakeSender{err: boom}, "demo_slot")
		require.ErrorIs(t, s.Persist(context.Background(), &cs), boom)
	})
}
