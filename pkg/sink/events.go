package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inngest/pgtail/pkg/changeset"
)

const (
	eventPrefix = "pg"
)

var (
	// sendTimeout bounds a single event send.
	sendTimeout = 10 * time.Second
)

// EventSender sends events to Inngest.  inngestgo.Client satisfies this.
type EventSender interface {
	SendMany(ctx context.Context, evts []any) ([]string, error)
}

// NewEvents returns a sink which forwards each changeset as an Inngest event.
//
// Event IDs are derived from the namespace (usually the slot name), the stream
// position and the table, so that redelivered changesets dedupe downstream.
func NewEvents(client EventSender, namespace string) Sink {
	return &events{
		client: client,
		ns:     uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace)),
	}
}

// ChangesetToEvent returns a map containing event data for the given changeset.
func ChangesetToEvent(ns uuid.UUID, cs changeset.Changeset) map[string]any {
	var name string

	table, _ := strings.CutPrefix(cs.Table, "public.")
	if table == "" {
		name = fmt.Sprintf("%s/%s", eventPrefix, cs.Operation.ToEventVerb())
	} else {
		name = fmt.Sprintf("%s/%s.%s", eventPrefix, table, cs.Operation.ToEventVerb())
	}

	return map[string]any{
		"id":   EventID(ns, cs).String(),
		"name": name,
		"data": map[string]any{
			"operation": cs.Operation,
			"table":     cs.Table,
			"row_id":    cs.RowID,
			"new":       cs.New,
			"old":       cs.Old,
		},
		"ts": cs.Watermark.ServerTime.UnixMilli(),
	}
}

// EventID returns a deterministic ID for a changeset.  A TRUNCATE over several
// relations shares an LSN, so the table is part of the key.
func EventID(ns uuid.UUID, cs changeset.Changeset) uuid.UUID {
	return uuid.NewSHA1(ns, []byte(fmt.Sprintf("%s/%s", cs.Watermark.LSN, cs.Table)))
}

type events struct {
	client EventSender
	ns     uuid.UUID
}

func (e *events) Open(ctx context.Context) error {
	return nil
}

func (e *events) Persist(ctx context.Context, cs *changeset.Changeset) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if _, err := e.client.SendMany(ctx, []any{ChangesetToEvent(e.ns, *cs)}); err != nil {
		return fmt.Errorf("error sending event: %w", err)
	}
	return nil
}

func (e *events) Close(ctx context.Context) error {
	return nil
}
