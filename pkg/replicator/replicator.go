package replicator

import (
	"context"
	"fmt"
	"strings"

	"github.com/inngest/pgtail/pkg/changeset"
	"github.com/jackc/pglogrepl"
)

var (
	ErrLogicalReplicationNotSetUp = fmt.Errorf("ERR_PG_001: Your database does not have logical replication configured.  You must set the WAL level to 'logical' to stream events.")

	ErrReplicationSlotNotFound = fmt.Errorf("ERR_PG_002: The replication slot doesn't exist in your database.  Please create the logical replication slot to stream events.")

	// ErrSlotContention is returned when another consumer holds the replication
	// slot, either observed ahead of time or reported by the server on subscribe.
	ErrSlotContention = fmt.Errorf("ERR_PG_901: Replication is already streaming events")

	ErrClientStopped = fmt.Errorf("replication client stopped")
)

// PluginConfig configures the pgoutput logical decoding plugin.
type PluginConfig struct {
	ProtoVersion int
	Publications []string
}

// Args returns the START_REPLICATION plugin arguments.
func (p PluginConfig) Args() []string {
	version := p.ProtoVersion
	if version == 0 {
		version = 1
	}
	args := []string{fmt.Sprintf("proto_version '%d'", version)}
	if len(p.Publications) > 0 {
		args = append(args, fmt.Sprintf("publication_names '%s'", strings.Join(p.Publications, ",")))
	}
	return args
}

// Client is a raw replication stream client.
type Client interface {
	// Subscribe starts a new session on the given slot.  Events are delivered in
	// stream order on the returned channel, which is closed when the session
	// ends.  Cancelling ctx ends the session.  Err reports why a session ended.
	//
	// Subscribe returns ErrSlotContention if the server rejects the subscription
	// because the slot is already in use.
	Subscribe(ctx context.Context, plugin PluginConfig, slot string) (<-chan changeset.Event, error)

	// Ack acknowledges that every event up to and including lsn has been durably
	// handled, allowing the server to release WAL.
	Ack(ctx context.Context, lsn pglogrepl.LSN) error

	// Err returns the error which ended the most recent session, if any.
	Err() error

	// Stop ends any running session and releases the replication connection.
	Stop(ctx context.Context) error
}

// SlotChecker inspects server side slot state before subscribing.
type SlotChecker interface {
	// CheckAvailability returns nil if the slot is absent or inactive, and
	// ErrSlotContention if another consumer holds it.
	CheckAvailability(ctx context.Context, slot string) error
}

// SlotCheckerFunc is an adapter to allow ordinary functions as a SlotChecker.
type SlotCheckerFunc func(ctx context.Context, slot string) error

func (f SlotCheckerFunc) CheckAvailability(ctx context.Context, slot string) error {
	return f(ctx, slot)
}
