package pgsetup

import (
	"context"
	"errors"
	"fmt"

	"github.com/inngest/pgtail/pkg/replicator"
	"github.com/jackc/pgx/v5"
)

// SlotState is the server side state of a replication slot.
type SlotState struct {
	Name      string
	Active    bool
	ActivePID *int32
}

// ReadSlot returns the state of the given slot, or nil if it doesn't exist.
func ReadSlot(ctx context.Context, conn *pgx.Conn, slot string) (*SlotState, error) {
	st := &SlotState{}
	err := conn.QueryRow(ctx,
		"SELECT slot_name, active, active_pid FROM pg_replication_slots WHERE slot_name = $1",
		slot,
	).Scan(&st.Name, &st.Active, &st.ActivePID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading replication slot '%s': %w", slot, err)
	}
	return st, nil
}

// Availability returns ErrSlotContention if the slot is held by an active
// consumer.  An absent slot is available, as subscribing creates it.
func Availability(st *SlotState) error {
	if st == nil || !st.Active {
		return nil
	}
	if st.ActivePID != nil {
		return fmt.Errorf("%w: slot '%s' is active for pid %d", replicator.ErrSlotContention, st.Name, *st.ActivePID)
	}
	return fmt.Errorf("%w: slot '%s' is active", replicator.ErrSlotContention, st.Name)
}

// SlotChecker checks slot availability over a short lived admin connection.
//
// The check is advisory:  another consumer may take the slot between the check
// and subscribing, in which case the server rejects the subscription and the
// replicator reports the same ErrSlotContention.
type SlotChecker struct {
	AdminConfig pgx.ConnConfig
}

func (s SlotChecker) CheckAvailability(ctx context.Context, slot string) error {
	conn, err := pgx.ConnectConfig(ctx, AdminConfig(s.AdminConfig))
	if err != nil {
		return fmt.Errorf("error connecting to postgres to check slot: %w", err)
	}
	defer conn.Close(ctx)

	st, err := ReadSlot(ctx, conn, slot)
	if err != nil {
		return err
	}
	return Availability(st)
}

// AdminConfig returns a copy of cfg without the replication runtime param, for
// regular queries.
func AdminConfig(cfg pgx.ConnConfig) *pgx.ConnConfig {
	admin := cfg.Copy()
	delete(admin.RuntimeParams, "replication")
	return admin
}
