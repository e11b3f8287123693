// Package sink durably records changesets.  A nil error from Persist is the only
// signal that allows the changeset's stream position to be acknowledged.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/inngest/pgtail/pkg/changeset"
)

var (
	ErrSinkClosed = fmt.Errorf("sink is not open")
)

type Sink interface {
	// Open prepares the sink for writing.  It's called before every subscription
	// attempt and must be a no-op if the sink is already usable.
	Open(ctx context.Context) error

	// Persist durably stores a single changeset.
	Persist(ctx context.Context, cs *changeset.Changeset) error

	// Close releases any held connection.
	Close(ctx context.Context) error
}

// Multi returns a sink which persists each changeset to every given sink, in order.
// A changeset is only persisted once all sinks succeed.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) Open(ctx context.Context) error {
	for _, s := range m {
		if err := s.Open(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m multi) Persist(ctx context.Context, cs *changeset.Changeset) error {
	for _, s := range m {
		if err := s.Persist(ctx, cs); err != nil {
			return err
		}
	}
	return nil
}

func (m multi) Close(ctx context.Context) error {
	var err error
	for _, s := range m {
		err = errors.Join(err, s.Close(ctx))
	}
	return err
}
