package test

import (
	"context"
	"testing"

	"github.com/inngest/pgtail/internal/load"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

func DataConn(t *testing.T, cfg pgx.ConnConfig) *pgx.Conn {
	c, err := pgx.ConnectConfig(context.Background(), &cfg)
	require.NoError(t, err)
	return c
}

// InsertDemo inserts a single demo row with the given id and name.
func InsertDemo(t *testing.T, ctx context.Context, c *pgx.Conn, id int, name string) {
	t.Helper()
	_, err := c.Exec(ctx, "INSERT INTO demo (id, name) VALUES ($1, $2)", id, name)
	require.NoError(t, err)
}

// GenerateLoad runs opts.Max operations against the demo table.
func GenerateLoad(t *testing.T, ctx context.Context, cfg pgx.ConnConfig, opts load.Opts) load.Result {
	t.Helper()
	if opts.Max == 0 {
		opts.Max = 1
	}

	c := DataConn(t, cfg)
	defer c.Close(ctx)

	res, err := load.Generate(ctx, c, opts)
	require.NoError(t, err)
	require.Equal(t, opts.Max, res.Total())
	return res
}
