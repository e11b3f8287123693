// Package load generates synthetic INSERT, UPDATE and DELETE traffic against the
// demo table.
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const DefaultSeed = 123

const DemoTableDDL = `
	CREATE TABLE IF NOT EXISTS demo (
	  id serial PRIMARY KEY,
	  small_num smallint,
	  big_num bigint,
	  decimal_val numeric(10, 2),
	  name varchar(255),
	  is_active boolean,
	  metadata jsonb,
	  tags text[],
	  uuid_val uuid,
	  created_at timestamptz NOT NULL DEFAULT now()
	);
`

type Opts struct {
	Seed int64

	// Max is the number of operations to run.  0 runs until ctx is done.
	Max      int
	Interval time.Duration

	Log *slog.Logger
}

// Result counts the operations run by Generate.
type Result struct {
	Inserts int
	Updates int
	Deletes int
}

func (r Result) Total() int {
	return r.Inserts + r.Updates + r.Deletes
}

// Generate runs a weighted mix of inserts (50%), updates (30%) and deletes (20%)
// against the demo table.  Updates and deletes only target rows inserted by this
// call, and an insert is forced while there are none.
//
// A cancelled ctx ends the run without error.
func Generate(ctx context.Context, c *pgx.Conn, opts Opts) (Result, error) {
	if opts.Seed == 0 {
		opts.Seed = DefaultSeed
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	rand := rand.New(rand.NewSource(opts.Seed))
	res := Result{}
	ids := []int64{}

	for i := 0; opts.Max == 0 || i < opts.Max; i++ {
		if ctx.Err() != nil {
			return res, nil
		}

		var err error
		r := rand.Float64()
		switch {
		case len(ids) == 0 || r < 0.5:
			var id int64
			name := hash(rand.Int63())
			err = c.QueryRow(ctx,
				`INSERT INTO demo
					(small_num, big_num, decimal_val, name, is_active, metadata, tags, uuid_val) VALUES
					($1,        $2,      $3,          $4,   $5,        $6,       $7,   $8)
				RETURNING id`,
				rand.Intn(100),
				rand.Int63(),
				float64(rand.Intn(100000))/100,
				name,
				rand.Intn(2) == 1,
				map[string]any{"source": "generator", "n": i},
				[]string{"tag-" + hash(i)},
				uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String(),
			).Scan(&id)
			if err == nil {
				ids = append(ids, id)
				res.Inserts++
				opts.Log.Debug("row inserted", "id", id)
			}
		case r < 0.8:
			id := ids[rand.Intn(len(ids))]
			_, err = c.Exec(ctx, "UPDATE demo SET name = $1, small_num = $2 WHERE id = $3", hash(rand.Int63()), rand.Intn(100), id)
			if err == nil {
				res.Updates++
				opts.Log.Debug("row updated", "id", id)
			}
		default:
			idx := rand.Intn(len(ids))
			id := ids[idx]
			_, err = c.Exec(ctx, "DELETE FROM demo WHERE id = $1", id)
			if err == nil {
				ids = append(ids[:idx], ids[idx+1:]...)
				res.Deletes++
				opts.Log.Debug("row deleted", "id", id)
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return res, nil
			}
			return res, fmt.Errorf("error generating load: %w", err)
		}

		if opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return res, nil
			case <-time.After(opts.Interval):
			}
		}
	}
	return res, nil
}

func hash(in any) string {
	switch v := in.(type) {
	case string:
		ui := xxhash.Sum64String(v)
		return strconv.FormatUint(ui, 36)
	default:
		ui := xxhash.Sum64String(fmt.Sprintf("%v", in))
		return strconv.FormatUint(ui, 36)
	}
}
