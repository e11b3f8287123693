package changeset

import (
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
)

type Operation string

const (
	OperationInsert   Operation = "INSERT"
	OperationUpdate   Operation = "UPDATE"
	OperationDelete   Operation = "DELETE"
	OperationTruncate Operation = "TRUNCATE"
)

func (o Operation) ToEventVerb() string {
	switch o {
	case OperationInsert:
		return "inserted"
	case OperationUpdate:
		return "updated"
	case OperationDelete:
		return "deleted"
	case OperationTruncate:
		return "truncated"
	default:
		return strings.ToLower(string(o))
	}
}

// Changeset is a normalized change record, ready to be persisted.
//
// INSERT carries New only, DELETE carries Old only, UPDATE may carry both and
// TRUNCATE carries neither and never has a RowID.
type Changeset struct {
	// Watermark represents the stream position of the event this changeset was
	// translated from.
	Watermark Watermark `json:"watermark"`

	// Operation represents the operation type for this changeset.
	Operation Operation `json:"operation"`

	// Table is the schema qualified table name, eg. "public.demo".
	Table string `json:"table"`

	// RowID is the "id" column of the row image, if present and integral.
	RowID *int64 `json:"row_id"`

	New Row `json:"new"`
	Old Row `json:"old"`

	// Timestamp is the server time of the WAL record.
	Timestamp time.Time `json:"ts"`
}

// Watermark is an opaque stream position.  It is only ever used to acknowledge
// progress back to the server.
type Watermark struct {
	LSN        pglogrepl.LSN
	ServerTime time.Time
}

// Row is a row image, mapping column names to decoded values.
type Row map[string]any
