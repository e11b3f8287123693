package changeset

import (
	"fmt"
	"math"
	"strconv"
)

var ErrUnrecognizedTag = fmt.Errorf("unrecognized replication event tag")

// Translate maps a raw event to a Changeset.
//
// Control events return (nil, nil) and should be skipped.  Any tag which isn't a
// known row event returns ErrUnrecognizedTag;  callers should warn and discard the
// event rather than failing the stream.
func Translate(evt Event) (*Changeset, error) {
	if evt.Tag.IsControl() {
		return nil, nil
	}

	cs := &Changeset{
		Watermark: evt.Watermark,
		Table:     evt.Relation.QualifiedName(),
		Timestamp: evt.Watermark.ServerTime,
	}

	switch evt.Tag {
	case TagInsert:
		cs.Operation = OperationInsert
		cs.New = evt.New
		cs.RowID = RowID(evt.New)
	case TagUpdate:
		cs.Operation = OperationUpdate
		cs.New = evt.New
		cs.Old = evt.Old
		cs.RowID = RowID(evt.New)
		if cs.RowID == nil {
			cs.RowID = RowID(evt.Old)
		}
	case TagDelete:
		cs.Operation = OperationDelete
		cs.Old = evt.Old
		cs.RowID = RowID(evt.Old)
	case TagTruncate:
		cs.Operation = OperationTruncate
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedTag, evt.Tag)
	}

	if len(cs.New) == 0 {
		cs.New = nil
	}
	if len(cs.Old) == 0 {
		cs.Old = nil
	}
	return cs, nil
}

// RowID returns the integral "id" column of the given row, or nil if the row has
// no id or the id isn't an integer.
func RowID(r Row) *int64 {
	v, ok := r["id"]
	if !ok || v == nil {
		return nil
	}

	var id int64
	switch n := v.(type) {
	case int:
		id = int64(n)
	case int8:
		id = int64(n)
	case int16:
		id = int64(n)
	case int32:
		id = int64(n)
	case int64:
		id = n
	case uint8:
		id = int64(n)
	case uint16:
		id = int64(n)
	case uint32:
		id = int64(n)
	case uint64:
		if n > math.MaxInt64 {
			return nil
		}
		id = int64(n)
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return nil
		}
		id = int64(n)
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil
		}
		id = parsed
	default:
		return nil
	}
	return &id
}
