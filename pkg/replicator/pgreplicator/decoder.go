package pgreplicator

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/inngest/pgtail/pkg/changeset"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// decoder decodes pgoutput (protocol v1) messages into changeset events.  A
// decoder holds the relation cache for a single session and must not be shared.
type decoder struct {
	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map
}

func newDecoder() *decoder {
	return &decoder{
		relations: map[uint32]*pglogrepl.RelationMessage{},
		typeMap:   pgtype.NewMap(),
	}
}

// Decode decodes a single WAL message.  Truncates covering several tables return
// one event per table, all at the same position.
func (d *decoder) Decode(wm changeset.Watermark, data []byte) ([]changeset.Event, error) {
	msg, err := pglogrepl.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing logical message: %w", err)
	}

	evt := changeset.Event{Watermark: wm}

	switch m := msg.(type) {
	case *pglogrepl.BeginMessage:
		evt.Tag = changeset.TagBegin
	case *pglogrepl.CommitMessage:
		evt.Tag = changeset.TagCommit
	case *pglogrepl.RelationMessage:
		d.relations[m.RelationID] = m
		evt.Tag = changeset.TagRelation
		evt.Relation = relation(m)
	case *pglogrepl.InsertMessage:
		rel, err := d.relation(m.RelationID)
		if err != nil {
			return nil, err
		}
		evt.Tag = changeset.TagInsert
		evt.Relation = relation(rel)
		if evt.New, err = d.decodeTuple(rel, m.Tuple); err != nil {
			return nil, err
		}
	case *pglogrepl.UpdateMessage:
		rel, err := d.relation(m.RelationID)
		if err != nil {
			return nil, err
		}
		evt.Tag = changeset.TagUpdate
		evt.Relation = relation(rel)
		if evt.Old, err = d.decodeTuple(rel, m.OldTuple); err != nil {
			return nil, err
		}
		if evt.New, err = d.decodeTuple(rel, m.NewTuple); err != nil {
			return nil, err
		}
	case *pglogrepl.DeleteMessage:
		rel, err := d.relation(m.RelationID)
		if err != nil {
			return nil, err
		}
		evt.Tag = changeset.TagDelete
		evt.Relation = relation(rel)
		if evt.Old, err = d.decodeTuple(rel, m.OldTuple); err != nil {
			return nil, err
		}
	case *pglogrepl.TruncateMessage:
		evts := make([]changeset.Event, 0, len(m.RelationIDs))
		for _, id := range m.RelationIDs {
			rel, err := d.relation(id)
			if err != nil {
				return nil, err
			}
			evts = append(evts, changeset.Event{
				Watermark: wm,
				Tag:       changeset.TagTruncate,
				Relation:  relation(rel),
			})
		}
		return evts, nil
	case *pglogrepl.TypeMessage:
		evt.Tag = changeset.TagType
	case *pglogrepl.OriginMessage:
		evt.Tag = changeset.TagOrigin
	case *pglogrepl.LogicalDecodingMessage:
		evt.Tag = changeset.TagMessage
	default:
		evt.Tag = changeset.Tag(fmt.Sprintf("%T", msg))
	}

	return []changeset.Event{evt}, nil
}

func (d *decoder) relation(id uint32) (*pglogrepl.RelationMessage, error) {
	rel, ok := d.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation id %d", id)
	}
	return rel, nil
}

// decodeTuple decodes a tuple into a row.  Unchanged TOAST columns are omitted,
// as their value isn't present in the WAL.
func (d *decoder) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (changeset.Row, error) {
	if tuple == nil {
		return nil, nil
	}

	row := make(changeset.Row, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			return nil, fmt.Errorf("tuple column index %d out of range for %s.%s", idx, rel.Namespace, rel.RelationName)
		}
		meta := rel.Columns[idx]

		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			row[meta.Name] = nil
		case pglogrepl.TupleDataTypeToast:
			continue
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			format := int16(pgtype.TextFormatCode)
			if col.DataType == pglogrepl.TupleDataTypeBinary {
				format = pgtype.BinaryFormatCode
			}
			typ, ok := d.typeMap.TypeForOID(meta.DataType)
			if !ok {
				row[meta.Name] = string(col.Data)
				continue
			}
			val, err := typ.Codec.DecodeValue(d.typeMap, meta.DataType, format, col.Data)
			if err != nil {
				return nil, fmt.Errorf("error decoding column %s: %w", meta.Name, err)
			}
			row[meta.Name] = normalize(val)
		default:
			return nil, fmt.Errorf("unknown column data type %c", col.DataType)
		}
	}
	return row, nil
}

// normalize converts values which don't have a useful JSON form.  uuids become
// their canonical string and bytea becomes Postgres' \x hex form.
func normalize(v any) any {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case []byte:
		return `\x` + hex.EncodeToString(t)
	default:
		return v
	}
}

func relation(m *pglogrepl.RelationMessage) *changeset.Relation {
	return &changeset.Relation{Schema: m.Namespace, Name: m.RelationName}
}
