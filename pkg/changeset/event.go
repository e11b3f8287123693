package changeset

// Tag identifies the kind of a raw replication event.
type Tag string

const (
	TagBegin    Tag = "begin"
	TagCommit   Tag = "commit"
	TagRelation Tag = "relation"
	TagInsert   Tag = "insert"
	TagUpdate   Tag = "update"
	TagDelete   Tag = "delete"
	TagTruncate Tag = "truncate"

	// The following are surfaced by pgoutput but carry nothing we record.
	TagType    Tag = "type"
	TagOrigin  Tag = "origin"
	TagMessage Tag = "message"
)

// IsControl returns true for transaction and schema framing events, which never
// carry row data.
func (t Tag) IsControl() bool {
	return t == TagBegin || t == TagCommit || t == TagRelation
}

// Relation describes the table a row event belongs to.
type Relation struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
}

// QualifiedName returns "schema.name", defaulting to "public" and "unknown"
// when either part is missing.
func (r *Relation) QualifiedName() string {
	schema, name := "public", "unknown"
	if r != nil {
		if r.Schema != "" {
			schema = r.Schema
		}
		if r.Name != "" {
			name = r.Name
		}
	}
	return schema + "." + name
}

// Event is a raw change event decoded from the replication stream, paired with
// its stream position.
type Event struct {
	Watermark Watermark
	Tag       Tag
	Relation  *Relation

	// New is the after image for inserts and updates.
	New Row
	// Old is the before image for updates and deletes.  Updates only carry an
	// old image when the table's replica identity provides one.
	Old Row
}
