package ir

import (
	"fmt"
	"strconv"
)

// Reserved wire keys. Field descriptors may not use them.
const (
	KeyID      = "id"
	KeyVersion = "version"
)

// Record is one entity instance. Identity is ID; cache equality is ID plus
// Version. Version is an opaque server etag used for stale-write detection.
//
// On the wire a record is a flat JSON object with id and version next to the
// field values.
type Record struct {
	ID      string
	Version string
	Fields  Object
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	return Record{ID: r.ID, Version: r.Version, Fields: r.Fields.Clone()}
}

// Same reports cache equality: same identity and same version.
func (r Record) Same(other Record) bool {
	return r.ID == other.ID && r.Version == other.Version
}

// Get returns a field value, treating id and version as fields.
func (r Record) Get(key string) (Value, bool) {
	switch key {
	case KeyID:
		return String(r.ID), r.ID != ""
	case KeyVersion:
		return String(r.Version), r.Version != ""
	}
	v, ok := r.Fields[key]
	return v, ok
}

// Merge returns a copy of r with patch applied over its fields.
// Identity and version are untouched.
func (r Record) Merge(patch Object) Record {
	return Record{ID: r.ID, Version: r.Version, Fields: r.Fields.Merge(patch)}
}

// Object flattens the record into its wire form.
func (r Record) Object() Object {
	out := r.Fields.Clone()
	if out == nil {
		out = Object{}
	}
	out[KeyID] = String(r.ID)
	if r.Version != "" {
		out[KeyVersion] = String(r.Version)
	}
	return out
}

// MarshalJSON encodes the flat wire form canonically.
func (r Record) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(r.Object())
}

// UnmarshalJSON accepts the flat wire form. Numeric ids and versions are
// converted to their decimal string form.
func (r *Record) UnmarshalJSON(data []byte) error {
	var obj Object
	if err := obj.UnmarshalJSON(data); err != nil {
		return err
	}
	rec, err := RecordFromObject(obj)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// RecordFromObject splits a flat wire object into a Record.
func RecordFromObject(obj Object) (Record, error) {
	fields := obj.Clone()
	id, err := scalarString(fields[KeyID])
	if err != nil {
		return Record{}, fmt.Errorf("record id: %w", err)
	}
	version, err := scalarString(fields[KeyVersion])
	if err != nil {
		return Record{}, fmt.Errorf("record version: %w", err)
	}
	delete(fields, KeyID)
	delete(fields, KeyVersion)
	return Record{ID: id, Version: version, Fields: fields}, nil
}

func scalarString(v Value) (string, error) {
	switch val := v.(type) {
	case nil, Null:
		return "", nil
	case String:
		return string(val), nil
	case Int:
		return strconv.FormatInt(int64(val), 10), nil
	default:
		return "", fmt.Errorf("expected string or integer, got %T", v)
	}
}

// IndexRecords maps records by ID. Later duplicates win.
func IndexRecords(recs []Record) map[string]Record {
	out := make(map[string]Record, len(recs))
	for _, r := range recs {
		out[r.ID] = r
	}
	return out
}
