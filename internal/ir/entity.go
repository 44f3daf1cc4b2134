package ir

import (
	"encoding/json"
	"fmt"
)

// FieldType enumerates the value kinds a field descriptor may declare.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldEnum     FieldType = "enum"
	FieldRelation FieldType = "relation"
	FieldBool     FieldType = "bool"
)

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case FieldText, FieldNumber, FieldDate, FieldEnum, FieldRelation, FieldBool:
		return true
	}
	return false
}

// FieldDescriptor describes one field of an entity. Validators are
// go-playground/validator tags, run in declaration order.
type FieldDescriptor struct {
	Key            string    `json:"key"`
	Label          string    `json:"label,omitempty"`
	Type           FieldType `json:"type"`
	Validators     []string  `json:"validators,omitempty"`
	Options        []string  `json:"options,omitempty"`
	RelationTarget string    `json:"relation_target,omitempty"`
}

// Required reports whether the field carries the "required" validator.
func (f FieldDescriptor) Required() bool {
	for _, v := range f.Validators {
		if v == "required" {
			return true
		}
	}
	return false
}

// SortSpec orders a list by one field.
type SortSpec struct {
	Field string `json:"field,omitempty"`
	Desc  bool   `json:"desc,omitempty"`
}

// String renders the sort as the transport parameter form ("name", "-name").
func (s SortSpec) String() string {
	if s.Field == "" {
		return ""
	}
	if s.Desc {
		return "-" + s.Field
	}
	return s.Field
}

// ParseSort is the inverse of SortSpec.String.
func ParseSort(s string) SortSpec {
	if len(s) > 0 && s[0] == '-' {
		return SortSpec{Field: s[1:], Desc: true}
	}
	return SortSpec{Field: s}
}

// EntityConfig is the immutable descriptor of one record type. Build it with
// NewEntityConfig so the field and action lookups are indexed; share the
// pointer across every engine serving that entity.
type EntityConfig struct {
	Name            string
	Endpoint        string
	Fields          []FieldDescriptor
	Actions         []Action
	DefaultPageSize int
	DefaultSort     SortSpec

	fieldIndex  map[string]int
	actionIndex map[string]int
}

// DefaultPageSize applies when a config leaves page size unset.
const DefaultPageSize = 25

// NewEntityConfig copies c and indexes its fields and actions. Duplicate
// keys and reserved field names are rejected; richer checks live in the
// compiler package.
func NewEntityConfig(c EntityConfig) (*EntityConfig, error) {
	out := &EntityConfig{
		Name:            c.Name,
		Endpoint:        c.Endpoint,
		Fields:          append([]FieldDescriptor(nil), c.Fields...),
		Actions:         append([]Action(nil), c.Actions...),
		DefaultPageSize: c.DefaultPageSize,
		DefaultSort:     c.DefaultSort,
		fieldIndex:      make(map[string]int, len(c.Fields)),
		actionIndex:     make(map[string]int, len(c.Actions)),
	}
	if out.DefaultPageSize <= 0 {
		out.DefaultPageSize = DefaultPageSize
	}
	for i, f := range out.Fields {
		if f.Key == KeyID || f.Key == KeyVersion {
			return nil, fmt.Errorf("entity %q: field key %q is reserved", c.Name, f.Key)
		}
		if _, dup := out.fieldIndex[f.Key]; dup {
			return nil, fmt.Errorf("entity %q: duplicate field %q", c.Name, f.Key)
		}
		out.fieldIndex[f.Key] = i
	}
	for i, a := range out.Actions {
		if a == nil {
			return nil, fmt.Errorf("entity %q: action %d is nil", c.Name, i)
		}
		key := a.ActionKey()
		if _, dup := out.actionIndex[key]; dup {
			return nil, fmt.Errorf("entity %q: duplicate action %q", c.Name, key)
		}
		out.actionIndex[key] = i
	}
	return out, nil
}

// Field resolves a field descriptor by key.
func (c *EntityConfig) Field(key string) (FieldDescriptor, bool) {
	i, ok := c.fieldIndex[key]
	if !ok {
		return FieldDescriptor{}, false
	}
	return c.Fields[i], true
}

// Action resolves an action descriptor by key.
func (c *EntityConfig) Action(key string) (Action, bool) {
	i, ok := c.actionIndex[key]
	if !ok {
		return nil, false
	}
	return c.Actions[i], true
}

// Indexed reports whether the config was built by NewEntityConfig.
func (c *EntityConfig) Indexed() bool {
	return c.fieldIndex != nil && c.actionIndex != nil
}

type entityConfigJSON struct {
	Name            string            `json:"name"`
	Endpoint        string            `json:"endpoint"`
	Fields          []FieldDescriptor `json:"fields"`
	Actions         []json.RawMessage `json:"actions"`
	DefaultPageSize int               `json:"default_page_size"`
	DefaultSort     SortSpec          `json:"default_sort"`
}

// MarshalJSON emits the config with each action tagged by its kind.
func (c *EntityConfig) MarshalJSON() ([]byte, error) {
	out := entityConfigJSON{
		Name:            c.Name,
		Endpoint:        c.Endpoint,
		Fields:          c.Fields,
		Actions:         make([]json.RawMessage, 0, len(c.Actions)),
		DefaultPageSize: c.DefaultPageSize,
		DefaultSort:     c.DefaultSort,
	}
	if out.Fields == nil {
		out.Fields = []FieldDescriptor{}
	}
	for _, a := range c.Actions {
		b, err := MarshalAction(a)
		if err != nil {
			return nil, err
		}
		out.Actions = append(out.Actions, b)
	}
	return json.Marshal(out)
}
