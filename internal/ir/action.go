package ir

import (
	"encoding/json"
	"fmt"
)

// ActionKind tags the closed set of action variants.
type ActionKind string

const (
	KindImmediate  ActionKind = "immediate"
	KindConfirm    ActionKind = "confirm"
	KindForm       ActionKind = "form"
	KindModal      ActionKind = "modal"
	KindNavigation ActionKind = "navigation"
	KindBulk       ActionKind = "bulk"
	KindDownload   ActionKind = "download"
	KindCustom     ActionKind = "custom"
)

// Action is a sealed interface; the dispatcher switches over the concrete
// types exhaustively.
type Action interface {
	ActionKey() string
	Kind() ActionKind
	action()
}

// ActionBase carries what every variant has.
type ActionBase struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

// ActionKey returns the stable lookup key.
func (b ActionBase) ActionKey() string { return b.Key }

// Mutation is the server effect of a mutating action. Payload holds static
// field values merged under any caller input.
type Mutation struct {
	Operation OpKind `json:"operation"`
	Payload   Object `json:"payload,omitempty"`
}

// ImmediateAction calls the gateway directly.
type ImmediateAction struct {
	ActionBase
	Mutation
}

// ConfirmAction requires a confirmation from the host before proceeding.
type ConfirmAction struct {
	ActionBase
	Mutation
	Prompt string `json:"prompt"`
}

// FormAction validates caller input against a subset of the entity's fields.
// An empty Fields list means every field.
type FormAction struct {
	ActionBase
	Mutation
	Fields []string `json:"fields,omitempty"`
}

// ModalAction is declarative: it names a host component to open.
type ModalAction struct {
	ActionBase
	Component string   `json:"component"`
	Fields    []string `json:"fields,omitempty"`
}

// NavigationAction is declarative: Target is a path template whose {field}
// placeholders are filled from the target record.
type NavigationAction struct {
	ActionBase
	Target string `json:"target"`
}

// BulkAction applies one mutation to many records in batches. When lists the
// conditions a record must meet to be eligible.
type BulkAction struct {
	ActionBase
	Mutation
	BatchSize   int         `json:"batch_size"`
	Concurrency int         `json:"concurrency,omitempty"`
	Atomic      bool        `json:"atomic,omitempty"`
	When        []Condition `json:"when,omitempty"`
}

// DownloadAction requests a server-generated export.
type DownloadAction struct {
	ActionBase
	Format string `json:"format"`
}

// CustomAction delegates to a host handler registered under Handler.
type CustomAction struct {
	ActionBase
	Handler string `json:"handler"`
}

func (ImmediateAction) Kind() ActionKind  { return KindImmediate }
func (ConfirmAction) Kind() ActionKind    { return KindConfirm }
func (FormAction) Kind() ActionKind       { return KindForm }
func (ModalAction) Kind() ActionKind      { return KindModal }
func (NavigationAction) Kind() ActionKind { return KindNavigation }
func (BulkAction) Kind() ActionKind       { return KindBulk }
func (DownloadAction) Kind() ActionKind   { return KindDownload }
func (CustomAction) Kind() ActionKind     { return KindCustom }

func (ImmediateAction) action()  {}
func (ConfirmAction) action()    {}
func (FormAction) action()       {}
func (ModalAction) action()      {}
func (NavigationAction) action() {}
func (BulkAction) action()       {}
func (DownloadAction) action()   {}
func (CustomAction) action()     {}

// MutationOf returns the mutation carried by a, if any.
func MutationOf(a Action) (Mutation, bool) {
	switch act := a.(type) {
	case ImmediateAction:
		return act.Mutation, true
	case ConfirmAction:
		return act.Mutation, true
	case FormAction:
		return act.Mutation, true
	case BulkAction:
		return act.Mutation, true
	}
	return Mutation{}, false
}

// Declarative reports whether a produces a description without any server
// call or state change.
func Declarative(a Action) bool {
	switch a.(type) {
	case ModalAction, NavigationAction:
		return true
	}
	return false
}

// MarshalAction encodes an action with its kind tag.
func MarshalAction(a Action) ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("action %q: %w", a.ActionKey(), err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("action %q: %w", a.ActionKey(), err)
	}
	kind, _ := json.Marshal(a.Kind())
	m["kind"] = kind
	return json.Marshal(m)
}

// CondOp is a bulk applicability operator.
type CondOp string

const (
	CondEq     CondOp = "eq"
	CondNe     CondOp = "ne"
	CondIn     CondOp = "in"
	CondTruthy CondOp = "truthy"
)

// Condition is one applicability check against a record field.
type Condition struct {
	Field string `json:"field"`
	Op    CondOp `json:"op"`
	Value Value  `json:"value,omitempty"`
}
