package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/entityflow/internal/ir"
)

// CompileEntity parses a CUE value into an EntityConfig.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the entity struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`entity: users: { endpoint: "/api/users", ... }`)
//	cfg, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.users")))
//
// The returned config is indexed. Structural rules beyond decoding are
// checked by Validate.
func CompileEntity(v cue.Value) (*ir.EntityConfig, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	cfg := ir.EntityConfig{}

	// Entity name from the struct label, overridable by an explicit name.
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		cfg.Name = labels[len(labels)-1].String()
	}
	if s, ok, err := optionalString(v, "name"); err != nil {
		return nil, err
	} else if ok {
		cfg.Name = s
	}

	endpoint, ok, err := optionalString(v, "endpoint")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &CompileError{Field: "endpoint", Message: "endpoint is required", Pos: v.Pos()}
	}
	cfg.Endpoint = endpoint

	if n := v.LookupPath(cue.ParsePath("default_page_size")); n.Exists() {
		size, err := n.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		cfg.DefaultPageSize = int(size)
	}
	if s, ok, err := optionalString(v, "default_sort"); err != nil {
		return nil, err
	} else if ok {
		cfg.DefaultSort = ir.ParseSort(s)
	}

	cfg.Fields, err = parseFields(v)
	if err != nil {
		return nil, err
	}
	cfg.Actions, err = parseActions(v)
	if err != nil {
		return nil, err
	}

	out, err := ir.NewEntityConfig(cfg)
	if err != nil {
		return nil, &CompileError{Field: "entity", Message: err.Error(), Pos: v.Pos()}
	}
	return out, nil
}

// parseFields extracts the ordered field list.
func parseFields(v cue.Value) ([]ir.FieldDescriptor, error) {
	var fields []ir.FieldDescriptor

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return fields, nil
	}
	iter, err := fieldsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for i := 0; iter.Next(); i++ {
		fv := iter.Value()
		path := fmt.Sprintf("fields[%d]", i)

		key, err := requiredString(fv, "key", path)
		if err != nil {
			return nil, err
		}
		typ, err := requiredString(fv, "type", path)
		if err != nil {
			return nil, err
		}
		f := ir.FieldDescriptor{Key: key, Type: ir.FieldType(typ)}
		if f.Label, _, err = optionalString(fv, "label"); err != nil {
			return nil, err
		}
		if f.RelationTarget, _, err = optionalString(fv, "relation_target"); err != nil {
			return nil, err
		}
		if f.Validators, err = stringList(fv, "validators"); err != nil {
			return nil, err
		}
		if f.Options, err = stringList(fv, "options"); err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}

	return fields, nil
}

// parseActions extracts the ordered action list, one variant per kind.
func parseActions(v cue.Value) ([]ir.Action, error) {
	var actions []ir.Action

	actionsVal := v.LookupPath(cue.ParsePath("actions"))
	if !actionsVal.Exists() {
		return actions, nil
	}
	iter, err := actionsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for i := 0; iter.Next(); i++ {
		a, err := parseAction(iter.Value(), fmt.Sprintf("actions[%d]", i))
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}

	return actions, nil
}

func parseAction(av cue.Value, path string) (ir.Action, error) {
	key, err := requiredString(av, "key", path)
	if err != nil {
		return nil, err
	}
	kind, err := requiredString(av, "kind", path)
	if err != nil {
		return nil, err
	}
	base := ir.ActionBase{Key: key}
	if base.Label, _, err = optionalString(av, "label"); err != nil {
		return nil, err
	}

	mutation := func() (ir.Mutation, error) {
		var m ir.Mutation
		op, err := requiredString(av, "operation", path)
		if err != nil {
			return m, err
		}
		m.Operation = ir.OpKind(op)
		m.Payload, err = objectValue(av, "payload")
		return m, err
	}

	switch ir.ActionKind(kind) {
	case ir.KindImmediate:
		m, err := mutation()
		if err != nil {
			return nil, err
		}
		return ir.ImmediateAction{ActionBase: base, Mutation: m}, nil

	case ir.KindConfirm:
		m, err := mutation()
		if err != nil {
			return nil, err
		}
		prompt, _, err := optionalString(av, "prompt")
		if err != nil {
			return nil, err
		}
		return ir.ConfirmAction{ActionBase: base, Mutation: m, Prompt: prompt}, nil

	case ir.KindForm:
		m, err := mutation()
		if err != nil {
			return nil, err
		}
		fields, err := stringList(av, "fields")
		if err != nil {
			return nil, err
		}
		return ir.FormAction{ActionBase: base, Mutation: m, Fields: fields}, nil

	case ir.KindModal:
		component, err := requiredString(av, "component", path)
		if err != nil {
			return nil, err
		}
		fields, err := stringList(av, "fields")
		if err != nil {
			return nil, err
		}
		return ir.ModalAction{ActionBase: base, Component: component, Fields: fields}, nil

	case ir.KindNavigation:
		target, err := requiredString(av, "target", path)
		if err != nil {
			return nil, err
		}
		return ir.NavigationAction{ActionBase: base, Target: target}, nil

	case ir.KindBulk:
		m, err := mutation()
		if err != nil {
			return nil, err
		}
		b := ir.BulkAction{ActionBase: base, Mutation: m}
		if b.BatchSize, err = optionalInt(av, "batch_size"); err != nil {
			return nil, err
		}
		if b.Concurrency, err = optionalInt(av, "concurrency"); err != nil {
			return nil, err
		}
		if atomic := av.LookupPath(cue.ParsePath("atomic")); atomic.Exists() {
			if b.Atomic, err = atomic.Bool(); err != nil {
				return nil, formatCUEError(err)
			}
		}
		if b.When, err = parseConditions(av, path); err != nil {
			return nil, err
		}
		return b, nil

	case ir.KindDownload:
		format, _, err := optionalString(av, "format")
		if err != nil {
			return nil, err
		}
		return ir.DownloadAction{ActionBase: base, Format: format}, nil

	case ir.KindCustom:
		handler, _, err := optionalString(av, "handler")
		if err != nil {
			return nil, err
		}
		return ir.CustomAction{ActionBase: base, Handler: handler}, nil
	}

	return nil, &CompileError{
		Field:   path + ".kind",
		Message: fmt.Sprintf("unknown action kind %q", kind),
		Pos:     av.Pos(),
	}
}

// parseConditions extracts bulk applicability conditions.
func parseConditions(av cue.Value, path string) ([]ir.Condition, error) {
	whenVal := av.LookupPath(cue.ParsePath("when"))
	if !whenVal.Exists() {
		return nil, nil
	}
	iter, err := whenVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var conds []ir.Condition
	for i := 0; iter.Next(); i++ {
		cv := iter.Value()
		cpath := fmt.Sprintf("%s.when[%d]", path, i)
		field, err := requiredString(cv, "field", cpath)
		if err != nil {
			return nil, err
		}
		op, err := requiredString(cv, "op", cpath)
		if err != nil {
			return nil, err
		}
		cond := ir.Condition{Field: field, Op: ir.CondOp(op)}
		if val := cv.LookupPath(cue.ParsePath("value")); val.Exists() {
			if cond.Value, err = decodeValue(val); err != nil {
				return nil, err
			}
		}
		conds = append(conds, cond)
	}
	return conds, nil
}

func requiredString(v cue.Value, name, path string) (string, error) {
	s, ok, err := optionalString(v, name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &CompileError{
			Field:   path + "." + name,
			Message: name + " is required",
			Pos:     v.Pos(),
		}
	}
	return s, nil
}

func optionalString(v cue.Value, name string) (string, bool, error) {
	sv := v.LookupPath(cue.ParsePath(name))
	if !sv.Exists() {
		return "", false, nil
	}
	s, err := sv.String()
	if err != nil {
		return "", false, formatCUEError(err)
	}
	return s, true, nil
}

func optionalInt(v cue.Value, name string) (int, error) {
	iv := v.LookupPath(cue.ParsePath(name))
	if !iv.Exists() {
		return 0, nil
	}
	n, err := iv.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return int(n), nil
}

func stringList(v cue.Value, name string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(name))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// objectValue decodes an optional struct into an ir.Object through its JSON
// form, which keeps integers and floats distinct.
func objectValue(v cue.Value, name string) (ir.Object, error) {
	ov := v.LookupPath(cue.ParsePath(name))
	if !ov.Exists() {
		return nil, nil
	}
	val, err := decodeValue(ov)
	if err != nil {
		return nil, err
	}
	obj, ok := val.(ir.Object)
	if !ok {
		return nil, &CompileError{Field: name, Message: "must be a struct", Pos: ov.Pos()}
	}
	return obj, nil
}

func decodeValue(v cue.Value) (ir.Value, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	val, err := ir.UnmarshalValue(data)
	if err != nil {
		return nil, &CompileError{Field: "value", Message: err.Error(), Pos: v.Pos()}
	}
	return val, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
