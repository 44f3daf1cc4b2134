// Package form validates candidate payloads against an entity's field
// descriptors.
//
// Each field is type-checked first, then its validator tags run in
// declaration order. The first failure for a field is its error; errors
// accumulate across fields. Validation is a pure function of the fields and
// the payload, so callers own any derived form state.
package form

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/entityflow/internal/ir"
)

// Lookup reports whether a related record exists. It is backed by another
// entity's read-only snapshot.
type Lookup func(id string) bool

// Result is the outcome of a full or patch validation. Payload holds the
// declared fields only and is nil when Errors is non-empty.
type Result struct {
	Payload ir.Object
	Errors  map[string]string
}

// OK reports whether validation passed.
func (r Result) OK() bool { return len(r.Errors) == 0 }

// Engine validates payloads for a fixed set of fields. It is safe for
// concurrent use.
type Engine struct {
	fields    []ir.FieldDescriptor
	index     map[string]int
	v         *validator.Validate
	relations map[string]Lookup
}

type options struct {
	relations   map[string]Lookup
	validations map[string]validator.Func
}

// Option configures an Engine.
type Option func(*options)

// WithRelation registers the lookup used for relation fields targeting
// target.
func WithRelation(target string, fn Lookup) Option {
	return func(o *options) { o.relations[target] = fn }
}

// WithValidation registers a custom validator tag.
func WithValidation(tag string, fn validator.Func) Option {
	return func(o *options) { o.validations[tag] = fn }
}

// New compiles the validator tags of fields. Unknown tags, and tags that do
// not apply to the field's type, are rejected here rather than at submit
// time.
func New(fields []ir.FieldDescriptor, opts ...Option) (*Engine, error) {
	o := options{relations: map[string]Lookup{}, validations: map[string]validator.Func{}}
	for _, opt := range opts {
		opt(&o)
	}

	v := validator.New()
	for tag, fn := range o.validations {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("register validator %q: %w", tag, err)
		}
	}

	e := &Engine{
		fields:    slices.Clone(fields),
		index:     make(map[string]int, len(fields)),
		v:         v,
		relations: o.relations,
	}
	var errs []error
	for i, f := range fields {
		if _, dup := e.index[f.Key]; dup {
			errs = append(errs, fmt.Errorf("field %q: declared twice", f.Key))
			continue
		}
		e.index[f.Key] = i
		if !f.Type.Valid() {
			errs = append(errs, fmt.Errorf("field %q: unknown type %q", f.Key, f.Type))
			continue
		}
		for _, tag := range f.Validators {
			if err := e.checkTag(f, tag); err != nil {
				errs = append(errs, fmt.Errorf("field %q: %w", f.Key, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return e, nil
}

// checkTag runs tag once against the zero value of the field's type. The
// validator panics on unknown tags and on tags that do not fit the kind.
func (e *Engine) checkTag(f ir.FieldDescriptor, tag string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator %q: %v", tag, r)
		}
	}()
	if tag == "" || strings.Contains(tag, ",") || strings.Contains(tag, "|") {
		return fmt.Errorf("validator %q: one tag per entry", tag)
	}
	_ = e.v.Var(zero(f.Type), tag)
	return nil
}

func zero(t ir.FieldType) any {
	switch t {
	case ir.FieldNumber:
		return float64(0)
	case ir.FieldBool:
		return false
	default:
		return ""
	}
}

// Fields returns the declared fields.
func (e *Engine) Fields() []ir.FieldDescriptor {
	return slices.Clone(e.fields)
}

// Subset returns an engine over the named fields, in the order given. An
// empty keys list returns e.
func (e *Engine) Subset(keys []string) (*Engine, error) {
	if len(keys) == 0 {
		return e, nil
	}
	sub := &Engine{index: make(map[string]int, len(keys)), v: e.v, relations: e.relations}
	for _, k := range keys {
		i, ok := e.index[k]
		if !ok {
			return nil, fmt.Errorf("unknown field %q", k)
		}
		sub.index[k] = len(sub.fields)
		sub.fields = append(sub.fields, e.fields[i])
	}
	return sub, nil
}

// Validate runs full (on-submit) validation: every required field must be
// present.
func (e *Engine) Validate(payload ir.Object) Result {
	return e.validate(payload, true)
}

// ValidatePatch validates only the fields present in payload. Updates use it
// so that unchanged fields need not be resent.
func (e *Engine) ValidatePatch(payload ir.Object) Result {
	return e.validate(payload, false)
}

func (e *Engine) validate(payload ir.Object, full bool) Result {
	out := ir.Object{}
	errs := map[string]string{}
	for _, f := range e.fields {
		v, present := payload[f.Key]
		if !present && !full {
			continue
		}
		if msg := e.check(f, v); msg != "" {
			errs[f.Key] = msg
			continue
		}
		if present {
			out[f.Key] = ir.CloneValue(v)
		}
	}
	if len(errs) > 0 {
		return Result{Errors: errs}
	}
	return Result{Payload: out}
}

// ValidateField runs partial (on-blur) validation for one field and returns
// its error message, or "" when the value is valid.
func (e *Engine) ValidateField(key string, value ir.Value) string {
	i, ok := e.index[key]
	if !ok {
		return "unknown field"
	}
	return e.check(e.fields[i], value)
}

func (e *Engine) check(f ir.FieldDescriptor, v ir.Value) string {
	if _, null := v.(ir.Null); v == nil || null {
		if f.Required() {
			return "is required"
		}
		return ""
	}
	native, msg := e.typed(f, v)
	if msg != "" {
		return msg
	}
	for _, tag := range f.Validators {
		if tag == "required" && (f.Type == ir.FieldNumber || f.Type == ir.FieldBool) {
			continue
		}
		if err := e.v.Var(native, tag); err != nil {
			return message(err, tag)
		}
	}
	return ""
}

// typed checks v against the field type and returns the value handed to the
// validator tags.
func (e *Engine) typed(f ir.FieldDescriptor, v ir.Value) (any, string) {
	switch f.Type {
	case ir.FieldText:
		if s, ok := v.(ir.String); ok {
			return string(s), ""
		}
		return nil, "must be text"
	case ir.FieldNumber:
		switch n := v.(type) {
		case ir.Int:
			return float64(n), ""
		case ir.Float:
			return float64(n), ""
		}
		return nil, "must be a number"
	case ir.FieldBool:
		if b, ok := v.(ir.Bool); ok {
			return bool(b), ""
		}
		return nil, "must be true or false"
	case ir.FieldDate:
		s, ok := v.(ir.String)
		if !ok || !isDate(string(s)) {
			return nil, "must be a date (YYYY-MM-DD or RFC 3339)"
		}
		return string(s), ""
	case ir.FieldEnum:
		s, ok := v.(ir.String)
		if !ok || !slices.Contains(f.Options, string(s)) {
			return nil, "must be one of: " + strings.Join(f.Options, ", ")
		}
		return string(s), ""
	case ir.FieldRelation:
		var id string
		switch r := v.(type) {
		case ir.String:
			id = string(r)
		case ir.Int:
			id = fmt.Sprint(int64(r))
		default:
			return nil, "must be a record id"
		}
		if lookup, ok := e.relations[f.RelationTarget]; ok && !lookup(id) {
			return nil, fmt.Sprintf("references an unknown %s", f.RelationTarget)
		}
		return id, ""
	}
	return nil, fmt.Sprintf("unsupported type %q", f.Type)
}

func isDate(s string) bool {
	if _, err := time.Parse(time.DateOnly, s); err == nil {
		return true
	}
	_, err := time.Parse(time.RFC3339, s)
	return err == nil
}

func message(err error, tag string) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return fmt.Sprintf("failed %s validation", tag)
}
