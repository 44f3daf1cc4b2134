package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/entityflow/internal/form"
	"github.com/roach88/entityflow/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// General validation errors (E100)
	ErrUnsupportedIRType = "E100" // unsupported IR type for validation

	// Entity errors (E101-E109)
	ErrEntityNameEmpty   = "E101" // name is required
	ErrEndpointInvalid   = "E102" // endpoint must be a path or URL
	ErrDuplicateName     = "E103" // duplicate field/action key
	ErrInvalidFieldType  = "E104" // unknown field type
	ErrEnumNoOptions     = "E105" // enum field without options
	ErrRelationNoTarget  = "E106" // relation field without target
	ErrReservedFieldKey  = "E107" // id/version are reserved
	ErrInvalidValidator  = "E108" // unknown or inapplicable validator tag
	ErrInvalidSortField  = "E109" // default sort references unknown field
	ErrInvalidPageSize   = "E110" // negative default page size
	ErrUnknownFieldRef   = "E111" // action references unknown field
	ErrInvalidOperation  = "E112" // mutation operation not create/update/delete
	ErrInvalidBatch      = "E113" // bulk batch size/concurrency out of range
	ErrInvalidCondition  = "E114" // bulk condition op unknown or malformed
	ErrInvalidTemplate   = "E115" // navigation placeholder unknown
	ErrHandlerEmpty      = "E116" // custom handler id empty
	ErrDownloadFormat    = "E117" // download format empty
	ErrModalNoComponent  = "E118" // modal component empty
	ErrBulkCreateInvalid = "E119" // bulk create is not supported
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates a compiled entity config against schema rules.
// Returns all errors found (does not fail-fast).
func Validate(v any) []ValidationError {
	switch cfg := v.(type) {
	case *ir.EntityConfig:
		return validateEntity(cfg)
	case ir.EntityConfig:
		return validateEntity(&cfg)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported IR type: %T", v),
			Code:    ErrUnsupportedIRType,
		}}
	}
}

var placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

func validateEntity(cfg *ir.EntityConfig) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Code: code})
	}

	// E101: name is required
	if strings.TrimSpace(cfg.Name) == "" {
		add("name", ErrEntityNameEmpty, "name is required and must be non-empty")
	}

	// E102: endpoint is an absolute path or URL
	if !strings.HasPrefix(cfg.Endpoint, "/") && !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		add("endpoint", ErrEndpointInvalid, "endpoint %q must start with \"/\" or an http(s) scheme", cfg.Endpoint)
	}

	// E110: page size
	if cfg.DefaultPageSize < 0 {
		add("default_page_size", ErrInvalidPageSize, "default page size must not be negative")
	}

	fieldKeys := make(map[string]bool, len(cfg.Fields))
	for i, f := range cfg.Fields {
		path := fmt.Sprintf("fields[%d]", i)

		if f.Key == ir.KeyID || f.Key == ir.KeyVersion {
			add(path+".key", ErrReservedFieldKey, "field key %q is reserved", f.Key)
		}
		if fieldKeys[f.Key] {
			add(path+".key", ErrDuplicateName, "duplicate field key: %q", f.Key)
		}
		fieldKeys[f.Key] = true

		if !f.Type.Valid() {
			add(path+".type", ErrInvalidFieldType, "invalid type %q for field %q", f.Type, f.Key)
			continue
		}
		if f.Type == ir.FieldEnum && len(f.Options) == 0 {
			add(path+".options", ErrEnumNoOptions, "enum field %q must list its options", f.Key)
		}
		if f.Type == ir.FieldRelation && strings.TrimSpace(f.RelationTarget) == "" {
			add(path+".relation_target", ErrRelationNoTarget, "relation field %q must name its target entity", f.Key)
		}
		// E108: validator tags compile for this field's type
		if _, err := form.New([]ir.FieldDescriptor{f}); err != nil {
			add(path+".validators", ErrInvalidValidator, "%v", err)
		}
	}

	// E109: default sort references a field
	if s := cfg.DefaultSort.Field; s != "" && !fieldKeys[s] && s != ir.KeyID {
		add("default_sort", ErrInvalidSortField, "default sort field %q is not declared", s)
	}

	actionKeys := make(map[string]bool, len(cfg.Actions))
	for i, a := range cfg.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		if a == nil {
			add(path, ErrUnsupportedIRType, "action is nil")
			continue
		}
		if actionKeys[a.ActionKey()] {
			add(path+".key", ErrDuplicateName, "duplicate action key: %q", a.ActionKey())
		}
		actionKeys[a.ActionKey()] = true

		if m, ok := ir.MutationOf(a); ok {
			switch m.Operation {
			case ir.OpCreate, ir.OpUpdate, ir.OpDelete:
			default:
				add(path+".operation", ErrInvalidOperation, "operation %q must be create, update or delete", m.Operation)
			}
			for k := range m.Payload {
				if !fieldKeys[k] {
					add(path+".payload."+k, ErrUnknownFieldRef, "payload sets undeclared field %q", k)
				}
			}
		}

		switch act := a.(type) {
		case ir.FormAction:
			errs = append(errs, fieldRefs(path+".fields", act.Fields, fieldKeys)...)
		case ir.ModalAction:
			if strings.TrimSpace(act.Component) == "" {
				add(path+".component", ErrModalNoComponent, "modal action %q must name a component", act.Key)
			}
			errs = append(errs, fieldRefs(path+".fields", act.Fields, fieldKeys)...)
		case ir.NavigationAction:
			for _, m := range placeholderRe.FindAllStringSubmatch(act.Target, -1) {
				if name := m[1]; name != ir.KeyID && !fieldKeys[name] {
					add(path+".target", ErrInvalidTemplate, "placeholder {%s} references an undeclared field", name)
				}
			}
		case ir.BulkAction:
			if act.BatchSize <= 0 {
				add(path+".batch_size", ErrInvalidBatch, "batch size must be positive, got %d", act.BatchSize)
			}
			if act.Concurrency < 0 {
				add(path+".concurrency", ErrInvalidBatch, "concurrency must not be negative, got %d", act.Concurrency)
			}
			if act.Operation == ir.OpCreate {
				add(path+".operation", ErrBulkCreateInvalid, "bulk actions update or delete existing records")
			}
			for j, c := range act.When {
				cpath := fmt.Sprintf("%s.when[%d]", path, j)
				if !fieldKeys[c.Field] && c.Field != ir.KeyID {
					add(cpath+".field", ErrUnknownFieldRef, "condition references undeclared field %q", c.Field)
				}
				switch c.Op {
				case ir.CondEq, ir.CondNe, ir.CondTruthy:
				case ir.CondIn:
					if _, ok := c.Value.(ir.Array); !ok {
						add(cpath+".value", ErrInvalidCondition, "\"in\" condition needs a list value")
					}
				default:
					add(cpath+".op", ErrInvalidCondition, "unknown condition op %q", c.Op)
				}
			}
		case ir.DownloadAction:
			if strings.TrimSpace(act.Format) == "" {
				add(path+".format", ErrDownloadFormat, "download action %q must name a format", act.Key)
			}
		case ir.CustomAction:
			if strings.TrimSpace(act.Handler) == "" {
				add(path+".handler", ErrHandlerEmpty, "custom action %q must name a handler", act.Key)
			}
		}
	}

	return errs
}

func fieldRefs(path string, refs []string, known map[string]bool) []ValidationError {
	var errs []ValidationError
	for j, k := range refs {
		if !known[k] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", path, j),
				Message: fmt.Sprintf("unknown field %q", k),
				Code:    ErrUnknownFieldRef,
			})
		}
	}
	return errs
}
