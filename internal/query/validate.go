package query

import (
	"errors"
	"fmt"

	"github.com/roach88/entityflow/internal/ir"
)

// Validate checks that every field a predicate references is declared (or is
// id/version) and that In carries at least one value. All problems are
// reported together.
func Validate(p Predicate, cfg *ir.EntityConfig) error {
	v := &validator{cfg: cfg}
	v.predicate(p)
	return errors.Join(v.errs...)
}

type validator struct {
	cfg  *ir.EntityConfig
	errs []error
}

func (v *validator) addf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) field(name string) {
	if name == "" {
		v.addf("predicate with empty field")
		return
	}
	if name == ir.KeyID || name == ir.KeyVersion {
		return
	}
	if _, ok := v.cfg.Field(name); !ok {
		v.addf("unknown field %q in entity %q", name, v.cfg.Name)
	}
}

func (v *validator) predicate(p Predicate) {
	switch pred := p.(type) {
	case nil:
	case Eq:
		v.field(pred.Field)
	case Ne:
		v.field(pred.Field)
	case In:
		v.field(pred.Field)
		if len(pred.Values) == 0 {
			v.addf("in predicate on %q has no values", pred.Field)
		}
	case Truthy:
		v.field(pred.Field)
	case And:
		for _, child := range pred.Predicates {
			v.predicate(child)
		}
	default:
		v.addf("unsupported predicate %T", p)
	}
}
