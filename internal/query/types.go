package query

import "github.com/roach88/entityflow/internal/ir"

// Predicate is a filter condition over record fields. Only types in this
// package implement it, so evaluators can switch exhaustively.
type Predicate interface {
	predicateNode()
}

// Eq matches when the field equals Value. A missing field never matches.
type Eq struct {
	Field string
	Value ir.Value
}

// Ne matches when the field is present and differs from Value, or when the
// field is missing and Value is non-null.
type Ne struct {
	Field string
	Value ir.Value
}

// In matches when the field equals any of Values.
type In struct {
	Field  string
	Values []ir.Value
}

// Truthy matches when the field holds a truthy value.
type Truthy struct {
	Field string
}

// And matches when every child matches. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (Eq) predicateNode()     {}
func (Ne) predicateNode()     {}
func (In) predicateNode()     {}
func (Truthy) predicateNode() {}
func (And) predicateNode()    {}

// ListParams are the list request parameters.
type ListParams struct {
	Filter   Predicate
	Sort     ir.SortSpec
	Page     int
	PageSize int
}

// Normalize fills defaults: page 1 and the given page size.
func (p ListParams) Normalize(defaultPageSize int, defaultSort ir.SortSpec) ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = defaultPageSize
	}
	if p.Sort.Field == "" {
		p.Sort = defaultSort
	}
	return p
}

// FromConditions converts bulk applicability conditions into a predicate.
// No conditions yields nil, which matches every record.
func FromConditions(conds []ir.Condition) Predicate {
	if len(conds) == 0 {
		return nil
	}
	preds := make([]Predicate, 0, len(conds))
	for _, c := range conds {
		switch c.Op {
		case ir.CondEq:
			preds = append(preds, Eq{Field: c.Field, Value: c.Value})
		case ir.CondNe:
			preds = append(preds, Ne{Field: c.Field, Value: c.Value})
		case ir.CondIn:
			values, _ := c.Value.(ir.Array)
			preds = append(preds, In{Field: c.Field, Values: values})
		case ir.CondTruthy:
			preds = append(preds, Truthy{Field: c.Field})
		}
	}
	if len(preds) == 1 {
		return preds[0]
	}
	return And{Predicates: preds}
}
