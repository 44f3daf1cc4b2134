package query

import (
	"cmp"
	"slices"

	"github.com/roach88/entityflow/internal/ir"
)

// Match evaluates p against rec. A nil predicate matches.
func Match(p Predicate, rec ir.Record) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case Eq:
		v, ok := rec.Get(pred.Field)
		return ok && ir.Equal(v, pred.Value)
	case Ne:
		v, ok := rec.Get(pred.Field)
		if !ok {
			return !ir.Equal(nil, pred.Value)
		}
		return !ir.Equal(v, pred.Value)
	case In:
		v, ok := rec.Get(pred.Field)
		if !ok {
			return false
		}
		for _, candidate := range pred.Values {
			if ir.Equal(v, candidate) {
				return true
			}
		}
		return false
	case Truthy:
		v, _ := rec.Get(pred.Field)
		return ir.Truthy(v)
	case And:
		for _, child := range pred.Predicates {
			if !Match(child, rec) {
				return false
			}
		}
		return true
	}
	return false
}

// Filter returns the records matching p, preserving order.
func Filter(p Predicate, recs []ir.Record) []ir.Record {
	out := make([]ir.Record, 0, len(recs))
	for _, r := range recs {
		if Match(p, r) {
			out = append(out, r)
		}
	}
	return out
}

// Sort orders recs in place by s. Records missing the field sort last; ties
// break on id so the order is total.
func Sort(recs []ir.Record, s ir.SortSpec) {
	slices.SortStableFunc(recs, func(a, b ir.Record) int {
		if s.Field != "" {
			av, aok := a.Get(s.Field)
			bv, bok := b.Get(s.Field)
			switch {
			case aok && !bok:
				return -1
			case !aok && bok:
				return 1
			case aok && bok:
				if c := compareValues(av, bv); c != 0 {
					if s.Desc {
						return -c
					}
					return c
				}
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// Page returns the 1-based page of recs.
func Page(recs []ir.Record, page, size int) []ir.Record {
	if size < 1 {
		return recs
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(recs) {
		return []ir.Record{}
	}
	end := min(start+size, len(recs))
	return recs[start:end]
}

// Apply runs filter, sort and paging and returns the page plus the filtered
// total.
func Apply(recs []ir.Record, p ListParams) ([]ir.Record, int) {
	matched := Filter(p.Filter, recs)
	Sort(matched, p.Sort)
	return Page(matched, p.Page, p.PageSize), len(matched)
}

// compareValues orders scalars of the same family. Mixed families compare
// by a fixed family rank.
func compareValues(a, b ir.Value) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch av := a.(type) {
	case ir.String:
		return cmp.Compare(av, b.(ir.String))
	case ir.Bool:
		bv := b.(ir.Bool)
		switch {
		case av == bv:
			return 0
		case !bool(av):
			return -1
		default:
			return 1
		}
	case ir.Int, ir.Float:
		return cmp.Compare(number(a), number(b))
	}
	return 0
}

func rank(v ir.Value) int {
	switch v.(type) {
	case ir.Bool:
		return 1
	case ir.Int, ir.Float:
		return 2
	case ir.String:
		return 3
	default:
		return 4
	}
}

func number(v ir.Value) float64 {
	switch n := v.(type) {
	case ir.Int:
		return float64(n)
	case ir.Float:
		return float64(n)
	}
	return 0
}
