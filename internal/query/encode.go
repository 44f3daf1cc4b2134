package query

import (
	"fmt"

	"github.com/roach88/entityflow/internal/ir"
)

// Encode renders p as canonical JSON for the filter transport parameter.
// A nil predicate encodes to nil.
func Encode(p Predicate) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	obj, err := toObject(p)
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(obj)
}

// Decode parses the output of Encode. Empty input decodes to nil.
func Decode(data []byte) (Predicate, error) {
	if len(data) == 0 {
		return nil, nil
	}
	v, err := ir.UnmarshalValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode filter: %w", err)
	}
	return fromValue(v)
}

func toObject(p Predicate) (ir.Object, error) {
	switch pred := p.(type) {
	case Eq:
		return ir.Object{"op": ir.String("eq"), "field": ir.String(pred.Field), "value": orNull(pred.Value)}, nil
	case Ne:
		return ir.Object{"op": ir.String("ne"), "field": ir.String(pred.Field), "value": orNull(pred.Value)}, nil
	case In:
		values := make(ir.Array, len(pred.Values))
		for i, v := range pred.Values {
			values[i] = orNull(v)
		}
		return ir.Object{"op": ir.String("in"), "field": ir.String(pred.Field), "values": values}, nil
	case Truthy:
		return ir.Object{"op": ir.String("truthy"), "field": ir.String(pred.Field)}, nil
	case And:
		children := make(ir.Array, len(pred.Predicates))
		for i, child := range pred.Predicates {
			obj, err := toObject(child)
			if err != nil {
				return nil, fmt.Errorf("and[%d]: %w", i, err)
			}
			children[i] = obj
		}
		return ir.Object{"op": ir.String("and"), "predicates": children}, nil
	default:
		return nil, fmt.Errorf("unsupported predicate %T", p)
	}
}

func fromValue(v ir.Value) (Predicate, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("predicate must be an object, got %T", v)
	}
	op, _ := obj["op"].(ir.String)
	field, _ := obj["field"].(ir.String)

	switch op {
	case "eq":
		return Eq{Field: string(field), Value: obj["value"]}, nil
	case "ne":
		return Ne{Field: string(field), Value: obj["value"]}, nil
	case "in":
		values, ok := obj["values"].(ir.Array)
		if !ok {
			return nil, fmt.Errorf("in predicate on %q: values must be an array", field)
		}
		return In{Field: string(field), Values: []ir.Value(values)}, nil
	case "truthy":
		return Truthy{Field: string(field)}, nil
	case "and":
		children, ok := obj["predicates"].(ir.Array)
		if !ok {
			return nil, fmt.Errorf("and predicate: predicates must be an array")
		}
		and := And{Predicates: make([]Predicate, 0, len(children))}
		for i, child := range children {
			p, err := fromValue(child)
			if err != nil {
				return nil, fmt.Errorf("and[%d]: %w", i, err)
			}
			and.Predicates = append(and.Predicates, p)
		}
		return and, nil
	default:
		return nil, fmt.Errorf("unknown predicate op %q", op)
	}
}

func orNull(v ir.Value) ir.Value {
	if v == nil {
		return ir.Null{}
	}
	return v
}
