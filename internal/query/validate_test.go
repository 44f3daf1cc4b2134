package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityflow/internal/ir"
)

func TestValidate(t *testing.T) {
	cfg, err := ir.NewEntityConfig(ir.EntityConfig{
		Name:   "users",
		Fields: []ir.FieldDescriptor{{Key: "status", Type: ir.FieldText}},
	})
	require.NoError(t, err)

	assert.NoError(t, Validate(nil, cfg))
	assert.NoError(t, Validate(And{Predicates: []Predicate{
		Eq{Field: "status", Value: ir.String("a")},
		Eq{Field: "id", Value: ir.String("1")},
	}}, cfg))

	err = Validate(And{Predicates: []Predicate{
		Eq{Field: "nope", Value: ir.String("a")},
		In{Field: "status"},
	}}, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown field "nope"`)
	assert.Contains(t, err.Error(), "has no values")
}
