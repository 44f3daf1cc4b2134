package testutil

import (
	"fmt"

	"github.com/roach88/entityflow/internal/engine"
	"github.com/roach88/entityflow/internal/ir"
)

// SequentialOpIDs names operations "<prefix>-<seq>" instead of hashing them.
//
// Golden files stay readable and stable across payload changes. The client
// sequence is unique per engine, so ids never collide within one scenario.
//
// Thread-safety: SequentialOpIDs is stateless and safe for concurrent use.
type SequentialOpIDs struct {
	Prefix string
}

var _ engine.OpIDGenerator = SequentialOpIDs{}

// OpID implements engine.OpIDGenerator.
func (g SequentialOpIDs) OpID(_, entity string, _ ir.OpKind, _ []string, _ ir.Object, seq int64) string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = "op"
	}
	return fmt.Sprintf("%s-%s-%d", prefix, entity, seq)
}
