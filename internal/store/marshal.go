package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/entityflow/internal/ir"
)

// queuedRow holds the JSON columns of one outbox entry.
type queuedRow struct {
	targets  string
	versions string
	payload  string
}

// marshalQueued converts the composite fields to canonical JSON TEXT.
// Uses RFC 8785 canonical JSON so identical operations store identical bytes.
func marshalQueued(op ir.QueuedOperation) (queuedRow, error) {
	targets := op.TargetIDs
	if targets == nil {
		targets = []string{}
	}
	t, err := ir.MarshalCanonical(targets)
	if err != nil {
		return queuedRow{}, fmt.Errorf("marshal target ids: %w", err)
	}

	versions := ir.Object{}
	for id, v := range op.BaseVersions {
		versions[id] = ir.String(v)
	}
	v, err := ir.MarshalCanonical(versions)
	if err != nil {
		return queuedRow{}, fmt.Errorf("marshal base versions: %w", err)
	}

	payload := op.Payload
	if payload == nil {
		payload = ir.Object{}
	}
	p, err := ir.MarshalCanonical(payload)
	if err != nil {
		return queuedRow{}, fmt.Errorf("marshal payload: %w", err)
	}

	return queuedRow{targets: string(t), versions: string(v), payload: string(p)}, nil
}

// unmarshalQueued parses the JSON columns back into op.
// The payload goes through ir.Object.UnmarshalJSON, which keeps integers
// exact via json.Number.
func unmarshalQueued(op *ir.QueuedOperation, row queuedRow) error {
	if err := json.Unmarshal([]byte(row.targets), &op.TargetIDs); err != nil {
		return fmt.Errorf("unmarshal target ids: %w", err)
	}
	op.BaseVersions = map[string]string{}
	if err := json.Unmarshal([]byte(row.versions), &op.BaseVersions); err != nil {
		return fmt.Errorf("unmarshal base versions: %w", err)
	}
	op.Payload = ir.Object{}
	if err := json.Unmarshal([]byte(row.payload), &op.Payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if op.Payload == nil {
		op.Payload = ir.Object{}
	}
	return nil
}
