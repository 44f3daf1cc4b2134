package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Domain prefixes for content-addressed identity. The version suffix leaves
// room for an algorithm change without colliding with existing outboxes.
const (
	DomainOperation = "entityflow/operation/v1"
	DomainSnapshot  = "entityflow/snapshot/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// OperationID derives the identity of a mutation from who issued it, what it
// targets and its client sequence number. The same ID is sent as the
// Idempotency-Key header, so replaying an operation after a crash cannot
// apply it twice on the server.
func OperationID(clientID, entity string, kind OpKind, targets []string, payload Object, seq int64) (string, error) {
	sorted := slices.Clone(targets)
	slices.Sort(sorted)
	ids := make(Array, len(sorted))
	for i, t := range sorted {
		ids[i] = String(t)
	}
	if payload == nil {
		payload = Object{}
	}

	canonical, err := MarshalCanonical(Object{
		"client_id": String(clientID),
		"entity":    String(entity),
		"kind":      String(kind),
		"targets":   ids,
		"payload":   payload,
		"seq":       Int(seq),
	})
	if err != nil {
		return "", fmt.Errorf("OperationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}

// MustOperationID is like OperationID but panics on error.
func MustOperationID(clientID, entity string, kind OpKind, targets []string, payload Object, seq int64) string {
	id, err := OperationID(clientID, entity, kind, targets, payload, seq)
	if err != nil {
		panic(err)
	}
	return id
}

// SnapshotHash fingerprints an arbitrary canonical document. Harness runs
// report it next to the golden file name.
func SnapshotHash(doc Object) (string, error) {
	canonical, err := MarshalCanonical(doc)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}
