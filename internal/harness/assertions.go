package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/entityflow/internal/gateway"
	"github.com/roach88/entityflow/internal/ir"
	"github.com/roach88/entityflow/internal/state"
	"github.com/roach88/entityflow/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string      // Assertion type for categorization
	Expected string      // Human-readable expected outcome
	Actual   string      // Human-readable actual outcome
	Records  []ir.Record // Visible records for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Records) > 0 {
		fmt.Fprintf(&buf, "\nVisible records:\n")
		for i, rec := range e.Records {
			fmt.Fprintf(&buf, "  [%d] %s@%s %s\n", i+1, rec.ID, rec.Version, ir.MustMarshalCanonical(rec.Fields))
		}
	}
	return buf.String()
}

// AssertionContext provides the final state assertions run against.
type AssertionContext struct {
	Ctx      context.Context
	Entity   string
	Snapshot *state.Snapshot
	Server   *gateway.Memory
	// Outbox is nil when the scenario runs without one.
	Outbox store.Outbox
	Online bool
}

// EvaluateAssertions evaluates all assertions against the final state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertRecord:
			rec, ok := actx.Snapshot.Record(assertion.ID)
			err = assertRecord(assertion, rec, ok, actx.Snapshot.Records())
		case AssertServerRecord:
			rec, ok := actx.Server.Record(assertion.ID)
			err = assertRecord(assertion, rec, ok, actx.Server.Records())
		case AssertAbsent:
			err = assertAbsent(actx.Snapshot, assertion)
		case AssertState:
			err = assertState(actx.Snapshot, assertion)
		case AssertQueueLength:
			err = assertQueueLength(actx, assertion)
		case AssertPending:
			err = assertCount(assertion, len(actx.Snapshot.PendingOps()), "pending operations")
		case AssertOpLog:
			err = assertCount(assertion, len(actx.Snapshot.OpLog()), "operation log entries")
		case AssertList:
			err = assertIDs(assertion, actx.Snapshot.ListMeta().IDs, "visible list")
		case AssertSelection:
			err = assertIDs(assertion, actx.Snapshot.Selection(), "selection")
		case AssertOnline:
			if *assertion.Online != actx.Online {
				err = &AssertionError{
					Type:     AssertOnline,
					Expected: fmt.Sprintf("online=%t", *assertion.Online),
					Actual:   fmt.Sprintf("online=%t", actx.Online),
				}
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertRecord checks a record's version and fields (subset match).
func assertRecord(assertion Assertion, rec ir.Record, found bool, visible []ir.Record) error {
	if !found {
		return &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("record %s to exist", assertion.ID),
			Actual:   "record not found",
			Records:  visible,
		}
	}
	if assertion.Version != "" && assertion.Version != rec.Version {
		return &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("record %s at version %s", assertion.ID, assertion.Version),
			Actual:   fmt.Sprintf("version %s", rec.Version),
			Records:  visible,
		}
	}
	want, err := toObject(assertion.Expect)
	if err != nil {
		return fmt.Errorf("%s %s: expect: %w", assertion.Type, assertion.ID, err)
	}
	for _, key := range want.SortedKeys() {
		got, ok := rec.Get(key)
		if !ok || !ir.Equal(want[key], got) {
			actual := "missing"
			if ok {
				actual = string(ir.MustMarshalCanonical(got))
			}
			return &AssertionError{
				Type:     assertion.Type,
				Expected: fmt.Sprintf("record %s field %q = %s", assertion.ID, key, ir.MustMarshalCanonical(want[key])),
				Actual:   actual,
				Records:  visible,
			}
		}
	}
	return nil
}

func assertAbsent(snap *state.Snapshot, assertion Assertion) error {
	if rec, ok := snap.Record(assertion.ID); ok {
		return &AssertionError{
			Type:     AssertAbsent,
			Expected: fmt.Sprintf("record %s to be absent", assertion.ID),
			Actual:   fmt.Sprintf("present at version %s", rec.Version),
			Records:  snap.Records(),
		}
	}
	return nil
}

func assertState(snap *state.Snapshot, assertion Assertion) error {
	if got := snap.State(assertion.ID); string(got) != assertion.State {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("record %s in state %s", assertion.ID, assertion.State),
			Actual:   string(got),
		}
	}
	return nil
}

// assertQueueLength counts operations persisted in the outbox. Without an
// outbox the queue is always empty.
func assertQueueLength(actx *AssertionContext, assertion Assertion) error {
	n := 0
	if actx.Outbox != nil {
		queued, err := actx.Outbox.ListInOrder(actx.Ctx, actx.Entity)
		if err != nil {
			return fmt.Errorf("queue_length: list outbox: %w", err)
		}
		n = len(queued)
	}
	return assertCount(assertion, n, "queued operations")
}

func assertCount(assertion Assertion, got int, what string) error {
	if got != *assertion.Count {
		return &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("%d %s", *assertion.Count, what),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func assertIDs(assertion Assertion, got []string, what string) error {
	if !slices.Equal(assertion.IDs, got) && (len(assertion.IDs) > 0 || len(got) > 0) {
		return &AssertionError{
			Type:     assertion.Type,
			Expected: fmt.Sprintf("%s %v", what, assertion.IDs),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}
