package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario drives one engine over an in-memory server through a list of
// steps and checks the end state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Entity is the CUE file holding the entity configuration, relative to
	// the scenario file.
	Entity string `yaml:"entity"`

	// EntityName picks one entity when the file declares several.
	EntityName string `yaml:"entity_name,omitempty"`

	// ClientID is stamped on operations and locks. Defaults to "harness".
	ClientID string `yaml:"client_id,omitempty"`

	// Seed lists the server records present before Init. Each needs an id;
	// version defaults to "1".
	Seed []map[string]any `yaml:"seed,omitempty"`

	// NextID is the id the server assigns to the next create.
	NextID int64 `yaml:"next_id,omitempty"`

	Features Features `yaml:"features,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// Features switches optional engine behavior on.
type Features struct {
	// Pessimistic disables optimistic updates.
	Pessimistic bool `yaml:"pessimistic,omitempty"`

	// Outbox selects the offline queue driver: "sqlite" or "bolt". Empty
	// means no outbox.
	Outbox string `yaml:"outbox,omitempty"`

	// Locks enables the in-memory edit lock registry.
	Locks bool `yaml:"locks,omitempty"`

	// DeclineConfirm answers every confirmation with no.
	DeclineConfirm bool `yaml:"decline_confirm,omitempty"`

	// Reject makes the server refuse writes to the listed ids with the given
	// message.
	Reject map[string]string `yaml:"reject,omitempty"`
}

// Step is one thing that happens during a scenario. Exactly one of the
// kind fields is set.
type Step struct {
	// Dispatch runs an action through DispatchAction.
	Dispatch string         `yaml:"dispatch,omitempty"`
	IDs      []string       `yaml:"ids,omitempty"`
	Input    map[string]any `yaml:"input,omitempty"`
	// As names the operation so a later cancel step can refer to it.
	As string `yaml:"as,omitempty"`

	// Network takes the server "down" or brings it back "up".
	Network string `yaml:"network,omitempty"`

	// Offline switches the engine to offline queueing.
	Offline bool `yaml:"offline,omitempty"`

	// Reconnect replays the outbox.
	Reconnect bool `yaml:"reconnect,omitempty"`

	// Push delivers a realtime change to the engine.
	Push *ChangeStep `yaml:"push,omitempty"`

	// Server changes a record on the server behind the engine's back.
	Server *ChangeStep `yaml:"server,omitempty"`

	// Cancel aborts the operation a previous step named with As.
	Cancel string `yaml:"cancel,omitempty"`

	// Resolve ends a conflict review.
	Resolve *ResolveStep `yaml:"resolve,omitempty"`

	// Select replaces the selection.
	Select []string `yaml:"select,omitempty"`

	// Refresh re-fetches one record.
	Refresh string `yaml:"refresh,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// ChangeStep describes a record change for push and server steps.
type ChangeStep struct {
	Action  string         `yaml:"action"`
	ID      string         `yaml:"id"`
	Version string         `yaml:"version,omitempty"`
	Fields  map[string]any `yaml:"fields,omitempty"`
}

// ResolveStep picks a conflict resolution: "discard" or "force-overwrite".
type ResolveStep struct {
	ID  string `yaml:"id"`
	How string `yaml:"how"`
}

// Expect checks the outcome of one step. Unset fields are not checked.
type Expect struct {
	Status      string            `yaml:"status,omitempty"`
	Error       string            `yaml:"error,omitempty"`
	Items       map[string]string `yaml:"items,omitempty"`
	FieldErrors map[string]string `yaml:"field_errors,omitempty"`
	Path        string            `yaml:"path,omitempty"`

	// Reconnect outcome.
	Replayed  *int  `yaml:"replayed,omitempty"`
	Conflicts *int  `yaml:"conflicts,omitempty"`
	Remaining *int  `yaml:"remaining,omitempty"`
	Online    *bool `yaml:"online,omitempty"`

	// Found reports whether a cancelled operation was still pending.
	Found *bool `yaml:"found,omitempty"`
}

// Step kinds.
const (
	StepDispatch  = "dispatch"
	StepNetwork   = "network"
	StepOffline   = "offline"
	StepReconnect = "reconnect"
	StepPush      = "push"
	StepServer    = "server"
	StepCancel    = "cancel"
	StepResolve   = "resolve"
	StepSelect    = "select"
	StepRefresh   = "refresh"
)

// Kinds lists the kinds that are set on s.
func (s Step) Kinds() []string {
	var kinds []string
	add := func(set bool, kind string) {
		if set {
			kinds = append(kinds, kind)
		}
	}
	add(s.Dispatch != "", StepDispatch)
	add(s.Network != "", StepNetwork)
	add(s.Offline, StepOffline)
	add(s.Reconnect, StepReconnect)
	add(s.Push != nil, StepPush)
	add(s.Server != nil, StepServer)
	add(s.Cancel != "", StepCancel)
	add(s.Resolve != nil, StepResolve)
	add(s.Select != nil, StepSelect)
	add(s.Refresh != "", StepRefresh)
	return kinds
}

// Kind returns the single kind of s, or "" when zero or several are set.
func (s Step) Kind() string {
	if kinds := s.Kinds(); len(kinds) == 1 {
		return kinds[0]
	}
	return ""
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// ID names the record for record, absent, state and server_record.
	ID string `yaml:"id,omitempty"`

	// Version is the expected record version.
	Version string `yaml:"version,omitempty"`

	// Expect holds expected field values (subset match).
	Expect map[string]any `yaml:"expect,omitempty"`

	// State is the expected lifecycle state.
	State string `yaml:"state,omitempty"`

	// Count is the expected length for queue_length, pending and op_log.
	Count *int `yaml:"count,omitempty"`

	// IDs is the expected visible list, or selection, in order.
	IDs []string `yaml:"ids,omitempty"`

	// Online is the expected connectivity.
	Online *bool `yaml:"online,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord       = "record"
	AssertAbsent       = "absent"
	AssertState        = "state"
	AssertQueueLength  = "queue_length"
	AssertPending      = "pending"
	AssertOpLog        = "op_log"
	AssertList         = "list"
	AssertSelection    = "selection"
	AssertServerRecord = "server_record"
	AssertOnline       = "online"
)

// LoadScenario reads and parses a scenario YAML file. The entity path is
// resolved relative to the scenario's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Entity != "" && !filepath.IsAbs(scenario.Entity) {
		scenario.Entity = filepath.Join(filepath.Dir(path), scenario.Entity)
	}
	if _, err := os.Stat(scenario.Entity); err != nil {
		return nil, fmt.Errorf("invalid scenario: entity file not found: %s", scenario.Entity)
	}
	return scenario, nil
}

// ParseScenario decodes and validates scenario YAML. Paths are left as
// written.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Entity == "" {
		return fmt.Errorf("entity file is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	switch s.Features.Outbox {
	case "", "sqlite", "bolt":
	default:
		return fmt.Errorf("features.outbox: unknown driver %q", s.Features.Outbox)
	}

	for i, rec := range s.Seed {
		if id, ok := rec["id"]; !ok || fmt.Sprint(id) == "" {
			return fmt.Errorf("seed[%d]: id is required", i)
		}
	}

	named := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, named); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, named map[string]bool) error {
	kinds := step.Kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("steps[%d]: no step kind set", i)
	case 1:
	default:
		return fmt.Errorf("steps[%d]: several step kinds set: %s", i, strings.Join(kinds, ", "))
	}

	switch kinds[0] {
	case StepDispatch:
		if step.As != "" {
			if named[step.As] {
				return fmt.Errorf("steps[%d]: duplicate name %q", i, step.As)
			}
			named[step.As] = true
		}
	case StepNetwork:
		if step.Network != "up" && step.Network != "down" {
			return fmt.Errorf("steps[%d]: network must be up or down, got %q", i, step.Network)
		}
	case StepPush, StepServer:
		c := step.Push
		if c == nil {
			c = step.Server
		}
		if c.ID == "" {
			return fmt.Errorf("steps[%d].%s: id is required", i, kinds[0])
		}
		switch c.Action {
		case "create", "update", "delete":
		default:
			return fmt.Errorf("steps[%d].%s: action must be create, update or delete, got %q", i, kinds[0], c.Action)
		}
	case StepCancel:
		if !named[step.Cancel] {
			return fmt.Errorf("steps[%d]: cancel refers to unknown operation %q", i, step.Cancel)
		}
	case StepResolve:
		if step.Resolve.ID == "" {
			return fmt.Errorf("steps[%d].resolve: id is required", i)
		}
		if step.Resolve.How != "discard" && step.Resolve.How != "force-overwrite" {
			return fmt.Errorf("steps[%d].resolve: how must be discard or force-overwrite, got %q", i, step.Resolve.How)
		}
	}

	if step.As != "" && kinds[0] != StepDispatch {
		return fmt.Errorf("steps[%d]: as is only valid on dispatch steps", i)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRecord, AssertServerRecord:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 && a.Version == "" {
			return fmt.Errorf("assertions[%d]: expect or version is required for %s", index, a.Type)
		}
	case AssertAbsent:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for absent", index)
		}
	case AssertState:
		if a.ID == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: id and state are required for state", index)
		}
	case AssertQueueLength, AssertPending, AssertOpLog:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case AssertList, AssertSelection:
		if a.IDs == nil {
			return fmt.Errorf("assertions[%d]: ids is required for %s (use [] for none)", index, a.Type)
		}
	case AssertOnline:
		if a.Online == nil {
			return fmt.Errorf("assertions[%d]: online is required", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
