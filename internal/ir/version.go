package ir

// Version constants for the wire schema and the engine.
const (
	// SchemaVersion is the version of the outbox and snapshot formats.
	SchemaVersion = "1"

	// EngineVersion is the entityflow engine version.
	EngineVersion = "0.1.0"
)
