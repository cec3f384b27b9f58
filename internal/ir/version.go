package ir

// Version constants stamped on persisted data.
const (
	// SchemaVersion is the version of the persisted payload encoding.
	SchemaVersion = "1"

	// EngineVersion is the rostersync engine version.
	EngineVersion = "0.1.0"
)
