package ir

// Version constants for the event wire protocol and engine.
const (
	// ProtocolVersion is the event wire protocol version.
	ProtocolVersion = "1"

	// EngineVersion is the eventsync engine version.
	EngineVersion = "0.1.0"
)
