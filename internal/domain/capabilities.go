package domain

import "time"

// CapabilitiesSchemaVersion is bumped when the descriptor shape changes.
const CapabilitiesSchemaVersion = 1

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	BuiltAt string `json:"built_at"`
}

// ProtocolInfo names the wire protocol a service speaks.
type ProtocolInfo struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// DependencyDecl declares a downstream dependency for compatibility checks.
type DependencyDecl struct {
	Name               string `json:"name"`
	Required           bool   `json:"required"`
	MinProtocolVersion int    `json:"min_protocol_version,omitempty"`
}

// Limits advertises the hard limits a service enforces.
type Limits struct {
	MaxPayloadBytes   int64 `json:"max_payload_bytes"`
	RateLimitPerMin   int   `json:"rate_limit_per_min"`
	MaxVideoSizeBytes int64 `json:"max_video_size_bytes"`
}

// Capabilities is the versioned self-description of a service, emitted at
// startup, readiness transitions and feature-flag changes. It is the unit of
// compatibility checking against downstream services.
type Capabilities struct {
	SchemaVersion  int               `json:"schema_version"`
	Service        string            `json:"service"`
	RunID          string            `json:"run_id"`
	InstanceID     string            `json:"instance_id"`
	Build          BuildInfo         `json:"build"`
	Protocol       ProtocolInfo      `json:"protocol"`
	Endpoints      []string          `json:"endpoints"`
	Features       map[string]any    `json:"features"`
	EventsProduced []string          `json:"events_produced"`
	EventsConsumed []string          `json:"events_consumed"`
	Dependencies   []DependencyDecl  `json:"dependencies"`
	Limits         Limits            `json:"limits"`
	EmittedAt      time.Time         `json:"emitted_at"`
	Extra          map[string]string `json:"extra,omitempty"`
}
