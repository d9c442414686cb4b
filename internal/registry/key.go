package registry

import (
	"fmt"
	"strings"
)

// DefaultHost is the host agents are placed on when none is requested.
const DefaultHost = "main"

// Key is the composite identity of a registry entry. Single-occurrence
// agents on the default host render as the bare agent id; everything
// else renders as a three-part key. The typed triple is used everywhere
// internally; the string form exists only at serialization boundaries.
type Key struct {
	AgentID      string
	OccurrenceID string
	HostID       string
}

// NewKey builds a Key, defaulting the host at construction time.
func NewKey(agentID, occurrenceID, hostID string) Key {
	if hostID == "" {
		hostID = DefaultHost
	}
	return Key{AgentID: agentID, OccurrenceID: occurrenceID, HostID: hostID}
}

// String renders the canonical string form:
//
//	"scout-a3bx9k"            single occurrence, default host
//	"sage:eu:scout"           multi-occurrence or non-default host
func (k Key) String() string {
	if k.OccurrenceID == "" && (k.HostID == "" || k.HostID == DefaultHost) {
		return k.AgentID
	}
	return fmt.Sprintf("%s:%s:%s", k.AgentID, k.OccurrenceID, k.HostID)
}

// ParseKey parses a canonical or legacy key string. Legacy two-part
// keys ("agent:occurrence") load with the default host.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, fmt.Errorf("empty registry key")
	}
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return NewKey(parts[0], "", DefaultHost), nil
	case 2:
		return NewKey(parts[0], parts[1], DefaultHost), nil
	case 3:
		return NewKey(parts[0], parts[1], parts[2]), nil
	default:
		return Key{}, fmt.Errorf("malformed registry key %q", s)
	}
}
