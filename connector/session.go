package connector

import "time"

// State is the lifecycle state of the external session.
type State int

const (
	StateUninitialized State = iota
	StatePairing
	StateConnected
	StateDisconnected
	StateReinitializing
)

var stateNames = map[State]string{
	StateUninitialized:  "UNINITIALIZED",
	StatePairing:        "PAIRING",
	StateConnected:      "CONNECTED",
	StateDisconnected:   "DISCONNECTED",
	StateReinitializing: "REINITIALIZING",
}

// String returns the canonical state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Snapshot is a point-in-time, read-only view of the session. Exactly one
// session exists per process; all mutation flows through the Manager's
// transition function.
type Snapshot struct {
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	HasPairingCode  bool      `json:"has_pairing_code"`
	ConnectedAt     time.Time `json:"connected_at,omitempty"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
}
