// Package protocol defines the JSON-RPC methods a caller uses to drive a
// session, with their params and results.
package protocol

import "encoding/json"

// Method names.
const (
	MethodFrontCall         = "front_call"
	MethodFrontNegotiation  = "front_negotiation"
	MethodSensorAdd         = "sensor_add"
	MethodSensorNegotiation = "sensor_negotiation"
	MethodSessionStatus     = "session_status"

	// MethodOffer is the name older clients use for front_call.
	MethodOffer = "offer"
)

// Front device type tags.
const (
	FrontWHIP  = "whip"
	FrontDebug = "debug"
)

// Sensor type tags.
const (
	SensorWHIP  = "whip"
	SensorDebug = "debug"
)

// SensorInit maps a sensor type tag to its type-specific descriptor, e.g.
// {"whip":[{"id":"s1","offer":"v=0..."}]}.
type SensorInit map[string]json.RawMessage

// Client → server params.

type FrontCallParams struct {
	UserID      string     `json:"userId"`
	Offer       string     `json:"offer"`
	FrontDevice string     `json:"frontDevice"`
	Sensors     SensorInit `json:"sensors,omitempty"`
}

type FrontNegotiationParams struct {
	UserID  string          `json:"userId"`
	Payload json.RawMessage `json:"payload"`
}

type SensorAddParams struct {
	UserID string     `json:"userId"`
	Sensor SensorInit `json:"sensor"`
}

type SensorNegotiationParams struct {
	UserID   string          `json:"userId"`
	SensorID string          `json:"sensorId"`
	Payload  json.RawMessage `json:"payload"`
}

type SessionStatusParams struct {
	UserID string `json:"userId"`
}

// Server → client results.

// SensorAddResult is returned per attached sensor so the caller can finish
// signaling.
type SensorAddResult struct {
	SensorID    string `json:"sensorId"`
	Negotiation any    `json:"negotiation"`
}

// SessionStatus describes a live session.
type SessionStatus struct {
	ID          string         `json:"id"`
	FrontDevice string         `json:"frontDevice,omitempty"`
	Devices     []string       `json:"devices"`
	Tasks       []TaskStatus   `json:"tasks"`
	Results     []TaskResult   `json:"results"`
	CreatedAt   string         `json:"createdAt"`
	Agent       map[string]any `json:"agent,omitempty"`
}

type TaskStatus struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Device      string `json:"device"`
	State       string `json:"state"`
	StartedAt   string `json:"startedAt,omitempty"`
}

type TaskResult struct {
	Description string `json:"description"`
	Result      string `json:"result"`
	CompletedAt string `json:"completedAt"`
}

// Device descriptors.

// WHIPSensorCredential describes a sensor that publishes over WHIP.
type WHIPSensorCredential struct {
	ID    string `json:"id"`
	Offer string `json:"offer"`
}

// DebugSensorDescriptor describes an in-memory sensor.
type DebugSensorDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// CandidatePayload is an ICE candidate as produced by a browser's
// RTCIceCandidate.toJSON().
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
