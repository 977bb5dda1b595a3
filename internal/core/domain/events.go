package domain

// Event kinds pushed to subscribers. Delivery is best-effort and order
// across kinds is unspecified.
const (
	EventFlowUpdate   = "flow_update"
	EventDeviceUpdate = "device_update"
	EventThreatUpdate = "threat_update"
)

// Event is the envelope broadcast to subscribers.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// FlowEvent wraps a finalized flow for broadcast.
func FlowEvent(f Flow) Event { return Event{Type: EventFlowUpdate, Payload: f} }

// DeviceEvent wraps a created or updated device for broadcast.
func DeviceEvent(d Device) Event { return Event{Type: EventDeviceUpdate, Payload: d} }

// ThreatEvent wraps a new threat for broadcast.
func ThreatEvent(t Threat) Event { return Event{Type: EventThreatUpdate, Payload: t} }
