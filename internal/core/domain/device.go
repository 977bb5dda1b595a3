package domain

// DeviceType classifies a host on the observed network.
type DeviceType string

const (
	DeviceSmartphone DeviceType = "smartphone"
	DeviceLaptop     DeviceType = "laptop"
	DeviceDesktop    DeviceType = "desktop"
	DeviceTablet     DeviceType = "tablet"
	DeviceIoT        DeviceType = "iot"
	DeviceServer     DeviceType = "server"
	DeviceUnknown    DeviceType = "unknown"
)

// UnknownMAC is the placeholder MAC for devices discovered by IP only.
const UnknownMAC = "unknown"

// BehavioralProfile accumulates per-device traffic habits.
type BehavioralProfile struct {
	PeakHours     []int    `json:"peakHours"`
	CommonPorts   []int    `json:"commonPorts"`
	CommonDomains []string `json:"commonDomains"`
	AnomalyCount  int      `json:"anomalyCount"`
	Notes         string   `json:"notes,omitempty"`
}

// NewBehavioralProfile returns an empty profile with non-nil slices so the
// JSON encoding matches what the frontend expects ([] rather than null).
func NewBehavioralProfile() BehavioralProfile {
	return BehavioralProfile{
		PeakHours:     []int{},
		CommonPorts:   []int{},
		CommonDomains: []string{},
	}
}

// Device represents a host observed on the network. MAC is the natural key
// when known; devices learned from routed traffic carry UnknownMAC and are
// effectively keyed by IP.
type Device struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	IP     string     `json:"ip"`
	MAC    string     `json:"mac"`
	Type   DeviceType `json:"type"`
	Vendor string     `json:"vendor"`
	OS     string     `json:"os,omitempty"`

	FirstSeen int64 `json:"first_seen"` // ms since epoch
	LastSeen  int64 `json:"last_seen"`

	BytesTotal       int64   `json:"bytes_total"`
	ConnectionsCount int64   `json:"connections_count"`
	ThreatScore      float64 `json:"threat_score"`

	Behavioral BehavioralProfile `json:"behavioral"`

	// Enrichment filled in over time.
	IPv6Support       bool     `json:"ipv6_support,omitempty"`
	AvgRTTMs          float64  `json:"avg_rtt,omitempty"`
	ConnectionQuality string   `json:"connection_quality,omitempty"`
	Applications      []string `json:"applications,omitempty"`
	Notes             string   `json:"notes,omitempty"`
}
