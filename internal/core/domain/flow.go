package domain

// Protocol names as carried in flow records.
const (
	ProtoTCP   = "TCP"
	ProtoUDP   = "UDP"
	ProtoICMP  = "ICMP"
	ProtoARP   = "ARP"
	ProtoOther = "OTHER"
)

// Flow status values.
const (
	FlowActive = "active"
	FlowClosed = "closed"
)

// Threat levels, ordered from harmless to worst.
const (
	LevelSafe     = "safe"
	LevelLow      = "low"
	LevelMedium   = "medium"
	LevelHigh     = "high"
	LevelCritical = "critical"
)

// TCP connection states derived from the running union of observed flags.
const (
	StateSynSent     = "SYN_SENT"
	StateSynReceived = "SYN_RECEIVED"
	StateEstablished = "ESTABLISHED"
	StateFinWait     = "FIN_WAIT"
	StateReset       = "RESET"
)

// Flow is a bidirectional conversation keyed by a canonical 5-tuple.
// Direction is relative to the local network: "in" means toward a local host.
// Timestamps are milliseconds since the Unix epoch, matching the wire format
// pushed to subscribers and the storage schema.
type Flow struct {
	ID         string `json:"id"`
	Timestamp  int64  `json:"timestamp"` // == FirstSeen
	SourceIP   string `json:"source_ip"`
	SourcePort int    `json:"source_port"`
	DestIP     string `json:"dest_ip"`
	DestPort   int    `json:"dest_port"`
	Protocol   string `json:"protocol"`

	BytesIn    int64 `json:"bytes_in"`
	BytesOut   int64 `json:"bytes_out"`
	PacketsIn  int64 `json:"packets_in"`
	PacketsOut int64 `json:"packets_out"`

	FirstSeen int64  `json:"first_seen"`
	LastSeen  int64  `json:"last_seen"`
	Duration  int64  `json:"duration"` // LastSeen - FirstSeen
	Status    string `json:"status"`

	// L3/L4 details.
	TTL             int      `json:"ttl,omitempty"`
	TCPFlags        []string `json:"tcp_flags,omitempty"` // union across the flow lifetime
	ConnectionState string   `json:"connection_state,omitempty"`

	// Quality metrics.
	RTTMs           float64 `json:"rtt,omitempty"`    // estimated round-trip time, ms
	JitterMs        float64 `json:"jitter,omitempty"` // stddev of inter-arrival deltas, ms
	Retransmissions int     `json:"retransmissions,omitempty"`

	// L7 metadata, best-effort.
	Domain          string `json:"domain,omitempty"`
	SNI             string `json:"sni,omitempty"`
	Application     string `json:"application,omitempty"`
	HTTPMethod      string `json:"http_method,omitempty"`
	URL             string `json:"url,omitempty"`
	UserAgent       string `json:"user_agent,omitempty"`
	DNSQueryType    string `json:"dns_query_type,omitempty"`
	DNSResponseCode string `json:"dns_response_code,omitempty"`

	// Geolocation, attached at finalization.
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
	ASN     string `json:"asn,omitempty"`

	ThreatLevel string `json:"threat_level"`
	DeviceID    string `json:"device_id"`
}

// TotalPackets returns the packet count over both directions.
func (f *Flow) TotalPackets() int64 {
	return f.PacketsIn + f.PacketsOut
}

// TotalBytes returns the byte count over both directions.
func (f *Flow) TotalBytes() int64 {
	return f.BytesIn + f.BytesOut
}

// HasTCPFlag reports whether the given flag was seen at any point in the flow.
func (f *Flow) HasTCPFlag(flag string) bool {
	for _, fl := range f.TCPFlags {
		if fl == flag {
			return true
		}
	}
	return false
}

// LevelRank maps a threat level to its ordinal for comparisons.
// Unknown levels rank below safe.
func LevelRank(level string) int {
	switch level {
	case LevelSafe:
		return 0
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	default:
		return -1
	}
}
