package domain

// ThreatType classifies why a flow was flagged.
type ThreatType string

const (
	ThreatMalware      ThreatType = "malware"
	ThreatExfiltration ThreatType = "exfiltration"
	ThreatScan         ThreatType = "scan"
	ThreatBotnet       ThreatType = "botnet"
	ThreatPhishing     ThreatType = "phishing"
	ThreatAnomaly      ThreatType = "anomaly"
)

// Threat records a scored detection tied to a finalized flow. Severity equals
// the scorer's level for that flow. Threats are immutable except for dismissal.
type Threat struct {
	ID             string     `json:"id"`
	Timestamp      int64      `json:"timestamp"` // ms since epoch
	Type           ThreatType `json:"type"`
	Severity       string     `json:"severity"`
	DeviceID       string     `json:"device_id"`
	FlowID         string     `json:"flow_id"`
	Description    string     `json:"description"`
	Recommendation string     `json:"recommendation"`
	Dismissed      bool       `json:"dismissed"`
}
