package storage

// DeviceModel is the GORM model for devices.
type DeviceModel struct {
	ID     string `gorm:"primaryKey"`
	Name   string
	IP     string `gorm:"index"`
	MAC    string `gorm:"index"`
	Type   string
	Vendor string
	OS     string

	FirstSeen int64
	LastSeen  int64 `gorm:"index"`

	BytesTotal       int64
	ConnectionsCount int64
	ThreatScore      float64

	Behavioral string // JSON encoded BehavioralProfile

	IPv6Support       bool
	AvgRTTMs          float64
	ConnectionQuality string
	Applications      string // JSON encoded []string
	Notes             string
}

// FlowModel is the GORM model for finalized flows.
type FlowModel struct {
	ID         string `gorm:"primaryKey"`
	Timestamp  int64  `gorm:"index"`
	SourceIP   string `gorm:"index"`
	SourcePort int
	DestIP     string `gorm:"index"`
	DestPort   int
	Protocol   string `gorm:"index"`

	BytesIn    int64
	BytesOut   int64
	PacketsIn  int64
	PacketsOut int64

	FirstSeen int64
	LastSeen  int64
	Duration  int64
	Status    string

	TTL             int
	TCPFlags        string // JSON encoded []string
	ConnectionState string

	RTTMs           float64
	JitterMs        float64
	Retransmissions int

	Domain          string
	SNI             string
	Application     string
	HTTPMethod      string
	URL             string
	UserAgent       string
	DNSQueryType    string
	DNSResponseCode string

	Country string
	City    string
	ASN     string

	ThreatLevel string `gorm:"index"`
	DeviceID    string `gorm:"index"`
}

// ThreatModel is the GORM model for threat records.
type ThreatModel struct {
	ID             string `gorm:"primaryKey"`
	Timestamp      int64  `gorm:"index"`
	Type           string `gorm:"index"`
	Severity       string `gorm:"index"`
	DeviceID       string `gorm:"index"`
	FlowID         string
	Description    string
	Recommendation string
	Dismissed      bool
}

// SchemaVersionModel tracks applied migrations.
type SchemaVersionModel struct {
	Version     int `gorm:"primaryKey"`
	AppliedAt   int64
	Description string
}

// TableName pins the conventional name.
func (SchemaVersionModel) TableName() string { return "schema_version" }
