package domain

import "fmt"

// MaxPageSize caps the number of records any single query may return.
const MaxPageSize = 1000

// FlowFilter narrows flow queries. Zero values mean "not filtered".
// Limit is clamped to MaxPageSize by the store; Limit == 0 yields no rows.
type FlowFilter struct {
	DeviceID    string
	Status      string
	Protocol    string
	StartTime   int64 // ms since epoch, inclusive
	EndTime     int64 // ms since epoch, inclusive
	SourceIP    string
	DestIP      string
	ThreatLevel string
	MinBytes    int64
	Country     string
	City        string
	Application string

	MinRTTMs           float64
	MaxRTTMs           float64
	MaxJitterMs        float64
	MaxRetransmissions int // 0 means unfiltered
	SNIContains        string
	ConnectionState    string

	Limit  int
	Offset int
}

// Validate rejects filter combinations the store will not serve.
func (f FlowFilter) Validate() error {
	if f.StartTime > 0 && f.EndTime > 0 && f.StartTime > f.EndTime {
		return fmt.Errorf("time range start %d is after end %d", f.StartTime, f.EndTime)
	}
	if f.Limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", f.Limit)
	}
	if f.Offset < 0 {
		return fmt.Errorf("offset must be >= 0, got %d", f.Offset)
	}
	return nil
}

// ThreatFilter narrows threat queries.
type ThreatFilter struct {
	ActiveOnly bool // exclude dismissed
	Type       ThreatType
	Severity   string
	DeviceID   string
	Limit      int
	Offset     int
}
