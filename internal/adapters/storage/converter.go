package storage

import (
	"encoding/json"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
)

// deviceToModel converts a domain entity to its database model.
func deviceToModel(d domain.Device) DeviceModel {
	behavioral, _ := json.Marshal(d.Behavioral)
	apps, _ := json.Marshal(d.Applications)

	return DeviceModel{
		ID:                d.ID,
		Name:              d.Name,
		IP:                d.IP,
		MAC:               d.MAC,
		Type:              string(d.Type),
		Vendor:            d.Vendor,
		OS:                d.OS,
		FirstSeen:         d.FirstSeen,
		LastSeen:          d.LastSeen,
		BytesTotal:        d.BytesTotal,
		ConnectionsCount:  d.ConnectionsCount,
		ThreatScore:       d.ThreatScore,
		Behavioral:        string(behavioral),
		IPv6Support:       d.IPv6Support,
		AvgRTTMs:          d.AvgRTTMs,
		ConnectionQuality: d.ConnectionQuality,
		Applications:      string(apps),
		Notes:             d.Notes,
	}
}

// deviceToDomain converts a database model back to the domain entity.
func deviceToDomain(m DeviceModel) *domain.Device {
	dev := &domain.Device{
		ID:                m.ID,
		Name:              m.Name,
		IP:                m.IP,
		MAC:               m.MAC,
		Type:              domain.DeviceType(m.Type),
		Vendor:            m.Vendor,
		OS:                m.OS,
		FirstSeen:         m.FirstSeen,
		LastSeen:          m.LastSeen,
		BytesTotal:        m.BytesTotal,
		ConnectionsCount:  m.ConnectionsCount,
		ThreatScore:       m.ThreatScore,
		IPv6Support:       m.IPv6Support,
		AvgRTTMs:          m.AvgRTTMs,
		ConnectionQuality: m.ConnectionQuality,
		Notes:             m.Notes,
	}

	dev.Behavioral = domain.NewBehavioralProfile()
	if m.Behavioral != "" {
		_ = json.Unmarshal([]byte(m.Behavioral), &dev.Behavioral)
	}
	if m.Applications != "" {
		_ = json.Unmarshal([]byte(m.Applications), &dev.Applications)
	}
	return dev
}

func flowToModel(f domain.Flow) FlowModel {
	flags, _ := json.Marshal(f.TCPFlags)

	return FlowModel{
		ID:              f.ID,
		Timestamp:       f.Timestamp,
		SourceIP:        f.SourceIP,
		SourcePort:      f.SourcePort,
		DestIP:          f.DestIP,
		DestPort:        f.DestPort,
		Protocol:        f.Protocol,
		BytesIn:         f.BytesIn,
		BytesOut:        f.BytesOut,
		PacketsIn:       f.PacketsIn,
		PacketsOut:      f.PacketsOut,
		FirstSeen:       f.FirstSeen,
		LastSeen:        f.LastSeen,
		Duration:        f.Duration,
		Status:          f.Status,
		TTL:             f.TTL,
		TCPFlags:        string(flags),
		ConnectionState: f.ConnectionState,
		RTTMs:           f.RTTMs,
		JitterMs:        f.JitterMs,
		Retransmissions: f.Retransmissions,
		Domain:          f.Domain,
		SNI:             f.SNI,
		Application:     f.Application,
		HTTPMethod:      f.HTTPMethod,
		URL:             f.URL,
		UserAgent:       f.UserAgent,
		DNSQueryType:    f.DNSQueryType,
		DNSResponseCode: f.DNSResponseCode,
		Country:         f.Country,
		City:            f.City,
		ASN:             f.ASN,
		ThreatLevel:     f.ThreatLevel,
		DeviceID:        f.DeviceID,
	}
}

func flowToDomain(m FlowModel) *domain.Flow {
	f := &domain.Flow{
		ID:              m.ID,
		Timestamp:       m.Timestamp,
		SourceIP:        m.SourceIP,
		SourcePort:      m.SourcePort,
		DestIP:          m.DestIP,
		DestPort:        m.DestPort,
		Protocol:        m.Protocol,
		BytesIn:         m.BytesIn,
		BytesOut:        m.BytesOut,
		PacketsIn:       m.PacketsIn,
		PacketsOut:      m.PacketsOut,
		FirstSeen:       m.FirstSeen,
		LastSeen:        m.LastSeen,
		Duration:        m.Duration,
		Status:          m.Status,
		TTL:             m.TTL,
		ConnectionState: m.ConnectionState,
		RTTMs:           m.RTTMs,
		JitterMs:        m.JitterMs,
		Retransmissions: m.Retransmissions,
		Domain:          m.Domain,
		SNI:             m.SNI,
		Application:     m.Application,
		HTTPMethod:      m.HTTPMethod,
		URL:             m.URL,
		UserAgent:       m.UserAgent,
		DNSQueryType:    m.DNSQueryType,
		DNSResponseCode: m.DNSResponseCode,
		Country:         m.Country,
		City:            m.City,
		ASN:             m.ASN,
		ThreatLevel:     m.ThreatLevel,
		DeviceID:        m.DeviceID,
	}
	if m.TCPFlags != "" {
		_ = json.Unmarshal([]byte(m.TCPFlags), &f.TCPFlags)
	}
	return f
}

func threatToModel(t domain.Threat) ThreatModel {
	return ThreatModel{
		ID:             t.ID,
		Timestamp:      t.Timestamp,
		Type:           string(t.Type),
		Severity:       t.Severity,
		DeviceID:       t.DeviceID,
		FlowID:         t.FlowID,
		Description:    t.Description,
		Recommendation: t.Recommendation,
		Dismissed:      t.Dismissed,
	}
}

func threatToDomain(m ThreatModel) *domain.Threat {
	return &domain.Threat{
		ID:             m.ID,
		Timestamp:      m.Timestamp,
		Type:           domain.ThreatType(m.Type),
		Severity:       m.Severity,
		DeviceID:       m.DeviceID,
		FlowID:         m.FlowID,
		Description:    m.Description,
		Recommendation: m.Recommendation,
		Dismissed:      m.Dismissed,
	}
}
