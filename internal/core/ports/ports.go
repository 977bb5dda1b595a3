// Package ports defines the interfaces between the core services and their
// adapters. Core packages depend on these, never on concrete adapters.
package ports

import (
	"context"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
)

// Storage is the durable store for devices, flows and threats.
type Storage interface {
	// Devices.
	SaveDevice(ctx context.Context, d domain.Device) error
	GetDevice(ctx context.Context, id string) (*domain.Device, error)
	GetDeviceByMAC(ctx context.Context, mac string) (*domain.Device, error)
	GetDeviceByIP(ctx context.Context, ip string) (*domain.Device, error)
	GetAllDevices(ctx context.Context) ([]domain.Device, error)

	// Flows.
	AddFlow(ctx context.Context, f domain.Flow) error
	AddFlowsBatch(ctx context.Context, flows []domain.Flow) error
	GetFlow(ctx context.Context, id string) (*domain.Flow, error)
	GetFlows(ctx context.Context, filter domain.FlowFilter) ([]domain.Flow, error)
	SearchFlows(ctx context.Context, term string, limit int) ([]domain.Flow, error)

	// Threats.
	AddThreat(ctx context.Context, t domain.Threat) error
	GetThreat(ctx context.Context, id string) (*domain.Threat, error)
	GetThreats(ctx context.Context, filter domain.ThreatFilter) ([]domain.Threat, error)
	DismissThreat(ctx context.Context, id string) error

	// Operations.
	CleanupOldData(ctx context.Context, days int) (domain.RetentionResult, error)
	GetDatabaseStats(ctx context.Context) (domain.DatabaseStats, error)
	Healthy() bool
	Close() error
}

// DeviceRegistry resolves packets to devices and handles ARP announcements.
type DeviceRegistry interface {
	GetOrCreate(ctx context.Context, ip, mac string) (domain.Device, error)
	ProcessARP(ctx context.Context, arp domain.ARPObservation) error
	// RecordFlow accumulates a finalized flow's traffic onto its device.
	RecordFlow(ctx context.Context, deviceID string, bytes int64, application string) error
}

// ThreatScorer scores a finalized flow. When the level is not safe it
// persists a Threat record and notifies subscribers as a side effect.
type ThreatScorer interface {
	Score(ctx context.Context, f *domain.Flow) (string, error)
}

// ServiceFingerprint is a captured banner for an ip:port endpoint.
type ServiceFingerprint struct {
	Banner    string
	Port      int
	Timestamp int64
}

// Identifier is the auxiliary DNS/DPI helper consulted by the flow engine.
type Identifier interface {
	TrackDNSQuery(domain, ip string, ttl uint32)
	GetDomainForIP(ip string) string
	ReverseDNS(ctx context.Context, ip string) (string, error)
	ExtractHTTPHost(payload []byte) string
	ExtractTLSALPN(payload []byte) []string
	DetectApplicationDPI(payload []byte) string
	FingerprintService(payload []byte, ip string, port int) *ServiceFingerprint
}

// Notifier pushes events to subscribers. Publish must never block the
// caller; slow subscribers are the notifier's problem.
type Notifier interface {
	Publish(ev domain.Event)
}

// GeoInfo is the result of a geolocation lookup. Empty fields mean unknown.
type GeoInfo struct {
	Country string
	City    string
	ASN     string
}

// GeoProvider maps an IP to its location. Lookups are pure and cheap.
type GeoProvider interface {
	Lookup(ip string) GeoInfo
}

// PacketSource delivers decoded packets to a handler until the context is
// cancelled. The handler must not block; dropping is the handler's decision.
type PacketSource interface {
	Start(ctx context.Context, handler func(domain.PacketInfo)) error
	Interface() string
	Stats() (received, dropped uint64)
	Close() error
}
