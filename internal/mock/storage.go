// Package mock provides in-memory fakes for the ports interfaces, used by
// service tests that do not want a real database.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
)

// Storage is a thread-safe in-memory ports.Storage.
type Storage struct {
	mu      sync.Mutex
	devices map[string]domain.Device
	flows   map[string]domain.Flow
	threats map[string]domain.Threat

	// FailWrites makes every write return an error, for failure-path tests.
	FailWrites bool
}

// NewStorage returns an empty in-memory store.
func NewStorage() *Storage {
	return &Storage{
		devices: make(map[string]domain.Device),
		flows:   make(map[string]domain.Flow),
		threats: make(map[string]domain.Threat),
	}
}

func (s *Storage) SaveDevice(_ context.Context, d domain.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("mock: write failed")
	}
	s.devices[d.ID] = d
	return nil
}

func (s *Storage) GetDevice(_ context.Context, id string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[id]; ok {
		return &d, nil
	}
	return nil, nil
}

func (s *Storage) GetDeviceByMAC(_ context.Context, mac string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.MAC == mac {
			d := d
			return &d, nil
		}
	}
	return nil, nil
}

func (s *Storage) GetDeviceByIP(_ context.Context, ip string) (*domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.IP == ip {
			d := d
			return &d, nil
		}
	}
	return nil, nil
}

func (s *Storage) GetAllDevices(_ context.Context) ([]domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Storage) AddFlow(_ context.Context, f domain.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("mock: write failed")
	}
	s.flows[f.ID] = f
	return nil
}

func (s *Storage) AddFlowsBatch(ctx context.Context, flows []domain.Flow) error {
	for _, f := range flows {
		if err := s.AddFlow(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) GetFlow(_ context.Context, id string) (*domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[id]; ok {
		return &f, nil
	}
	return nil, nil
}

func (s *Storage) GetFlows(_ context.Context, filter domain.FlowFilter) ([]domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		if filter.DeviceID != "" && f.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Protocol != "" && f.Protocol != filter.Protocol {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if filter.Limit == 0 {
		return []domain.Flow{}, nil
	}
	limit := filter.Limit
	if limit > domain.MaxPageSize {
		limit = domain.MaxPageSize
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Storage) SearchFlows(_ context.Context, term string, limit int) ([]domain.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Flow
	for _, f := range s.flows {
		if strings.Contains(f.SourceIP, term) || strings.Contains(f.DestIP, term) ||
			strings.Contains(f.Domain, term) || strings.Contains(f.SNI, term) {
			out = append(out, f)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Storage) AddThreat(_ context.Context, t domain.Threat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return fmt.Errorf("mock: write failed")
	}
	s.threats[t.ID] = t
	return nil
}

func (s *Storage) GetThreat(_ context.Context, id string) (*domain.Threat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threats[id]; ok {
		return &t, nil
	}
	return nil, nil
}

func (s *Storage) GetThreats(_ context.Context, filter domain.ThreatFilter) ([]domain.Threat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Threat
	for _, t := range s.threats {
		if filter.Severity != "" && t.Severity != filter.Severity {
			continue
		}
		if filter.ActiveOnly && t.Dismissed {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

func (s *Storage) DismissThreat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threats[id]; ok {
		t.Dismissed = true
		s.threats[id] = t
	}
	return nil
}

func (s *Storage) CleanupOldData(_ context.Context, _ int) (domain.RetentionResult, error) {
	return domain.RetentionResult{}, nil
}

func (s *Storage) GetDatabaseStats(_ context.Context) (domain.DatabaseStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.DatabaseStats{
		Devices: int64(len(s.devices)),
		Flows:   int64(len(s.flows)),
		Threats: int64(len(s.threats)),
		Healthy: !s.FailWrites,
	}, nil
}

func (s *Storage) Healthy() bool { return !s.FailWrites }

func (s *Storage) Close() error { return nil }

// FlowCount reports the number of stored flows.
func (s *Storage) FlowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

// ThreatCount reports the number of stored threats.
func (s *Storage) ThreatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.threats)
}

// DeviceCount reports the number of stored devices.
func (s *Storage) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// Notifier records published events for assertions.
type Notifier struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewNotifier returns an empty event recorder.
func NewNotifier() *Notifier { return &Notifier{} }

func (n *Notifier) Publish(ev domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

// Events returns a copy of everything published so far.
func (n *Notifier) Events() []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Event, len(n.events))
	copy(out, n.events)
	return out
}

// EventsOfType filters recorded events by type.
func (n *Notifier) EventsOfType(typ string) []domain.Event {
	var out []domain.Event
	for _, ev := range n.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

var (
	_ ports.Storage  = (*Storage)(nil)
	_ ports.Notifier = (*Notifier)(nil)
)
