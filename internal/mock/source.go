package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
)

// PacketSource feeds hand-built packets into the pipeline.
type PacketSource struct {
	mu      sync.Mutex
	handler func(domain.PacketInfo)

	received atomic.Uint64
	closed   atomic.Bool
}

// NewPacketSource returns an idle source; call Inject after Start.
func NewPacketSource() *PacketSource { return &PacketSource{} }

func (s *PacketSource) Start(_ context.Context, handler func(domain.PacketInfo)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return nil
}

// Inject delivers one packet to the registered handler.
func (s *PacketSource) Inject(p domain.PacketInfo) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler != nil {
		s.received.Add(1)
		handler(p)
	}
}

func (s *PacketSource) Interface() string { return "mock0" }

func (s *PacketSource) Stats() (uint64, uint64) { return s.received.Load(), 0 }

func (s *PacketSource) Close() error {
	s.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (s *PacketSource) Closed() bool { return s.closed.Load() }

var _ ports.PacketSource = (*PacketSource)(nil)
