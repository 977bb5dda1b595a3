package flow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/services/identify"
	"github.com/lcalzada-xor/netinsight/internal/core/services/registry"
	"github.com/lcalzada-xor/netinsight/internal/core/services/threat"
	"github.com/lcalzada-xor/netinsight/internal/mock"
)

type harness struct {
	engine     *Engine
	source     *mock.PacketSource
	store      *mock.Storage
	notifier   *mock.Notifier
	identifier *identify.Identifier
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	store := mock.NewStorage()
	notifier := mock.NewNotifier()
	source := mock.NewPacketSource()
	identifier := identify.New(identify.DefaultConfig(), nil)
	reg := registry.New(store, notifier, nil, nil)
	scorer := threat.New(store, notifier, nil)

	engine := New(opts, source, store, reg, scorer, identifier, nil, notifier, nil)
	require.NoError(t, engine.Start(t.Context()))
	t.Cleanup(func() { _ = engine.Stop(t.Context()) })

	return &harness{engine: engine, source: source, store: store, notifier: notifier, identifier: identifier}
}

// waitActiveFlows polls until the active table reaches want flows.
func (h *harness) waitActiveFlows(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.engine.Status().ActiveFlows == want
	}, 2*time.Second, 5*time.Millisecond)
}

func tcpPacket(ts time.Time, src string, sport int, dst string, dport int, length int, flags ...string) domain.PacketInfo {
	return domain.PacketInfo{
		Timestamp: ts,
		Length:    length,
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   sport,
		DstPort:   dport,
		Protocol:  domain.ProtoTCP,
		TCPFlags:  flags,
	}
}

func TestHTTPGetFlowEndToEnd(t *testing.T) {
	h := newHarness(t, Options{})
	base := time.Now()

	// Handshake.
	h.source.Inject(tcpPacket(base, "192.168.1.10", 52000, "93.184.216.34", 80, 60, "SYN"))
	h.source.Inject(tcpPacket(base.Add(10*time.Millisecond), "93.184.216.34", 80, "192.168.1.10", 52000, 60, "SYN", "ACK"))
	h.source.Inject(tcpPacket(base.Add(20*time.Millisecond), "192.168.1.10", 52000, "93.184.216.34", 80, 52, "ACK"))

	// Request and response.
	request := tcpPacket(base.Add(30*time.Millisecond), "192.168.1.10", 52000, "93.184.216.34", 80, 150, "ACK", "PSH")
	request.Payload = []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: curl/8\r\n\r\n")
	h.source.Inject(request)
	response := tcpPacket(base.Add(50*time.Millisecond), "93.184.216.34", 80, "192.168.1.10", 52000, 150, "ACK", "PSH")
	response.Payload = []byte("HTTP/1.1 200 OK\r\nContent-Length: 13\r\n\r\nHello, world!")
	h.source.Inject(response)

	h.waitActiveFlows(t, 1)
	require.NoError(t, h.engine.Stop(t.Context()))

	flows, err := h.store.GetFlows(t.Context(), domain.FlowFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, flows, 1)

	f := flows[0]
	assert.Equal(t, domain.ProtoTCP, f.Protocol)
	assert.Equal(t, domain.FlowClosed, f.Status)
	assert.Equal(t, "HTTP", f.Application)
	assert.Equal(t, "GET", f.HTTPMethod)
	assert.Equal(t, "/index.html", f.URL)
	assert.Equal(t, "curl/8", f.UserAgent)
	assert.Equal(t, "example.com", f.Domain)
	assert.Equal(t, domain.StateEstablished, f.ConnectionState)
	assert.Positive(t, f.BytesOut)
	assert.Positive(t, f.BytesIn)
	assert.Equal(t, int64(3), f.PacketsOut)
	assert.Equal(t, int64(2), f.PacketsIn)
	assert.Equal(t, domain.LevelSafe, f.ThreatLevel)
	assert.LessOrEqual(t, f.FirstSeen, f.LastSeen)
	assert.Equal(t, f.Duration, f.LastSeen-f.FirstSeen)
}

func TestBidirectionalPacketsShareOneFlow(t *testing.T) {
	h := newHarness(t, Options{})
	base := time.Now()

	h.source.Inject(tcpPacket(base, "10.0.0.2", 40000, "10.0.0.9", 443, 100))
	h.source.Inject(tcpPacket(base.Add(time.Millisecond), "10.0.0.9", 443, "10.0.0.2", 40000, 200))
	h.source.Inject(tcpPacket(base.Add(2*time.Millisecond), "10.0.0.2", 40000, "10.0.0.9", 443, 300))

	h.waitActiveFlows(t, 1)

	status := h.engine.Status()
	assert.Equal(t, uint64(3), status.PacketsCaptured)
	assert.Equal(t, uint64(1), status.FlowsDetected)
}

func TestDuplicateSuppression(t *testing.T) {
	h := newHarness(t, Options{})

	p := tcpPacket(time.Now(), "10.0.0.2", 40000, "10.0.0.9", 443, 100)
	h.source.Inject(p)
	h.source.Inject(p) // identical timestamp and length within the window

	h.waitActiveFlows(t, 1)

	status := h.engine.Status()
	assert.Equal(t, uint64(1), status.PacketsDuplicate)
	assert.Equal(t, uint64(1), status.PacketsCaptured)
}

func TestSamplingKeepsEveryNth(t *testing.T) {
	h := newHarness(t, Options{SamplingRate: 0.5})
	base := time.Now()

	for i := 0; i < 10; i++ {
		h.source.Inject(tcpPacket(base.Add(time.Duration(i)*10*time.Millisecond),
			"10.0.0.2", 40000, "10.0.0.9", 443, 100+i))
	}

	require.Eventually(t, func() bool {
		return h.engine.Status().PacketsCaptured == 5
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSamplingFractionalRateRoundsUp(t *testing.T) {
	// 1/0.3 rounds up to 4, so 12 packets keep exactly 3. Truncating would
	// keep every 3rd and overshoot the configured rate.
	h := newHarness(t, Options{SamplingRate: 0.3})
	base := time.Now()

	for i := 0; i < 12; i++ {
		h.source.Inject(tcpPacket(base.Add(time.Duration(i)*10*time.Millisecond),
			"10.0.0.2", 40000, "10.0.0.9", 443, 100+i))
	}

	require.Eventually(t, func() bool {
		return h.engine.Status().PacketsCaptured == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), h.engine.Status().PacketsCaptured)
}

func TestARPDivertedToRegistry(t *testing.T) {
	h := newHarness(t, Options{})

	h.source.Inject(domain.PacketInfo{
		Timestamp: time.Now(),
		Length:    42,
		Protocol:  domain.ProtoARP,
		ARP: &domain.ARPObservation{
			Opcode:    2,
			SenderIP:  "192.168.1.77",
			SenderMAC: "08:00:27:aa:bb:cc",
		},
	})

	require.Eventually(t, func() bool {
		return h.store.DeviceCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// ARP never becomes a flow.
	assert.Equal(t, 0, h.engine.Status().ActiveFlows)
}

func TestExfiltrationScenario(t *testing.T) {
	h := newHarness(t, Options{})
	base := time.Now()

	hello := tcpPacket(base, "192.168.1.10", 51000, "203.0.113.9", 443, 600, "SYN")
	hello.TLS = &domain.TLSInfo{SNI: "drop.tk"}
	h.source.Inject(hello)

	// Outbound volume past the exfiltration threshold.
	perPacket := 1 << 20 // 1 MiB
	for i := 0; i < 12; i++ {
		h.source.Inject(tcpPacket(base.Add(time.Duration(i+1)*time.Millisecond),
			"192.168.1.10", 51000, "203.0.113.9", 443, perPacket, "ACK"))
	}

	h.waitActiveFlows(t, 1)
	require.NoError(t, h.engine.Stop(t.Context()))

	flows, err := h.store.GetFlows(t.Context(), domain.FlowFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, flows, 1)

	f := flows[0]
	assert.Equal(t, "drop.tk", f.SNI)
	assert.GreaterOrEqual(t, f.BytesOut, int64(12*perPacket))
	assert.Contains(t, []string{domain.LevelHigh, domain.LevelCritical}, f.ThreatLevel)

	threats, err := h.store.GetThreats(t.Context(), domain.ThreatFilter{})
	require.NoError(t, err)
	require.NotEmpty(t, threats)
	assert.Contains(t, []domain.ThreatType{domain.ThreatExfiltration, domain.ThreatPhishing}, threats[0].Type)
	assert.Equal(t, f.ID, threats[0].FlowID)
}

func TestDNSCorrelationScenario(t *testing.T) {
	h := newHarness(t, Options{})
	base := time.Now()

	// DNS response mapping example.com to 93.184.216.34.
	h.source.Inject(domain.PacketInfo{
		Timestamp: base,
		Length:    120,
		SrcIP:     "192.168.1.1",
		DstIP:     "192.168.1.10",
		SrcPort:   53,
		DstPort:   33000,
		Protocol:  domain.ProtoUDP,
		DNS: &domain.DNSInfo{
			Query:      "example.com",
			QueryType:  1,
			IsResponse: true,
			Answers:    []domain.DNSAnswer{{Name: "example.com", IP: "93.184.216.34", TTL: 300}},
		},
	})

	// Then a TCP flow to the resolved IP, with no L7 hints of its own.
	h.source.Inject(tcpPacket(base.Add(5*time.Millisecond),
		"192.168.1.10", 52000, "93.184.216.34", 8443, 100, "SYN"))

	h.waitActiveFlows(t, 2)
	require.NoError(t, h.engine.Stop(t.Context()))

	flows, err := h.store.GetFlows(t.Context(), domain.FlowFilter{Protocol: domain.ProtoTCP, Limit: 10})
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "example.com", flows[0].Domain)
}

func TestPortScanScenario(t *testing.T) {
	h := newHarness(t, Options{})
	base := time.Now()

	// Many small probes to distinct ports; each is its own flow.
	const probes = 1200
	for i := 0; i < probes; i++ {
		h.source.Inject(tcpPacket(base.Add(time.Duration(i)*time.Microsecond),
			"10.0.0.5", 40000, "10.0.0.9", 1000+i, 60, "SYN"))
	}

	require.Eventually(t, func() bool {
		return h.engine.Status().FlowsDetected >= probes-h.engine.Status().PacketsDropped
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Stop(t.Context()))

	// Every probe that survived the bounded queue became a flow.
	status := h.engine.Status()
	assert.Equal(t, status.PacketsCaptured-status.PacketsDropped, status.FlowsDetected)
}

func TestIdleSweeperFinalizes(t *testing.T) {
	h := newHarness(t, Options{
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})

	h.source.Inject(tcpPacket(time.Now(), "10.0.0.2", 40000, "10.0.0.9", 443, 100))
	h.waitActiveFlows(t, 1)

	require.Eventually(t, func() bool {
		return h.engine.Status().ActiveFlows == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.store.FlowCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	events := h.notifier.EventsOfType(domain.EventFlowUpdate)
	require.Len(t, events, 1)
	flow, ok := events[0].Payload.(domain.Flow)
	require.True(t, ok)
	assert.Equal(t, domain.FlowClosed, flow.Status)
}

func TestStopDrainsSynchronously(t *testing.T) {
	h := newHarness(t, Options{})

	h.source.Inject(tcpPacket(time.Now(), "10.0.0.2", 40000, "10.0.0.9", 443, 100))
	h.waitActiveFlows(t, 1)

	require.NoError(t, h.engine.Stop(t.Context()))

	assert.Equal(t, 1, h.store.FlowCount())
	assert.True(t, h.source.Closed())
	assert.False(t, h.engine.Status().Running)
}

func TestStopCountsQueuedPackets(t *testing.T) {
	store := mock.NewStorage()
	notifier := mock.NewNotifier()
	source := mock.NewPacketSource()
	identifier := identify.New(identify.DefaultConfig(), nil)
	reg := registry.New(store, notifier, nil, nil)
	scorer := threat.New(store, notifier, nil)
	e := New(Options{}, source, store, reg, scorer, identifier, nil, notifier, nil)

	// Queue packets with no workers running, as happens when shutdown races
	// a capture burst.
	e.running.Store(true)
	_, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	base := time.Now()
	for i := 0; i < 4; i++ {
		e.packetCh <- tcpPacket(base.Add(time.Duration(i)*time.Millisecond),
			"10.0.0.2", 40000, "10.0.0.9", 443, 100)
	}

	require.NoError(t, e.Stop(context.Background()))

	status := e.Status()
	assert.Equal(t, uint64(4), status.PacketsDropped)
	assert.Equal(t, 0, status.QueueDepth)
}

func TestUnknownServiceBannerCaptured(t *testing.T) {
	h := newHarness(t, Options{})
	base := time.Now()

	h.source.Inject(tcpPacket(base, "192.168.1.10", 52000, "10.0.0.9", 2525, 60, "SYN"))
	reply := tcpPacket(base.Add(5*time.Millisecond), "10.0.0.9", 2525, "192.168.1.10", 52000, 90, "ACK", "PSH")
	reply.Payload = []byte("220 mail.local ESMTP ready\r\n")
	h.source.Inject(reply)

	require.Eventually(t, func() bool {
		fp, ok := h.identifier.Fingerprint("10.0.0.9", 2525)
		return ok && fp.Banner == "220 mail.local ESMTP ready"
	}, 2*time.Second, 5*time.Millisecond)

	// Request-direction payloads on the same flow never banner the client.
	_, ok := h.identifier.Fingerprint("192.168.1.10", 52000)
	assert.False(t, ok)
}

func TestBatchWriterFlushesOnSize(t *testing.T) {
	h := newHarness(t, Options{
		IdleTimeout:   30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		BatchSize:     5,
		BatchInterval: time.Hour, // never fires in this test
	})
	base := time.Now()

	for i := 0; i < 5; i++ {
		h.source.Inject(tcpPacket(base.Add(time.Duration(i)*time.Millisecond),
			"10.0.0.2", 40000+i, "10.0.0.9", 443, 100))
	}
	h.waitActiveFlows(t, 5)

	require.Eventually(t, func() bool {
		return h.store.FlowCount() == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlowKeyCanonical(t *testing.T) {
	a := flowKey("10.0.0.2", 40000, "10.0.0.9", 443, domain.ProtoTCP)
	b := flowKey("10.0.0.9", 443, "10.0.0.2", 40000, domain.ProtoTCP)
	assert.Equal(t, a, b)

	c := flowKey("10.0.0.2", 40000, "10.0.0.9", 444, domain.ProtoTCP)
	assert.NotEqual(t, a, c)

	assert.Equal(t, "10.0.0.2:40000-10.0.0.9:443-TCP", a)
}

func TestFlowKeySamePortsSameHost(t *testing.T) {
	a := flowKey("10.0.0.2", 8000, "10.0.0.2", 9000, domain.ProtoUDP)
	b := flowKey("10.0.0.2", 9000, "10.0.0.2", 8000, domain.ProtoUDP)
	assert.Equal(t, a, b)
}

func TestStatusQueueDepthAndInterface(t *testing.T) {
	h := newHarness(t, Options{})
	status := h.engine.Status()
	assert.Equal(t, "mock0", status.Interface)
	assert.True(t, status.Running)
	assert.GreaterOrEqual(t, status.QueueDepth, 0)
}

func TestDoubleStartRejected(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.engine.Start(t.Context())
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestEvictionPreservesMostRecent(t *testing.T) {
	// Exercise eviction ordering directly on the table helper.
	h := newHarness(t, Options{})
	e := h.engine

	base := time.Now()
	e.mu.Lock()
	for i := 0; i < activeFlowCap+1; i++ {
		key := fmt.Sprintf("k%d", i)
		e.flows[key] = &flowEntry{
			key:      key,
			lastSeen: base.Add(time.Duration(i) * time.Second),
			flow:     domain.Flow{ID: key},
		}
	}
	evicted := e.evictIfFullLocked()
	remaining := len(e.flows)
	_, oldestGone := e.flows["k0"]
	_, newestKept := e.flows[fmt.Sprintf("k%d", activeFlowCap)]
	e.mu.Unlock()

	assert.Len(t, evicted, activeFlowCap/5)
	assert.Equal(t, activeFlowCap+1-activeFlowCap/5, remaining)
	assert.False(t, oldestGone)
	assert.True(t, newestKept)
}
