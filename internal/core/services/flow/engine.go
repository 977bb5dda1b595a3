// Package flow turns a raw packet stream into bidirectional flow records:
// sampling and dedup at ingest, batched classification, rolling quality
// metrics, idle finalization, scoring and batched persistence.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lcalzada-xor/netinsight/internal/cache"
	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
	"github.com/lcalzada-xor/netinsight/internal/telemetry"
)

// ErrAlreadyRunning is returned by Start on a running engine.
var ErrAlreadyRunning = errors.New("engine already running")

const (
	packetQueueSize = 1000
	classifyBatch   = 100
	classifyFlush   = 10 * time.Millisecond
	classifyWorkers = 4

	activeFlowCap  = 10000
	keyCacheCap    = 5000
	dedupCap       = 10000
	dedupWindow    = time.Millisecond
	deviceCacheCap = 1000
	deviceCacheTTL = 5 * time.Minute

	// EMA smoothing for the per-packet processing time.
	processTimeAlpha = 0.1
)

// Options tune the engine. Zero values fall back to the defaults above.
type Options struct {
	SamplingRate  float64
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	BatchSize     int
	BatchInterval time.Duration
	SkipLocal     bool
	EnableALPN    bool
}

func (o *Options) fillDefaults() {
	if o.SamplingRate <= 0 || o.SamplingRate > 1 {
		o.SamplingRate = 1
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 5 * time.Second
	}
}

// flowEntry is the mutable state of one active flow.
type flowEntry struct {
	flow     domain.Flow
	key      string
	lastSeen time.Time
}

// Engine implements the packet-to-flow pipeline.
type Engine struct {
	opts       Options
	source     ports.PacketSource
	storage    ports.Storage
	registry   ports.DeviceRegistry
	scorer     ports.ThreatScorer
	identifier ports.Identifier
	geo        ports.GeoProvider
	notifier   ports.Notifier
	logger     *slog.Logger

	packetCh chan domain.PacketInfo

	mu    sync.Mutex
	flows map[string]*flowEntry

	keyCache  *cache.LRU[string]
	dedup     *cache.TTLCache[struct{}]
	deviceIPs *cache.TTLCache[string]

	quality *qualityTracker
	extract *extractor

	writeMu    sync.Mutex
	writeQueue []domain.Flow

	running         atomic.Bool
	packetsCaptured atomic.Uint64
	flowsDetected   atomic.Uint64
	dropped         atomic.Uint64
	duplicates      atomic.Uint64
	sampleCounter   atomic.Uint64

	procMu      sync.Mutex
	avgProcUs   float64
	procSamples uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an Engine. notifier and geo may be nil.
func New(
	opts Options,
	source ports.PacketSource,
	storage ports.Storage,
	registry ports.DeviceRegistry,
	scorer ports.ThreatScorer,
	identifier ports.Identifier,
	geo ports.GeoProvider,
	notifier ports.Notifier,
	logger *slog.Logger,
) *Engine {
	opts.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:       opts,
		source:     source,
		storage:    storage,
		registry:   registry,
		scorer:     scorer,
		identifier: identifier,
		geo:        geo,
		notifier:   notifier,
		logger:     logger,
		packetCh:   make(chan domain.PacketInfo, packetQueueSize),
		flows:      make(map[string]*flowEntry),
		keyCache:   cache.NewLRU[string](keyCacheCap),
		dedup:      cache.NewTTL[struct{}](dedupCap, dedupWindow),
		deviceIPs:  cache.NewTTL[string](deviceCacheCap, deviceCacheTTL),
		quality:    newQualityTracker(),
		extract:    &extractor{identifier: identifier, enableALPN: opts.EnableALPN},
	}
}

// Start begins capture and launches the pipeline workers. It returns once
// the capture source is running; processing continues until ctx is
// cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return ErrAlreadyRunning
	}

	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.source.Start(ctx, e.ingest); err != nil {
		e.running.Store(false)
		return fmt.Errorf("start capture: %w", err)
	}

	batchCh := make(chan []domain.PacketInfo, classifyWorkers)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.batchLoop(ctx, batchCh)
	}()

	for i := 0; i < classifyWorkers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for batch := range batchCh {
				for _, p := range batch {
					e.process(ctx, p)
				}
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.writeLoop(ctx)
	}()

	e.logger.Info("flow engine started",
		"interface", e.source.Interface(),
		"sampling", e.opts.SamplingRate,
		"idle_timeout", e.opts.IdleTimeout)
	return nil
}

// Stop cancels capture, finalizes every active flow and drains the write
// queue synchronously.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.Swap(false) {
		return nil
	}
	e.cancel()
	e.wg.Wait()

	// Packets queued after the workers went away never reach a flow; they
	// still count toward the dropped total.
drain:
	for {
		select {
		case <-e.packetCh:
			e.dropped.Add(1)
			telemetry.PacketsDropped.WithLabelValues(e.source.Interface(), "shutdown").Inc()
		default:
			break drain
		}
	}

	e.mu.Lock()
	remaining := make([]*flowEntry, 0, len(e.flows))
	for _, entry := range e.flows {
		remaining = append(remaining, entry)
	}
	e.flows = make(map[string]*flowEntry)
	e.mu.Unlock()

	for _, entry := range remaining {
		e.finalize(ctx, entry, "shutdown")
	}
	e.flushWrites(ctx)

	if err := e.source.Close(); err != nil {
		e.logger.Warn("closing capture source", "error", err)
	}
	e.logger.Info("flow engine stopped", "flows_finalized", len(remaining))
	return nil
}

// Status reports a snapshot of the engine counters.
func (e *Engine) Status() domain.EngineStatus {
	e.mu.Lock()
	active := len(e.flows)
	e.mu.Unlock()

	e.procMu.Lock()
	avgUs := e.avgProcUs
	e.procMu.Unlock()

	_, sourceDropped := e.source.Stats()

	return domain.EngineStatus{
		Running:          e.running.Load(),
		Interface:        e.source.Interface(),
		PacketsCaptured:  e.packetsCaptured.Load(),
		FlowsDetected:    e.flowsDetected.Load(),
		ActiveFlows:      active,
		PacketsDropped:   e.dropped.Load() + sourceDropped,
		PacketsDuplicate: e.duplicates.Load(),
		AvgProcessTimeUs: avgUs,
		QueueDepth:       len(e.packetCh),
	}
}

// ingest is the capture callback. It must never block: sampling, dedup and
// a non-blocking enqueue, nothing else.
func (e *Engine) ingest(p domain.PacketInfo) {
	if e.opts.SamplingRate < 1 {
		// Keep every ceil(1/rate)-th packet so the effective rate never
		// exceeds the configured one.
		interval := uint64(math.Ceil(1 / e.opts.SamplingRate))
		if e.sampleCounter.Add(1)%interval != 0 {
			return
		}
	}

	dedupKey := fmt.Sprintf("%d:%d", p.Timestamp.UnixNano(), p.Length)
	if _, seen := e.dedup.Get(dedupKey); seen {
		e.duplicates.Add(1)
		return
	}
	e.dedup.Set(dedupKey, struct{}{})

	e.packetsCaptured.Add(1)
	telemetry.PacketsCaptured.WithLabelValues(e.source.Interface()).Inc()

	select {
	case e.packetCh <- p:
	default:
		e.dropped.Add(1)
		telemetry.PacketsDropped.WithLabelValues(e.source.Interface(), "queue_full").Inc()
	}
}

// batchLoop groups queued packets into batches of up to classifyBatch,
// flushing every classifyFlush regardless.
func (e *Engine) batchLoop(ctx context.Context, out chan<- []domain.PacketInfo) {
	defer close(out)

	ticker := time.NewTicker(classifyFlush)
	defer ticker.Stop()

	batch := make([]domain.PacketInfo, 0, classifyBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		out <- batch
		batch = make([]domain.PacketInfo, 0, classifyBatch)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case p := <-e.packetCh:
			batch = append(batch, p)
			if len(batch) >= classifyBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// process classifies one packet into the flow table.
func (e *Engine) process(ctx context.Context, p domain.PacketInfo) {
	started := time.Now()
	defer e.recordProcessTime(started)

	if p.ARP != nil {
		if err := e.registry.ProcessARP(ctx, *p.ARP); err != nil {
			e.logger.Debug("arp processing failed", "error", err)
		}
		return
	}

	if p.SrcIP == "" || p.DstIP == "" {
		e.dropped.Add(1)
		telemetry.PacketsDropped.WithLabelValues(e.source.Interface(), "parse").Inc()
		return
	}
	if e.opts.SkipLocal && (isLoopback(p.SrcIP) || isLoopback(p.DstIP)) {
		return
	}

	key := e.internKey(p)
	retransmitted := e.quality.observe(key, p)

	e.mu.Lock()
	entry, exists := e.flows[key]
	if !exists {
		entry = e.newEntry(ctx, key, p)
		e.flows[key] = entry
		e.flowsDetected.Add(1)
		telemetry.ActiveFlows.Set(float64(len(e.flows)))
	}
	e.updateEntry(entry, p, retransmitted)
	evicted := e.evictIfFullLocked()
	e.mu.Unlock()

	for _, old := range evicted {
		e.finalize(ctx, old, "idle")
	}
}

// internKey returns the canonical key string for the packet's 5-tuple,
// reusing a cached instance when possible.
func (e *Engine) internKey(p domain.PacketInfo) string {
	key := flowKey(p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, p.Protocol)
	if cached, ok := e.keyCache.Get(key); ok {
		return cached
	}
	e.keyCache.Set(key, key)
	return key
}

// newEntry creates the flow record for a first packet, resolving the source
// device through the short-TTL IP cache.
func (e *Engine) newEntry(ctx context.Context, key string, p domain.PacketInfo) *flowEntry {
	now := p.Timestamp.UnixMilli()
	f := domain.Flow{
		ID:         uuid.New().String(),
		Timestamp:  now,
		SourceIP:   p.SrcIP,
		SourcePort: p.SrcPort,
		DestIP:     p.DstIP,
		DestPort:   p.DstPort,
		Protocol:   p.Protocol,
		FirstSeen:  now,
		LastSeen:   now,
		Status:     domain.FlowActive,
		TTL:        p.TTL,
		DeviceID:   e.resolveDevice(ctx, p.SrcIP, p.SrcMAC),
	}
	return &flowEntry{flow: f, key: key, lastSeen: p.Timestamp}
}

func (e *Engine) resolveDevice(ctx context.Context, ip, mac string) string {
	if id, ok := e.deviceIPs.Get(ip); ok {
		return id
	}
	device, err := e.registry.GetOrCreate(ctx, ip, mac)
	if err != nil {
		e.logger.Debug("device resolution failed", "ip", ip, "error", err)
		return ""
	}
	e.deviceIPs.Set(ip, device.ID)
	return device.ID
}

// updateEntry folds one packet into the flow state. Caller holds e.mu.
func (e *Engine) updateEntry(entry *flowEntry, p domain.PacketInfo, retransmitted bool) {
	f := &entry.flow

	outbound := p.SrcIP == f.SourceIP && p.SrcPort == f.SourcePort
	if outbound {
		f.PacketsOut++
		f.BytesOut += int64(p.Length)
	} else {
		f.PacketsIn++
		f.BytesIn += int64(p.Length)
	}

	entry.lastSeen = p.Timestamp
	f.LastSeen = p.Timestamp.UnixMilli()
	f.Duration = f.LastSeen - f.FirstSeen

	if retransmitted {
		f.Retransmissions++
	}

	if p.Protocol == domain.ProtoTCP && len(p.TCPFlags) > 0 {
		for _, flag := range p.TCPFlags {
			if !f.HasTCPFlag(flag) {
				f.TCPFlags = append(f.TCPFlags, flag)
			}
		}
		f.ConnectionState = nextConnectionState(f.ConnectionState, f.TCPFlags)
	}

	e.extract.apply(f, p)
}

// evictIfFullLocked trims the oldest 20% of the active table when it
// overflows. Caller holds e.mu; evicted entries are finalized outside.
func (e *Engine) evictIfFullLocked() []*flowEntry {
	if len(e.flows) <= activeFlowCap {
		return nil
	}
	entries := make([]*flowEntry, 0, len(e.flows))
	for _, entry := range e.flows {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})

	n := activeFlowCap / 5
	evicted := entries[:n]
	for _, entry := range evicted {
		delete(e.flows, entry.key)
	}
	telemetry.ActiveFlows.Set(float64(len(e.flows)))
	return evicted
}

// sweepLoop finalizes idle flows on a fixed cadence.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepIdle(ctx)
		}
	}
}

func (e *Engine) sweepIdle(ctx context.Context) {
	cutoff := time.Now().Add(-e.opts.IdleTimeout)

	e.mu.Lock()
	var idle []*flowEntry
	for key, entry := range e.flows {
		if entry.lastSeen.Before(cutoff) {
			idle = append(idle, entry)
			delete(e.flows, key)
		}
	}
	telemetry.ActiveFlows.Set(float64(len(e.flows)))
	e.mu.Unlock()

	for _, entry := range idle {
		e.finalize(ctx, entry, "idle")
	}
}

// finalize transitions a flow to closed: attach quality metrics, resolve
// the destination domain, geolocate, score, then queue for persistence and
// notify subscribers. Runs outside the flow-table lock.
func (e *Engine) finalize(ctx context.Context, entry *flowEntry, reason string) {
	f := &entry.flow
	f.Status = domain.FlowClosed
	f.Duration = f.LastSeen - f.FirstSeen

	f.RTTMs = e.quality.rtt(entry.key)
	f.JitterMs = e.quality.jitter(entry.key)
	e.quality.drop(entry.key)

	if f.Domain == "" && e.identifier != nil {
		f.Domain = e.identifier.GetDomainForIP(f.DestIP)
	}

	if e.geo != nil {
		info := e.geo.Lookup(f.DestIP)
		f.Country = info.Country
		f.City = info.City
		f.ASN = info.ASN
	}

	level, err := e.scorer.Score(ctx, f)
	if err != nil {
		e.logger.Warn("scoring failed", "flow", f.ID, "error", err)
		level = domain.LevelSafe
	}
	f.ThreatLevel = level

	if f.DeviceID != "" && e.registry != nil {
		if err := e.registry.RecordFlow(ctx, f.DeviceID, f.BytesIn+f.BytesOut, f.Application); err != nil {
			e.logger.Warn("device accounting failed", "device", f.DeviceID, "error", err)
		}
	}

	telemetry.FlowsFinalized.WithLabelValues(reason).Inc()

	e.writeMu.Lock()
	e.writeQueue = append(e.writeQueue, *f)
	full := len(e.writeQueue) >= e.opts.BatchSize
	e.writeMu.Unlock()

	if e.notifier != nil {
		e.notifier.Publish(domain.FlowEvent(*f))
	}

	if full {
		e.flushWrites(ctx)
	}
}

// writeLoop flushes the write queue on the batch interval.
func (e *Engine) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flushWrites(ctx)
		}
	}
}

// flushWrites performs one bulk insert of everything queued. A failed batch
// is retained for exactly one retry, then dropped to bound memory.
func (e *Engine) flushWrites(ctx context.Context) {
	e.writeMu.Lock()
	batch := e.writeQueue
	e.writeQueue = nil
	e.writeMu.Unlock()

	if len(batch) == 0 {
		return
	}

	err := e.storage.AddFlowsBatch(ctx, batch)
	if err == nil {
		return
	}
	e.logger.Warn("flow batch write failed, retrying once", "count", len(batch), "error", err)

	if err := e.storage.AddFlowsBatch(ctx, batch); err != nil {
		telemetry.StoreWriteErrors.Inc()
		e.logger.Error("flow batch write failed after retry, dropping",
			"count", len(batch), "error", err)
	}
}

func (e *Engine) recordProcessTime(started time.Time) {
	elapsed := float64(time.Since(started)) / float64(time.Microsecond)
	e.procMu.Lock()
	if e.procSamples == 0 {
		e.avgProcUs = elapsed
	} else {
		e.avgProcUs = processTimeAlpha*elapsed + (1-processTimeAlpha)*e.avgProcUs
	}
	e.procSamples++
	e.procMu.Unlock()
}

func isLoopback(ip string) bool {
	return strings.HasPrefix(ip, "127.") || ip == "::1"
}
