package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
)

func newTestAdapter(t *testing.T) *SQLiteAdapter {
	t.Helper()
	a, err := NewSQLiteAdapter(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func sampleDevice(id string) domain.Device {
	now := time.Now().UnixMilli()
	return domain.Device{
		ID:         id,
		Name:       "VMware Server",
		IP:         "192.168.1.42",
		MAC:        "00:50:56:aa:bb:cc",
		Type:       domain.DeviceServer,
		Vendor:     "VMware",
		FirstSeen:  now,
		LastSeen:   now,
		Behavioral: domain.NewBehavioralProfile(),
	}
}

func sampleFlow(id string, ts int64) domain.Flow {
	return domain.Flow{
		ID:              id,
		Timestamp:       ts,
		SourceIP:        "192.168.1.10",
		SourcePort:      52000,
		DestIP:          "93.184.216.34",
		DestPort:        443,
		Protocol:        domain.ProtoTCP,
		BytesIn:         1500,
		BytesOut:        800,
		PacketsIn:       10,
		PacketsOut:      8,
		FirstSeen:       ts,
		LastSeen:        ts + 2000,
		Duration:        2000,
		Status:          domain.FlowClosed,
		TCPFlags:        []string{"SYN", "ACK"},
		ConnectionState: domain.StateEstablished,
		RTTMs:           24.5,
		JitterMs:        3.12,
		SNI:             "www.example.com",
		Application:     "HTTPS",
		Country:         "US",
		ThreatLevel:     domain.LevelSafe,
		DeviceID:        "d1",
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	a := newTestAdapter(t)

	device := sampleDevice("d1")
	device.Behavioral.CommonPorts = []int{443, 53}
	device.Applications = []string{"HTTPS", "DNS"}
	require.NoError(t, a.SaveDevice(t.Context(), device))

	got, err := a.GetDevice(t.Context(), "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, device.Name, got.Name)
	assert.Equal(t, device.MAC, got.MAC)
	assert.Equal(t, device.Type, got.Type)
	assert.Equal(t, []int{443, 53}, got.Behavioral.CommonPorts)
	assert.Equal(t, []string{"HTTPS", "DNS"}, got.Applications)

	byMAC, err := a.GetDeviceByMAC(t.Context(), device.MAC)
	require.NoError(t, err)
	require.NotNil(t, byMAC)
	assert.Equal(t, "d1", byMAC.ID)

	byIP, err := a.GetDeviceByIP(t.Context(), device.IP)
	require.NoError(t, err)
	require.NotNil(t, byIP)
	assert.Equal(t, "d1", byIP.ID)
}

func TestDeviceLookupMissReturnsNil(t *testing.T) {
	a := newTestAdapter(t)

	got, err := a.GetDevice(t.Context(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = a.GetDeviceByMAC(t.Context(), "ff:ff:ff:ff:ff:ff")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveDeviceUpsert(t *testing.T) {
	a := newTestAdapter(t)

	device := sampleDevice("d1")
	require.NoError(t, a.SaveDevice(t.Context(), device))
	device.Name = "renamed"
	require.NoError(t, a.SaveDevice(t.Context(), device))

	all, err := a.GetAllDevices(t.Context())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "renamed", all[0].Name)
}

func TestFlowRoundTrip(t *testing.T) {
	a := newTestAdapter(t)

	flow := sampleFlow("f1", time.Now().UnixMilli())
	require.NoError(t, a.AddFlow(t.Context(), flow))

	got, err := a.GetFlow(t.Context(), "f1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, flow.SourceIP, got.SourceIP)
	assert.Equal(t, flow.TCPFlags, got.TCPFlags)
	assert.Equal(t, flow.RTTMs, got.RTTMs)
	assert.Equal(t, flow.SNI, got.SNI)
	assert.Equal(t, flow.ConnectionState, got.ConnectionState)
}

func TestAddFlowsBatchEqualsIndividual(t *testing.T) {
	a := newTestAdapter(t)
	now := time.Now().UnixMilli()

	var batch []domain.Flow
	for i := 0; i < 10; i++ {
		batch = append(batch, sampleFlow(fmt.Sprintf("f%d", i), now+int64(i)))
	}
	require.NoError(t, a.AddFlowsBatch(t.Context(), batch))

	flows, err := a.GetFlows(t.Context(), domain.FlowFilter{Limit: 100})
	require.NoError(t, err)
	assert.Len(t, flows, 10)

	// Empty batch is a no-op.
	require.NoError(t, a.AddFlowsBatch(t.Context(), nil))
}

func TestGetFlowsFilters(t *testing.T) {
	a := newTestAdapter(t)
	now := time.Now().UnixMilli()

	f1 := sampleFlow("f1", now)
	f2 := sampleFlow("f2", now+1000)
	f2.Protocol = domain.ProtoUDP
	f2.DestIP = "198.51.100.7"
	f2.ThreatLevel = domain.LevelHigh
	f2.DeviceID = "d2"
	f2.Retransmissions = 9
	require.NoError(t, a.AddFlowsBatch(t.Context(), []domain.Flow{f1, f2}))

	byProto, err := a.GetFlows(t.Context(), domain.FlowFilter{Protocol: domain.ProtoUDP, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byProto, 1)
	assert.Equal(t, "f2", byProto[0].ID)

	byLevel, err := a.GetFlows(t.Context(), domain.FlowFilter{ThreatLevel: domain.LevelHigh, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byLevel, 1)

	byDevice, err := a.GetFlows(t.Context(), domain.FlowFilter{DeviceID: "d1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, byDevice, 1)
	assert.Equal(t, "f1", byDevice[0].ID)

	byTime, err := a.GetFlows(t.Context(), domain.FlowFilter{StartTime: now + 500, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byTime, 1)
	assert.Equal(t, "f2", byTime[0].ID)

	bySNI, err := a.GetFlows(t.Context(), domain.FlowFilter{SNIContains: "example", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, bySNI, 2)

	byRetrans, err := a.GetFlows(t.Context(), domain.FlowFilter{MaxRetransmissions: 5, Limit: 10})
	require.NoError(t, err)
	require.Len(t, byRetrans, 1)
	assert.Equal(t, "f1", byRetrans[0].ID)
}

func TestGetFlowsOrderedNewestFirst(t *testing.T) {
	a := newTestAdapter(t)
	now := time.Now().UnixMilli()

	require.NoError(t, a.AddFlowsBatch(t.Context(), []domain.Flow{
		sampleFlow("old", now-5000),
		sampleFlow("new", now),
	}))

	flows, err := a.GetFlows(t.Context(), domain.FlowFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "new", flows[0].ID)
}

func TestGetFlowsLimitBoundaries(t *testing.T) {
	a := newTestAdapter(t)
	now := time.Now().UnixMilli()

	var batch []domain.Flow
	for i := 0; i < 20; i++ {
		batch = append(batch, sampleFlow(fmt.Sprintf("f%d", i), now+int64(i)))
	}
	require.NoError(t, a.AddFlowsBatch(t.Context(), batch))

	// Zero limit yields empty.
	empty, err := a.GetFlows(t.Context(), domain.FlowFilter{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	// Oversized limit is clamped, not rejected.
	clamped, err := a.GetFlows(t.Context(), domain.FlowFilter{Limit: domain.MaxPageSize + 500})
	require.NoError(t, err)
	assert.Len(t, clamped, 20)

	// Offset past the data yields empty.
	past, err := a.GetFlows(t.Context(), domain.FlowFilter{Limit: 10, Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, past)

	// Inverted time range is rejected.
	_, err = a.GetFlows(t.Context(), domain.FlowFilter{StartTime: now + 10, EndTime: now, Limit: 10})
	require.Error(t, err)
}

func TestSearchFlows(t *testing.T) {
	a := newTestAdapter(t)
	now := time.Now().UnixMilli()

	f1 := sampleFlow("f1", now)
	f2 := sampleFlow("f2", now+1)
	f2.SNI = ""
	f2.Domain = "malware.evil.xyz"
	f2.DestIP = "203.0.113.9"
	require.NoError(t, a.AddFlowsBatch(t.Context(), []domain.Flow{f1, f2}))

	hits, err := a.SearchFlows(t.Context(), "evil.xyz", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "f2", hits[0].ID)

	hits, err = a.SearchFlows(t.Context(), "203.0.113", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = a.SearchFlows(t.Context(), "example", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestThreatRoundTripAndDismiss(t *testing.T) {
	a := newTestAdapter(t)

	threat := domain.Threat{
		ID:             "t1",
		Timestamp:      time.Now().UnixMilli(),
		Type:           domain.ThreatScan,
		Severity:       domain.LevelMedium,
		DeviceID:       "d1",
		FlowID:         "f1",
		Description:    "Port scanning activity detected on port 22",
		Recommendation: "Investigate device for compromise and check for malware",
	}
	require.NoError(t, a.AddThreat(t.Context(), threat))

	got, err := a.GetThreat(t.Context(), "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, threat.Description, got.Description)
	assert.False(t, got.Dismissed)

	// Dismiss is idempotent, including for unknown ids.
	require.NoError(t, a.DismissThreat(t.Context(), "t1"))
	require.NoError(t, a.DismissThreat(t.Context(), "t1"))
	require.NoError(t, a.DismissThreat(t.Context(), "missing"))

	got, err = a.GetThreat(t.Context(), "t1")
	require.NoError(t, err)
	assert.True(t, got.Dismissed)

	active, err := a.GetThreats(t.Context(), domain.ThreatFilter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := a.GetThreats(t.Context(), domain.ThreatFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetThreatsFilters(t *testing.T) {
	a := newTestAdapter(t)
	now := time.Now().UnixMilli()

	for i, typ := range []domain.ThreatType{domain.ThreatScan, domain.ThreatPhishing} {
		require.NoError(t, a.AddThreat(t.Context(), domain.Threat{
			ID:        fmt.Sprintf("t%d", i),
			Timestamp: now + int64(i),
			Type:      typ,
			Severity:  domain.LevelLow,
			DeviceID:  "d1",
		}))
	}

	scans, err := a.GetThreats(t.Context(), domain.ThreatFilter{Type: domain.ThreatScan})
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, domain.ThreatScan, scans[0].Type)
}

func TestCleanupOldData(t *testing.T) {
	a := newTestAdapter(t)

	oldTS := time.Now().AddDate(0, 0, -40).UnixMilli()
	newTS := time.Now().UnixMilli()

	var batch []domain.Flow
	for i := 0; i < 100; i++ {
		batch = append(batch, sampleFlow(fmt.Sprintf("old%d", i), oldTS))
	}
	for i := 0; i < 100; i++ {
		batch = append(batch, sampleFlow(fmt.Sprintf("new%d", i), newTS))
	}
	require.NoError(t, a.AddFlowsBatch(t.Context(), batch))

	// An old dismissed threat goes; an old active one stays.
	require.NoError(t, a.AddThreat(t.Context(), domain.Threat{ID: "told", Timestamp: oldTS, Dismissed: true}))
	require.NoError(t, a.AddThreat(t.Context(), domain.Threat{ID: "tactive", Timestamp: oldTS}))

	result, err := a.CleanupOldData(t.Context(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.FlowsDeleted)
	assert.Equal(t, int64(1), result.ThreatsDeleted)

	remaining, err := a.GetFlows(t.Context(), domain.FlowFilter{Limit: domain.MaxPageSize})
	require.NoError(t, err)
	assert.Len(t, remaining, 100)

	// Idempotent: a second run deletes nothing.
	again, err := a.CleanupOldData(t.Context(), 30)
	require.NoError(t, err)
	assert.Zero(t, again.FlowsDeleted)
	assert.Zero(t, again.ThreatsDeleted)
}

func TestGetDatabaseStats(t *testing.T) {
	a := newTestAdapter(t)

	require.NoError(t, a.SaveDevice(t.Context(), sampleDevice("d1")))
	require.NoError(t, a.AddFlow(t.Context(), sampleFlow("f1", time.Now().UnixMilli())))

	stats, err := a.GetDatabaseStats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Devices)
	assert.Equal(t, int64(1), stats.Flows)
	assert.Equal(t, int64(0), stats.Threats)
	assert.Equal(t, currentSchemaVersion, stats.SchemaVersion)
	assert.True(t, stats.Healthy)
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netinsight.db")

	first, err := NewSQLiteAdapter(path, nil)
	require.NoError(t, err)
	require.NoError(t, first.SaveDevice(t.Context(), sampleDevice("d1")))
	assert.Equal(t, currentSchemaVersion, first.schemaVersion())
	require.NoError(t, first.Close())

	// Reopening runs migrations again; data and version are untouched.
	second, err := NewSQLiteAdapter(path, nil)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, currentSchemaVersion, second.schemaVersion())
	device, err := second.GetDevice(t.Context(), "d1")
	require.NoError(t, err)
	require.NotNil(t, device)
}

func TestUnhealthyStoreRejectsWritesServesReads(t *testing.T) {
	a := newTestAdapter(t)
	require.NoError(t, a.SaveDevice(t.Context(), sampleDevice("d1")))

	a.writeFailures.Store(healthTripAt)
	require.False(t, a.Healthy())

	require.ErrorIs(t, a.AddFlow(t.Context(), sampleFlow("f1", time.Now().UnixMilli())), ErrStoreFatal)
	require.ErrorIs(t, a.SaveDevice(t.Context(), sampleDevice("d2")), ErrStoreFatal)
	require.ErrorIs(t, a.AddFlowsBatch(t.Context(), []domain.Flow{sampleFlow("f2", time.Now().UnixMilli())}), ErrStoreFatal)

	// Reads are unaffected.
	devices, err := a.GetAllDevices(t.Context())
	require.NoError(t, err)
	require.Len(t, devices, 1)

	flows, err := a.GetFlows(t.Context(), domain.FlowFilter{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, flows)

	stats, err := a.GetDatabaseStats(t.Context())
	require.NoError(t, err)
	assert.False(t, stats.Healthy)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(fmt.Errorf("database is locked")))
	assert.True(t, isTransient(fmt.Errorf("database table is busy")))
	assert.True(t, isTransient(fmt.Errorf("connection lost")))
	assert.False(t, isTransient(fmt.Errorf("UNIQUE constraint failed")))
}
