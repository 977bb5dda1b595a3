// Package threat scores finalized flows against an additive policy and
// records a Threat when the score crosses a severity threshold.
package threat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
	"github.com/lcalzada-xor/netinsight/internal/telemetry"
)

// Severity thresholds over the additive score.
const (
	thresholdCritical = 70
	thresholdHigh     = 50
	thresholdMedium   = 30
	thresholdLow      = 15
)

const exfilBytes = 10 * 1024 * 1024

// suspiciousPorts are classic backdoor and IRC C2 listeners.
var suspiciousPorts = map[int]bool{
	4444:  true,
	5555:  true,
	6666:  true,
	6667:  true,
	31337: true,
}

var suspiciousTLDs = []string{".tk", ".ml", ".ga", ".cf", ".xyz"}

var highRiskCountries = map[string]bool{
	"CN": true,
	"RU": true,
	"KP": true,
	"IR": true,
}

var expectedApplications = map[string]bool{
	"HTTP":  true,
	"HTTPS": true,
	"SSH":   true,
	"DNS":   true,
}

// Scorer implements ports.ThreatScorer.
type Scorer struct {
	storage  ports.Storage
	notifier ports.Notifier
	logger   *slog.Logger
}

// New builds a Scorer persisting through storage and announcing through
// notifier. notifier may be nil.
func New(storage ports.Storage, notifier ports.Notifier, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{storage: storage, notifier: notifier, logger: logger}
}

// Score evaluates a finalized flow and returns its threat level. When the
// level is not safe it persists a Threat, bumps the device's threat score
// and publishes a threat_update. Persistence failures degrade the result to
// safe rather than blocking finalization.
func (s *Scorer) Score(ctx context.Context, f *domain.Flow) (string, error) {
	score, triggers := s.evaluate(f)
	level := levelFor(score)
	if level == domain.LevelSafe {
		return level, nil
	}

	threatType := classify(f, triggers)
	threat := domain.Threat{
		ID:             uuid.New().String(),
		Timestamp:      time.Now().UnixMilli(),
		Type:           threatType,
		Severity:       level,
		DeviceID:       f.DeviceID,
		FlowID:         f.ID,
		Description:    describe(f, threatType),
		Recommendation: recommend(threatType),
	}

	if err := s.storage.AddThreat(ctx, threat); err != nil {
		s.logger.Error("failed to persist threat", "flow", f.ID, "error", err)
		return domain.LevelSafe, fmt.Errorf("persist threat: %w", err)
	}

	telemetry.ThreatsDetected.WithLabelValues(level).Inc()
	s.logger.Warn("threat detected",
		"type", threatType, "severity", level, "score", score,
		"flow", f.ID, "device", f.DeviceID)

	s.bumpDeviceScore(ctx, f.DeviceID, score)

	if s.notifier != nil {
		s.notifier.Publish(domain.ThreatEvent(threat))
	}
	return level, nil
}

// trigger flags remembered for classification.
type triggers struct {
	exfiltration  bool
	scanRST       bool
	scanBurst     bool
	suspiciousTLD bool
}

func (s *Scorer) evaluate(f *domain.Flow) (int, triggers) {
	var score int
	var trig triggers

	if f.BytesOut > exfilBytes {
		score += 30
		trig.exfiltration = true
	}
	if suspiciousPorts[f.DestPort] {
		score += 50
	}
	if f.TotalPackets() > 1000 && f.BytesIn < 1000 {
		score += 20
		trig.scanBurst = true
	}
	if f.HasTCPFlag("RST") && !f.HasTCPFlag("SYN") {
		score += 25
		trig.scanRST = true
	}
	if f.ConnectionState == domain.StateReset {
		score += 15
	}
	if total := f.TotalPackets(); total > 0 && float64(f.Retransmissions)/float64(total) > 0.10 {
		score += 20
	}
	if f.JitterMs > 100 {
		score += 10
	}
	if f.RTTMs > 1000 {
		score += 10
	}
	if hasSuspiciousTLD(f.SNI) || hasSuspiciousTLD(f.Domain) {
		score += 30
		trig.suspiciousTLD = true
	}
	if highRiskCountries[f.Country] {
		score += 25
	}
	if f.Application != "" && !expectedApplications[f.Application] {
		score += 15
	}
	if f.DNSResponseCode != "" && f.DNSResponseCode != "NOERROR" {
		score += 10
	}

	return score, trig
}

func levelFor(score int) string {
	switch {
	case score >= thresholdCritical:
		return domain.LevelCritical
	case score >= thresholdHigh:
		return domain.LevelHigh
	case score >= thresholdMedium:
		return domain.LevelMedium
	case score >= thresholdLow:
		return domain.LevelLow
	default:
		return domain.LevelSafe
	}
}

func classify(f *domain.Flow, trig triggers) domain.ThreatType {
	switch {
	case trig.exfiltration:
		return domain.ThreatExfiltration
	case trig.scanRST || trig.scanBurst:
		return domain.ThreatScan
	case f.Retransmissions > 10 && f.JitterMs > 100:
		return domain.ThreatBotnet
	case trig.suspiciousTLD:
		return domain.ThreatPhishing
	default:
		return domain.ThreatAnomaly
	}
}

func describe(f *domain.Flow, t domain.ThreatType) string {
	switch t {
	case domain.ThreatExfiltration:
		return fmt.Sprintf("Unusual large data upload detected: %.2f MB", float64(f.BytesOut)/1024/1024)
	case domain.ThreatScan:
		return fmt.Sprintf("Port scanning activity detected on port %d", f.DestPort)
	case domain.ThreatBotnet:
		return fmt.Sprintf("Possible command-and-control traffic: %d retransmissions with %.0f ms jitter",
			f.Retransmissions, f.JitterMs)
	case domain.ThreatPhishing:
		name := f.SNI
		if name == "" {
			name = f.Domain
		}
		return fmt.Sprintf("Connection to suspicious domain %s", name)
	default:
		return "Behavioral anomaly detected in network traffic"
	}
}

func recommend(t domain.ThreatType) string {
	switch t {
	case domain.ThreatExfiltration:
		return "Review device for unauthorized applications and check for data breaches"
	case domain.ThreatScan:
		return "Investigate device for compromise and check for malware"
	case domain.ThreatBotnet:
		return "Isolate device from the network and inspect for botnet agents"
	case domain.ThreatPhishing:
		return "Block the destination domain and review recent user activity on the device"
	default:
		return "Monitor device closely and investigate if behavior continues"
	}
}

func hasSuspiciousTLD(name string) bool {
	if name == "" {
		return false
	}
	name = strings.ToLower(name)
	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(name, tld) {
			return true
		}
	}
	return false
}

// bumpDeviceScore raises the device's rolling threat score to at least the
// flow's score. Best effort; a missing device is not an error.
func (s *Scorer) bumpDeviceScore(ctx context.Context, deviceID string, score int) {
	if deviceID == "" {
		return
	}
	device, err := s.storage.GetDevice(ctx, deviceID)
	if err != nil || device == nil {
		return
	}
	if float64(score) > device.ThreatScore {
		device.ThreatScore = float64(score)
		if err := s.storage.SaveDevice(ctx, *device); err != nil {
			s.logger.Debug("failed to update device threat score", "device", deviceID, "error", err)
		}
	}
}

var _ ports.ThreatScorer = (*Scorer)(nil)
