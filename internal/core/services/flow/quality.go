package flow

import (
	"fmt"
	"math"
	"time"

	"github.com/lcalzada-xor/netinsight/internal/cache"
	"github.com/lcalzada-xor/netinsight/internal/core/domain"
)

const (
	rttWindowSize    = 10
	jitterWindowSize = 20

	rttWindowsCapacity = 5000
	retransCapacity    = 10000

	minRTTMs = 1
	maxRTTMs = 10000
)

// tsWindow is the rolling timestamp window for one flow key.
type tsWindow struct {
	stamps []time.Time
}

// qualityTracker derives RTT, jitter and retransmission counts from packet
// arrival times and TCP sequence numbers. Windows and sequence sightings
// live in bounded caches keyed by flow key, so a long-running capture
// cannot grow without limit.
type qualityTracker struct {
	windows *cache.LRU[*tsWindow]
	seqSeen *cache.LRU[int]
}

func newQualityTracker() *qualityTracker {
	return &qualityTracker{
		windows: cache.NewLRU[*tsWindow](rttWindowsCapacity),
		seqSeen: cache.NewLRU[int](retransCapacity),
	}
}

// observe records one packet arrival for the flow key and returns whether a
// TCP sequence number was a retransmission.
func (q *qualityTracker) observe(key string, p domain.PacketInfo) (retransmitted bool) {
	w, ok := q.windows.Get(key)
	if !ok {
		w = &tsWindow{}
		q.windows.Set(key, w)
	}
	w.stamps = append(w.stamps, p.Timestamp)
	if len(w.stamps) > jitterWindowSize {
		w.stamps = w.stamps[len(w.stamps)-jitterWindowSize:]
	}

	if p.Protocol == domain.ProtoTCP && p.TCPSeq != 0 {
		seqKey := fmt.Sprintf("%s:%d", key, p.TCPSeq)
		if count, ok := q.seqSeen.Get(seqKey); ok {
			q.seqSeen.Set(seqKey, count+1)
			return true
		}
		q.seqSeen.Set(seqKey, 1)
	}
	return false
}

// rtt estimates round-trip time for the flow key as twice the mean
// inter-arrival interval over the last packets, clamped to [1, 10000] ms.
// Returns 0 when fewer than two packets were seen.
func (q *qualityTracker) rtt(key string) float64 {
	w, ok := q.windows.Get(key)
	if !ok || len(w.stamps) < 2 {
		return 0
	}
	stamps := w.stamps
	if len(stamps) > rttWindowSize {
		stamps = stamps[len(stamps)-rttWindowSize:]
	}

	var totalMs float64
	for i := 1; i < len(stamps); i++ {
		totalMs += float64(stamps[i].Sub(stamps[i-1])) / float64(time.Millisecond)
	}
	mean := totalMs / float64(len(stamps)-1)

	rtt := 2 * mean
	if rtt < minRTTMs {
		rtt = minRTTMs
	}
	if rtt > maxRTTMs {
		rtt = maxRTTMs
	}
	return rtt
}

// jitter is the population standard deviation of the inter-arrival deltas
// over the window, in ms rounded to 2 decimals. Returns 0 when fewer than
// three packets were seen.
func (q *qualityTracker) jitter(key string) float64 {
	w, ok := q.windows.Get(key)
	if !ok || len(w.stamps) < 3 {
		return 0
	}

	deltas := make([]float64, 0, len(w.stamps)-1)
	for i := 1; i < len(w.stamps); i++ {
		deltas = append(deltas, float64(w.stamps[i].Sub(w.stamps[i-1]))/float64(time.Millisecond))
	}

	var mean float64
	for _, d := range deltas {
		mean += d
	}
	mean /= float64(len(deltas))

	var variance float64
	for _, d := range deltas {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(deltas))

	return math.Round(math.Sqrt(variance)*100) / 100
}

// drop forgets all quality state for a finalized flow key.
func (q *qualityTracker) drop(key string) {
	q.windows.Delete(key)
}

// nextConnectionState advances the TCP state derived from the running union
// of flags seen on the flow. RST is terminal.
func nextConnectionState(current string, unionFlags []string) string {
	has := func(flag string) bool {
		for _, f := range unionFlags {
			if f == flag {
				return true
			}
		}
		return false
	}

	switch {
	case has("RST"):
		return domain.StateReset
	case has("FIN"):
		return domain.StateFinWait
	case has("ACK") && (current == domain.StateSynSent || current == domain.StateSynReceived ||
		current == domain.StateEstablished):
		return domain.StateEstablished
	case has("SYN") && has("ACK"):
		return domain.StateSynReceived
	case has("SYN"):
		return domain.StateSynSent
	default:
		return current
	}
}
