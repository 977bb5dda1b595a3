// Package identify augments flows with hostname, server name and
// application information: a DNS observation map, a reverse DNS resolver,
// and a handful of payload inspectors.
package identify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/lcalzada-xor/netinsight/internal/cache"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
)

const (
	dnsCacheTTL      = time.Hour
	dnsCacheCapacity = 1000

	fingerprintCapacity = 1000
)

// Config controls which identification features run.
type Config struct {
	EnableDNSTracking    bool
	EnableReverseDNS     bool
	ReverseDNSTimeout    time.Duration
	ReverseDNSRetries    int
	EnableFingerprinting bool
	EnableDPI            bool
	EnableHTTPHost       bool
	EnableALPN           bool

	// Resolver is the "host:port" of the DNS server used for PTR lookups.
	// Empty means the system resolver from /etc/resolv.conf.
	Resolver string
}

// DefaultConfig enables everything with the standard timeouts.
func DefaultConfig() Config {
	return Config{
		EnableDNSTracking:    true,
		EnableReverseDNS:     true,
		ReverseDNSTimeout:    2 * time.Second,
		ReverseDNSRetries:    2,
		EnableFingerprinting: true,
		EnableDPI:            true,
		EnableHTTPHost:       true,
		EnableALPN:           true,
	}
}

// Identifier implements ports.Identifier. All methods are safe for
// concurrent use; the payload inspectors are pure functions over the
// packet bytes.
type Identifier struct {
	cfg    Config
	logger *slog.Logger

	// Passive observations from sniffed DNS responses.
	domainIPs  *cache.TTLCache[[]string] // domain -> answer IPs
	ipToDomain *cache.TTLCache[string]   // ip -> most recent domain

	// Reverse lookups, including negative results as "".
	reverse *cache.TTLCache[string]

	fingerprints *cache.LRU[*ports.ServiceFingerprint]

	resolver string
	client   *dns.Client

	mu sync.Mutex // serializes resolver discovery
}

// appPattern pairs an application label with the payload prefixes or
// substrings that identify it. Order matters: earlier entries are more
// specific and win over catch-alls like the Redis "*".
type appPattern struct {
	name     string
	patterns [][]byte
}

var appPatterns = []appPattern{
	{"SSH", [][]byte{[]byte("SSH-"), []byte("OpenSSH")}},
	{"FTP", [][]byte{[]byte("220 "), []byte("FTP")}},
	{"SMTP", [][]byte{[]byte("220 "), []byte("250 ")}},
	{"POP3", [][]byte{[]byte("+OK")}},
	{"IMAP", [][]byte{[]byte("* OK")}},
	{"Elasticsearch", [][]byte{[]byte(`{"cluster_name"`)}},
	{"Kubernetes", [][]byte{[]byte("k8s"), []byte("kubernetes")}},
	{"Docker", [][]byte{[]byte("docker")}},
	{"Git", [][]byte{[]byte("git-upload-pack")}},
	{"BitTorrent", [][]byte{[]byte("\x13BitTorrent")}},
	{"PostgreSQL", [][]byte{[]byte("\x00\x00\x00\x08")}},
	{"Redis", [][]byte{[]byte("*")}},
}

var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// New builds an Identifier with the given feature set.
func New(cfg Config, logger *slog.Logger) *Identifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReverseDNSTimeout <= 0 {
		cfg.ReverseDNSTimeout = 2 * time.Second
	}
	return &Identifier{
		cfg:          cfg,
		logger:       logger,
		domainIPs:    cache.NewTTL[[]string](dnsCacheCapacity, dnsCacheTTL),
		ipToDomain:   cache.NewTTL[string](dnsCacheCapacity, dnsCacheTTL),
		reverse:      cache.NewTTL[string](dnsCacheCapacity, dnsCacheTTL),
		fingerprints: cache.NewLRU[*ports.ServiceFingerprint](fingerprintCapacity),
		resolver:     cfg.Resolver,
		client:       &dns.Client{Timeout: cfg.ReverseDNSTimeout},
	}
}

// TrackDNSQuery records that a sniffed DNS response mapped name to ip.
// The record TTL is informational; entries live for the cache TTL.
func (s *Identifier) TrackDNSQuery(name, ip string, _ uint32) {
	if !s.cfg.EnableDNSTracking || name == "" || ip == "" {
		return
	}
	name = strings.TrimSuffix(strings.ToLower(name), ".")

	ips, _ := s.domainIPs.Get(name)
	found := false
	for _, existing := range ips {
		if existing == ip {
			found = true
			break
		}
	}
	if !found {
		ips = append(ips, ip)
	}
	s.domainIPs.Set(name, ips)
	s.ipToDomain.Set(ip, name)
}

// GetDomainForIP returns the most recently observed domain for ip, or "".
func (s *Identifier) GetDomainForIP(ip string) string {
	if !s.cfg.EnableDNSTracking {
		return ""
	}
	name, _ := s.ipToDomain.Get(ip)
	return name
}

// ReverseDNS resolves ip to a hostname via a PTR query, with retries and
// exponential backoff. Local and private addresses are never looked up.
// Failures are cached as negative entries so dead IPs are asked once per
// cache TTL, not once per flow.
func (s *Identifier) ReverseDNS(ctx context.Context, ip string) (string, error) {
	if !s.cfg.EnableReverseDNS {
		return "", nil
	}
	if hostname, ok := s.reverse.Get(ip); ok {
		return hostname, nil
	}
	if isLocalIP(ip) {
		return "", nil
	}

	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("reverse addr for %s: %w", ip, err)
	}

	server, err := s.resolverAddr()
	if err != nil {
		return "", err
	}

	attempts := s.cfg.ReverseDNSRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(reverseDNSBackoff(attempt)):
			}
		}

		m := new(dns.Msg)
		m.SetQuestion(arpa, dns.TypePTR)

		resp, _, err := s.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				hostname := strings.TrimSuffix(ptr.Ptr, ".")
				if hostname != "" && hostname != ip {
					s.reverse.Set(ip, hostname)
					return hostname, nil
				}
			}
		}
		// NXDOMAIN or empty answer: definitive, no point retrying.
		lastErr = nil
		break
	}

	if lastErr != nil {
		s.logger.Debug("reverse DNS lookup failed", "ip", ip, "error", lastErr)
	}
	s.reverse.Set(ip, "")
	return "", nil
}

// reverseDNSBackoff returns the wait before retry attempt (1-based),
// doubling from 100ms.
func reverseDNSBackoff(attempt int) time.Duration {
	return 100 * time.Millisecond << (attempt - 1)
}

func (s *Identifier) resolverAddr() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolver != "" {
		return s.resolver, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return "", fmt.Errorf("no DNS resolver available: %w", err)
	}
	s.resolver = conf.Servers[0] + ":" + conf.Port
	return s.resolver, nil
}

// ExtractHTTPHost pulls the Host header out of an HTTP request payload.
func (s *Identifier) ExtractHTTPHost(payload []byte) string {
	if !s.cfg.EnableHTTPHost || len(payload) == 0 {
		return ""
	}
	if !bytes.Contains(payload, []byte("Host:")) {
		return ""
	}
	for _, line := range bytes.Split(payload, []byte("\r\n")) {
		if bytes.HasPrefix(line, []byte("Host:")) {
			return string(bytes.TrimSpace(line[len("Host:"):]))
		}
	}
	return ""
}

// ExtractTLSALPN parses the ALPN extension (0x0010) from a raw ClientHello.
// Returns nil when the extension is absent or malformed.
func (s *Identifier) ExtractTLSALPN(payload []byte) []string {
	if !s.cfg.EnableALPN {
		return nil
	}
	start := bytes.Index(payload, []byte{0x00, 0x10})
	if start == -1 || start+6 > len(payload) {
		return nil
	}

	extLen := int(payload[start+2])<<8 | int(payload[start+3])
	if extLen < 2 {
		return nil
	}
	listLen := int(payload[start+4])<<8 | int(payload[start+5])
	if listLen < 1 {
		return nil
	}

	var protocols []string
	offset := start + 6
	remaining := listLen
	for remaining > 0 && offset < len(payload) {
		protoLen := int(payload[offset])
		if offset+1+protoLen > len(payload) {
			break
		}
		protocols = append(protocols, string(payload[offset+1:offset+1+protoLen]))
		offset += 1 + protoLen
		remaining -= 1 + protoLen
	}
	return protocols
}

// DetectApplicationDPI matches the first 200 bytes of payload against the
// application signature table. Returns "" when nothing matches.
func (s *Identifier) DetectApplicationDPI(payload []byte) string {
	if !s.cfg.EnableDPI || len(payload) == 0 {
		return ""
	}
	if len(payload) > 200 {
		payload = payload[:200]
	}

	if bytes.HasPrefix(payload, http2Preface) {
		return "HTTP/2"
	}
	for _, app := range appPatterns {
		for _, pattern := range app.patterns {
			if bytes.Contains(payload, pattern) {
				return app.name
			}
		}
	}
	if len(payload) > 4 && payload[0] == 0x80 && payload[1] == 0x01 {
		return "QUIC"
	}
	return ""
}

// FingerprintService grabs the first printable run of the payload as a
// service banner and caches it per ip:port endpoint.
func (s *Identifier) FingerprintService(payload []byte, ip string, port int) *ports.ServiceFingerprint {
	if !s.cfg.EnableFingerprinting || len(payload) == 0 {
		return nil
	}
	if len(payload) > 500 {
		payload = payload[:500]
	}

	banner := firstPrintableRun(payload, 4)
	if banner == "" {
		return nil
	}
	if len(banner) > 100 {
		banner = banner[:100]
	}

	fp := &ports.ServiceFingerprint{
		Banner:    banner,
		Port:      port,
		Timestamp: time.Now().UnixMilli(),
	}
	s.fingerprints.Set(fmt.Sprintf("%s:%d", ip, port), fp)
	return fp
}

// Fingerprint returns the cached banner for an ip:port endpoint, if any.
func (s *Identifier) Fingerprint(ip string, port int) (*ports.ServiceFingerprint, bool) {
	return s.fingerprints.Get(fmt.Sprintf("%s:%d", ip, port))
}

// firstPrintableRun returns the first sequence of at least min printable
// ASCII bytes, or "".
func firstPrintableRun(payload []byte, min int) string {
	start := -1
	for i := 0; i <= len(payload); i++ {
		printable := i < len(payload) && payload[i] >= 0x20 && payload[i] <= 0x7e
		if printable {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 && i-start >= min {
			return string(payload[start:i])
		}
		start = -1
	}
	return ""
}

func isLocalIP(ip string) bool {
	switch {
	case strings.HasPrefix(ip, "192.168."),
		strings.HasPrefix(ip, "10."),
		strings.HasPrefix(ip, "127."),
		strings.HasPrefix(ip, "169.254."),
		strings.HasPrefix(ip, "fe80:"),
		ip == "::1":
		return true
	}
	if strings.HasPrefix(ip, "172.") {
		parts := strings.SplitN(ip, ".", 3)
		if len(parts) >= 2 {
			if octet, err := parseOctet(parts[1]); err == nil && octet >= 16 && octet <= 31 {
				return true
			}
		}
	}
	return false
}

func parseOctet(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty octet")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("bad octet %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

var _ ports.Identifier = (*Identifier)(nil)
