// Package geo resolves IPs to coarse locations using a MaxMind GeoLite2
// database. Lookups never fail loudly: a missing database or an unknown IP
// yields empty fields, which downstream code treats as "no location".
package geo

import (
	"log"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/lcalzada-xor/netinsight/internal/core/ports"
)

// Provider implements ports.GeoProvider over a GeoLite2 City reader.
// A nil reader (database unavailable) degrades to empty lookups.
type Provider struct {
	reader *geoip2.Reader
}

// NewProvider opens the database at path. An empty path disables lookups
// without error; an unreadable file logs a warning and disables lookups.
func NewProvider(path string) *Provider {
	if path == "" {
		return &Provider{}
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		log.Printf("Warning: GeoIP database unavailable at %s: %v", path, err)
		return &Provider{}
	}
	return &Provider{reader: reader}
}

// Lookup returns the location for ip, or zero values when unknown.
// Private and malformed addresses short-circuit without touching the reader.
func (p *Provider) Lookup(ip string) ports.GeoInfo {
	if p.reader == nil {
		return ports.GeoInfo{}
	}

	parsed := net.ParseIP(ip)
	if parsed == nil || isPrivate(parsed) {
		return ports.GeoInfo{}
	}

	record, err := p.reader.City(parsed)
	if err != nil {
		return ports.GeoInfo{}
	}

	info := ports.GeoInfo{
		Country: record.Country.IsoCode,
	}
	if name, ok := record.City.Names["en"]; ok {
		info.City = name
	}
	// ASN requires the separate GeoLite2-ASN database; the City db carries
	// none, so ASN stays empty here.
	return info
}

// Close releases the underlying reader.
func (p *Provider) Close() error {
	if p.reader != nil {
		return p.reader.Close()
	}
	return nil
}

func isPrivate(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

var _ ports.GeoProvider = (*Provider)(nil)
