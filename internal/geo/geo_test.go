package geo

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledProviderReturnsEmpty(t *testing.T) {
	p := NewProvider("")
	assert.Equal(t, "", p.Lookup("8.8.8.8").Country)
	assert.NoError(t, p.Close())
}

func TestMissingDatabaseDegradesToDisabled(t *testing.T) {
	p := NewProvider("/nonexistent/GeoLite2-City.mmdb")
	assert.Equal(t, "", p.Lookup("8.8.8.8").Country)
	assert.NoError(t, p.Close())
}

func TestIsPrivate(t *testing.T) {
	for _, ip := range []string{"192.168.1.1", "10.0.0.1", "172.16.5.5", "127.0.0.1", "169.254.1.1", "0.0.0.0", "fe80::1", "::1"} {
		assert.True(t, isPrivate(net.ParseIP(ip)), ip)
	}
	for _, ip := range []string{"8.8.8.8", "93.184.216.34", "2606:4700::1111"} {
		assert.False(t, isPrivate(net.ParseIP(ip)), ip)
	}
}
