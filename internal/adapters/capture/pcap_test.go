package capture

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) gopacket.Packet {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func ethernet() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x08, 0x00, 0x27, 0x11, 0x22, 0x33},
		DstMAC:       net.HardwareAddr{0x52, 0x54, 0x00, 0x44, 0x55, 0x66},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func TestDecodeTCPPacket(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("192.168.1.10"),
		DstIP:    net.ParseIP("93.184.216.34"),
	}
	tcp := &layers.TCP{
		SrcPort: 52000,
		DstPort: 443,
		Seq:     1234,
		SYN:     true,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	packet := serialize(t, ethernet(), ip, tcp)
	info, ok := decode(packet)
	require.True(t, ok)

	assert.Equal(t, domain.ProtoTCP, info.Protocol)
	assert.Equal(t, "192.168.1.10", info.SrcIP)
	assert.Equal(t, "93.184.216.34", info.DstIP)
	assert.Equal(t, 52000, info.SrcPort)
	assert.Equal(t, 443, info.DstPort)
	assert.Equal(t, uint32(1234), info.TCPSeq)
	assert.Equal(t, 64, info.TTL)
	assert.Contains(t, info.TCPFlags, "SYN")
	assert.NotContains(t, info.TCPFlags, "ACK")
	assert.Equal(t, "08:00:27:11:22:33", info.SrcMAC)
	assert.False(t, info.IsIPv6)
}

func TestDecodeUDPWithPayload(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("10.0.0.2"),
		DstIP:    net.ParseIP("10.0.0.9"),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 9999}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	packet := serialize(t, ethernet(), ip, udp, gopacket.Payload([]byte("hello")))
	info, ok := decode(packet)
	require.True(t, ok)

	assert.Equal(t, domain.ProtoUDP, info.Protocol)
	assert.Equal(t, 40000, info.SrcPort)
	assert.Equal(t, 9999, info.DstPort)
	assert.Equal(t, []byte("hello"), info.Payload)
}

func TestDecodeARPReply(t *testing.T) {
	eth := ethernet()
	eth.EthernetType = layers.EthernetTypeARP
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   []byte{0x08, 0x00, 0x27, 0x11, 0x22, 0x33},
		SourceProtAddress: []byte{192, 168, 1, 77},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{192, 168, 1, 1},
	}

	packet := serialize(t, eth, arp)
	info, ok := decode(packet)
	require.True(t, ok)

	assert.Equal(t, domain.ProtoARP, info.Protocol)
	require.NotNil(t, info.ARP)
	assert.Equal(t, uint16(2), info.ARP.Opcode)
	assert.Equal(t, "192.168.1.77", info.ARP.SenderIP)
	assert.Equal(t, "08:00:27:11:22:33", info.ARP.SenderMAC)
	assert.Equal(t, "192.168.1.1", info.ARP.TargetIP)
}

func TestDecodeDNSResponse(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("192.168.1.1"),
		DstIP:    net.ParseIP("192.168.1.10"),
	}
	udp := &layers.UDP{SrcPort: 53, DstPort: 33000}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	dns := &layers.DNS{
		QR: true,
		Questions: []layers.DNSQuestion{{
			Name:  []byte("example.com"),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
		Answers: []layers.DNSResourceRecord{{
			Name:  []byte("example.com"),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
			TTL:   300,
			IP:    net.ParseIP("93.184.216.34"),
		}},
	}

	packet := serialize(t, ethernet(), ip, udp, dns)
	info, ok := decode(packet)
	require.True(t, ok)

	require.NotNil(t, info.DNS)
	assert.True(t, info.DNS.IsResponse)
	assert.Equal(t, "example.com", info.DNS.Query)
	assert.Equal(t, uint16(1), info.DNS.QueryType)
	require.Len(t, info.DNS.Answers, 1)
	assert.Equal(t, "93.184.216.34", info.DNS.Answers[0].IP)
	assert.Equal(t, uint32(300), info.DNS.Answers[0].TTL)
}

func TestDecodeIPv6(t *testing.T) {
	eth := ethernet()
	eth.EthernetType = layers.EthernetTypeIPv6
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	tcp := &layers.TCP{SrcPort: 50000, DstPort: 443, ACK: true}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	packet := serialize(t, eth, ip, tcp)
	info, ok := decode(packet)
	require.True(t, ok)

	assert.True(t, info.IsIPv6)
	assert.Equal(t, "2001:db8::1", info.SrcIP)
	assert.Equal(t, domain.ProtoTCP, info.Protocol)
}

func TestDecodeNonIPRejected(t *testing.T) {
	eth := ethernet()
	eth.EthernetType = layers.EthernetTypeLinkLayerDiscovery
	packet := serialize(t, eth, gopacket.Payload([]byte{0x00, 0x00}))

	_, ok := decode(packet)
	assert.False(t, ok)
}
