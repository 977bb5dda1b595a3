// Package capture provides the live pcap packet source. It owns the pcap
// handle and decodes every frame into the neutral domain.PacketInfo before
// handing it to the pipeline, so nothing downstream touches gopacket.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
)

// ErrNoCaptureDevice means the host exposes no usable capture interface.
var ErrNoCaptureDevice = errors.New("no capture devices available")

// Config holds pcap handle settings.
type Config struct {
	Interface   string
	SnapLen     int
	Promiscuous bool
	Timeout     time.Duration
	BufferSize  int // kernel buffer, MB
	BPFFilter   string
}

// DefaultConfig returns the standard live-capture settings.
func DefaultConfig(iface string) Config {
	return Config{
		Interface:   iface,
		SnapLen:     65536,
		Promiscuous: true,
		Timeout:     pcap.BlockForever,
		BufferSize:  32,
		BPFFilter:   "ip or ip6",
	}
}

// Source implements ports.PacketSource over a live pcap handle.
type Source struct {
	iface  string
	handle *pcap.Handle
	logger *slog.Logger

	received atomic.Uint64
	dropped  atomic.Uint64
	running  atomic.Bool
}

// NewSource opens and activates a capture handle. A missing interface is
// substituted with the first available one and logged, per the failure
// policy; no usable interface at all is a hard error.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}

	iface, err := resolveInterface(cfg.Interface, logger)
	if err != nil {
		return nil, err
	}

	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("create inactive handle: %w", err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(cfg.SnapLen); err != nil {
		return nil, fmt.Errorf("set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, fmt.Errorf("set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(cfg.Timeout); err != nil {
		return nil, fmt.Errorf("set timeout: %w", err)
	}
	if cfg.BufferSize > 0 {
		if err := inactive.SetBufferSize(cfg.BufferSize * 1024 * 1024); err != nil {
			logger.Warn("failed to set capture buffer size", "error", err)
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate capture on %s: %w", iface, err)
	}

	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set BPF filter %q: %w", cfg.BPFFilter, err)
		}
		logger.Info("applied BPF filter", "filter", cfg.BPFFilter)
	}

	return &Source{iface: iface, handle: handle, logger: logger}, nil
}

// resolveInterface validates the requested interface, falling back to the
// first device pcap reports when it does not exist.
func resolveInterface(requested string, logger *slog.Logger) (string, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return "", fmt.Errorf("list capture devices: %w", err)
	}
	if len(devices) == 0 {
		return "", ErrNoCaptureDevice
	}

	if requested != "" {
		for _, dev := range devices {
			if dev.Name == requested {
				return requested, nil
			}
		}
		logger.Warn("interface not found, substituting first available",
			"requested", requested, "using", devices[0].Name)
	}
	return devices[0].Name, nil
}

// Start launches the blocking read loop on its own goroutine and returns.
// The handler receives every decoded packet and must not block.
func (s *Source) Start(ctx context.Context, handler func(domain.PacketInfo)) error {
	if s.running.Swap(true) {
		return fmt.Errorf("capture already running")
	}

	source := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	source.NoCopy = true
	packets := source.Packets()

	go func() {
		defer s.running.Store(false)
		s.logger.Info("packet capture started", "interface", s.iface)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("packet capture stopped")
				return
			case packet, ok := <-packets:
				if !ok {
					s.logger.Info("packet channel closed")
					return
				}
				if packet == nil {
					continue
				}
				s.received.Add(1)
				info, ok := decode(packet)
				if !ok {
					s.dropped.Add(1)
					continue
				}
				handler(info)
			}
		}
	}()
	return nil
}

// Interface returns the name of the device being captured.
func (s *Source) Interface() string { return s.iface }

// Stats reports packets seen and packets dropped, combining handle-level
// kernel drops with decode failures.
func (s *Source) Stats() (received, dropped uint64) {
	dropped = s.dropped.Load()
	if stats, err := s.handle.Stats(); err == nil {
		dropped += uint64(stats.PacketsDropped)
	}
	return s.received.Load(), dropped
}

// Close releases the pcap handle.
func (s *Source) Close() error {
	s.handle.Close()
	return nil
}

// decode lowers a gopacket packet into domain.PacketInfo. Returns false
// when no network layer could be extracted.
func decode(packet gopacket.Packet) (domain.PacketInfo, bool) {
	info := domain.PacketInfo{
		Timestamp: packet.Metadata().Timestamp,
		Length:    packet.Metadata().Length,
	}

	if eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		info.SrcMAC = eth.SrcMAC.String()
		info.DstMAC = eth.DstMAC.String()
	}

	if arp, ok := packet.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		info.Protocol = domain.ProtoARP
		info.ARP = &domain.ARPObservation{
			Opcode:    arp.Operation,
			SenderIP:  net.IP(arp.SourceProtAddress).String(),
			SenderMAC: net.HardwareAddr(arp.SourceHwAddress).String(),
			TargetIP:  net.IP(arp.DstProtAddress).String(),
		}
		return info, true
	}

	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		info.SrcIP = ip.SrcIP.String()
		info.DstIP = ip.DstIP.String()
		info.TTL = int(ip.TTL)
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		info.SrcIP = ip.SrcIP.String()
		info.DstIP = ip.DstIP.String()
		info.TTL = int(ip.HopLimit)
		info.IsIPv6 = true
	default:
		return info, false
	}

	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		info.Protocol = domain.ProtoTCP
		info.SrcPort = int(tcp.SrcPort)
		info.DstPort = int(tcp.DstPort)
		info.TCPSeq = tcp.Seq
		info.TCPFlags = tcpFlagNames(tcp)
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		info.Protocol = domain.ProtoUDP
		info.SrcPort = int(udp.SrcPort)
		info.DstPort = int(udp.DstPort)
	case packet.Layer(layers.LayerTypeICMPv4) != nil,
		packet.Layer(layers.LayerTypeICMPv6) != nil:
		info.Protocol = domain.ProtoICMP
	default:
		info.Protocol = domain.ProtoOther
	}

	if app := packet.ApplicationLayer(); app != nil {
		info.Payload = app.Payload()
	}

	if dns, ok := packet.Layer(layers.LayerTypeDNS).(*layers.DNS); ok {
		info.DNS = decodeDNS(dns)
	}

	return info, true
}

func tcpFlagNames(tcp *layers.TCP) []string {
	var flags []string
	if tcp.SYN {
		flags = append(flags, "SYN")
	}
	if tcp.ACK {
		flags = append(flags, "ACK")
	}
	if tcp.FIN {
		flags = append(flags, "FIN")
	}
	if tcp.RST {
		flags = append(flags, "RST")
	}
	if tcp.PSH {
		flags = append(flags, "PSH")
	}
	if tcp.URG {
		flags = append(flags, "URG")
	}
	return flags
}

func decodeDNS(dns *layers.DNS) *domain.DNSInfo {
	info := &domain.DNSInfo{
		IsResponse:   dns.QR,
		ResponseCode: uint8(dns.ResponseCode),
	}
	if len(dns.Questions) > 0 {
		info.Query = string(dns.Questions[0].Name)
		info.QueryType = uint16(dns.Questions[0].Type)
	}
	for _, answer := range dns.Answers {
		ans := domain.DNSAnswer{
			Name: string(answer.Name),
			TTL:  answer.TTL,
		}
		switch answer.Type {
		case layers.DNSTypeA, layers.DNSTypeAAAA:
			if answer.IP != nil {
				ans.IP = answer.IP.String()
			}
		case layers.DNSTypeCNAME:
			ans.CNAME = string(answer.CNAME)
		default:
			continue
		}
		info.Answers = append(info.Answers, ans)
	}
	return info
}

var _ ports.PacketSource = (*Source)(nil)
