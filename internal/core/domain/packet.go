package domain

import "time"

// DNSAnswer is one resource record from a DNS response.
type DNSAnswer struct {
	Name  string
	IP    string
	CNAME string
	TTL   uint32
}

// DNSInfo carries the parsed parts of a DNS query or response that the
// pipeline cares about. Numeric query types and response codes are kept
// raw here; name mapping happens at extraction time.
type DNSInfo struct {
	Query        string
	QueryType    uint16
	ResponseCode uint8
	IsResponse   bool
	Answers      []DNSAnswer
}

// TLSInfo carries ClientHello metadata when the capture layer could parse it.
type TLSInfo struct {
	SNI            string
	HandshakeBytes []byte // raw handshake payload for fallback scanning
}

// PacketInfo is the neutral, decoded form of one captured packet handed from
// the capture adapter to the flow engine. It deliberately carries no
// capture-library types.
type PacketInfo struct {
	Timestamp time.Time
	Length    int

	SrcMAC string
	DstMAC string

	SrcIP    string
	DstIP    string
	SrcPort  int
	DstPort  int
	Protocol string // ProtoTCP, ProtoUDP, ProtoICMP, ProtoARP, ProtoOther
	IsIPv6   bool
	TTL      int

	// TCP specifics.
	TCPFlags []string // flags set on this packet
	TCPSeq   uint32

	// Application payload past the transport header, possibly empty.
	Payload []byte

	DNS *DNSInfo
	TLS *TLSInfo
	ARP *ARPObservation
}

// ARPObservation is the subset of an ARP packet the device registry consumes.
type ARPObservation struct {
	Opcode    uint16 // 1 request, 2 reply
	SenderIP  string
	SenderMAC string
	TargetIP  string
}
