package flow

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/lcalzada-xor/netinsight/internal/core/domain"
	"github.com/lcalzada-xor/netinsight/internal/core/ports"
)

// wellKnownPorts maps transport ports to application tags. Checked before
// payload signatures.
var wellKnownPorts = map[int]string{
	21:   "FTP",
	22:   "SSH",
	25:   "SMTP",
	53:   "DNS",
	80:   "HTTP",
	110:  "POP3",
	143:  "IMAP",
	443:  "HTTPS",
	993:  "IMAPS",
	995:  "POP3S",
	3306: "MySQL",
	3389: "RDP",
	5432: "PostgreSQL",
	5900: "VNC",
}

// tlsSNIPorts are the only ports where the raw ClientHello scan runs.
var tlsSNIPorts = map[int]bool{443: true, 8443: true, 993: true, 995: true}

// httpPorts are where plaintext HTTP request parsing runs.
var httpPorts = map[int]bool{80: true, 8080: true, 8000: true, 8888: true}

var httpMethods = []string{"GET", "POST", "PUT", "DELETE"}

var dnsQueryTypeNames = map[uint16]string{
	1:  "A",
	2:  "NS",
	5:  "CNAME",
	15: "MX",
	16: "TXT",
	28: "AAAA",
}

var dnsResponseCodeNames = map[uint8]string{
	0: "NOERROR",
	1: "FORMERR",
	2: "SERVFAIL",
	3: "NXDOMAIN",
	4: "NOTIMP",
	5: "REFUSED",
}

// extractor enriches a flow with L7 metadata from one packet. All methods
// are best-effort: parse failures leave the flow untouched and never drop
// the packet from accounting.
type extractor struct {
	identifier ports.Identifier
	enableALPN bool
}

func (x *extractor) apply(f *domain.Flow, p domain.PacketInfo) {
	x.applyDNS(f, p)
	x.applyTLS(f, p)
	x.applyHTTP(f, p)
	x.applyApplication(f, p)
	x.applyFingerprint(f, p)
}

// applyDNS records query metadata and, on responses, feeds the answer IPs
// into the identifier's domain map.
func (x *extractor) applyDNS(f *domain.Flow, p domain.PacketInfo) {
	if p.DNS == nil {
		return
	}
	info := p.DNS

	if info.Query != "" {
		f.Domain = strings.TrimSuffix(info.Query, ".")
	}
	if name, ok := dnsQueryTypeNames[info.QueryType]; ok {
		f.DNSQueryType = name
	}
	if info.IsResponse {
		if name, ok := dnsResponseCodeNames[info.ResponseCode]; ok {
			f.DNSResponseCode = name
		}
		if x.identifier != nil {
			// CNAME chains collapse to the queried name.
			for _, ans := range info.Answers {
				if ans.IP != "" {
					x.identifier.TrackDNSQuery(f.Domain, ans.IP, ans.TTL)
				}
			}
		}
	}
}

// applyTLS takes the structured SNI when the capture layer parsed it, else
// falls back to scanning the raw handshake on the usual TLS ports.
func (x *extractor) applyTLS(f *domain.Flow, p domain.PacketInfo) {
	if f.SNI != "" {
		return
	}
	if p.TLS != nil && p.TLS.SNI != "" {
		f.SNI = p.TLS.SNI
		return
	}
	if p.Protocol != domain.ProtoTCP || !tlsSNIPorts[p.DstPort] {
		return
	}

	payload := p.Payload
	if p.TLS != nil && len(p.TLS.HandshakeBytes) > 0 {
		payload = p.TLS.HandshakeBytes
	}
	if sni := scanSNI(payload); sni != "" {
		f.SNI = sni
	}

	if x.enableALPN && x.identifier != nil && f.Application == "" {
		if protos := x.identifier.ExtractTLSALPN(payload); len(protos) > 0 {
			switch protos[0] {
			case "h2":
				f.Application = "HTTP/2"
			case "http/1.1":
				f.Application = "HTTPS"
			}
		}
	}
}

// scanSNI walks the raw bytes looking for a server_name extension (0x0000)
// whose length fields pass sanity checks.
func scanSNI(payload []byte) string {
	for i := 0; i+9 < len(payload); i++ {
		if payload[i] != 0x00 || payload[i+1] != 0x00 {
			continue
		}
		listLen := int(payload[i+4])<<8 | int(payload[i+5])
		if listLen < 3 || listLen > 256 {
			continue
		}
		// entry: type (1) + length (2) + hostname
		if payload[i+6] != 0x00 {
			continue
		}
		nameLen := int(payload[i+7])<<8 | int(payload[i+8])
		if nameLen < 1 || nameLen > 255 || i+9+nameLen > len(payload) {
			continue
		}
		name := string(payload[i+9 : i+9+nameLen])
		if strings.Contains(name, ".") && isHostname(name) {
			return name
		}
	}
	return ""
}

func isHostname(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '.' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// applyHTTP parses a plaintext request line and headers on HTTP ports.
func (x *extractor) applyHTTP(f *domain.Flow, p domain.PacketInfo) {
	if p.Protocol != domain.ProtoTCP || !httpPorts[p.DstPort] || len(p.Payload) == 0 {
		return
	}

	method, path, ok := parseRequestLine(p.Payload)
	if !ok {
		return
	}
	f.HTTPMethod = method
	f.URL = path

	if x.identifier != nil {
		if host := x.identifier.ExtractHTTPHost(p.Payload); host != "" && f.Domain == "" {
			f.Domain = host
		}
	}
	if ua := headerValue(p.Payload, "User-Agent:"); ua != "" {
		f.UserAgent = ua
	}
}

func parseRequestLine(payload []byte) (method, path string, ok bool) {
	end := bytes.IndexByte(payload, '\r')
	if end == -1 {
		end = len(payload)
	}
	fields := strings.Fields(string(payload[:end]))
	if len(fields) < 3 {
		return "", "", false
	}
	for _, m := range httpMethods {
		if fields[0] == m {
			return m, fields[1], true
		}
	}
	return "", "", false
}

func headerValue(payload []byte, header string) string {
	for _, line := range bytes.Split(payload, []byte("\r\n")) {
		if bytes.HasPrefix(line, []byte(header)) {
			return string(bytes.TrimSpace(line[len(header):]))
		}
	}
	return ""
}

// applyApplication tags the flow: port table first, then payload
// signatures via the identifier's DPI matcher.
func (x *extractor) applyApplication(f *domain.Flow, p domain.PacketInfo) {
	if f.Application != "" {
		return
	}
	if app, ok := wellKnownPorts[p.DstPort]; ok {
		f.Application = app
		return
	}
	if app, ok := wellKnownPorts[p.SrcPort]; ok {
		f.Application = app
		return
	}
	if x.identifier != nil && len(p.Payload) > 0 {
		if app := x.identifier.DetectApplicationDPI(p.Payload); app != "" {
			f.Application = app
		}
	}
}

// applyFingerprint banners services on unlisted ports from their reply
// payloads. Only packets travelling from the flow's destination endpoint
// carry a server banner; the identifier caches the result per ip:port.
func (x *extractor) applyFingerprint(f *domain.Flow, p domain.PacketInfo) {
	if x.identifier == nil || p.Protocol != domain.ProtoTCP || len(p.Payload) == 0 {
		return
	}
	if p.SrcIP != f.DestIP || p.SrcPort != f.DestPort {
		return
	}
	if _, known := wellKnownPorts[p.SrcPort]; known {
		return
	}
	x.identifier.FingerprintService(p.Payload, p.SrcIP, p.SrcPort)
}

// flowKey renders the canonical key for a 5-tuple. The lower (ip, port)
// endpoint always comes first so both directions share one key.
func flowKey(srcIP string, srcPort int, dstIP string, dstPort int, proto string) string {
	if srcIP > dstIP || (srcIP == dstIP && srcPort > dstPort) {
		srcIP, dstIP = dstIP, srcIP
		srcPort, dstPort = dstPort, srcPort
	}
	var b strings.Builder
	b.Grow(len(srcIP) + len(dstIP) + len(proto) + 14)
	b.WriteString(srcIP)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(srcPort))
	b.WriteByte('-')
	b.WriteString(dstIP)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(dstPort))
	b.WriteByte('-')
	b.WriteString(proto)
	return b.String()
}
