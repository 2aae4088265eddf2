package sniffer

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"sipwatch/internal/record"
)

// Link-layer header offsets to the start of the IPv4 header, per spec §4.5.
const (
	offsetEthernet     = 14
	offsetVLANEthernet = 18
	offsetLinuxCooked  = 16
	offsetLoopback     = 4
	offsetDefault      = offsetEthernet
)

const (
	ipProtoUDP = 17

	ethertypeVLAN = 0x8100
)

// interestingRTPPayloadTypes are the fixed RTP payload types worth
// reporting, in addition to the 96..127 dynamic range.
var interestingRTPPayloadTypes = map[byte]struct{}{0: {}, 8: {}, 18: {}, 101: {}}

const rtpPayloadTypeDTMF = 101

// linkLayerOffset returns the byte offset of the IPv4 header for the
// given datalink type, defaulting to the Ethernet offset. For Ethernet
// links the offset is widened to skip a VLAN tag dynamically in
// extractUDPPayload, since pcap reports a single linktype regardless
// of whether individual frames carry 802.1Q tags.
func linkLayerOffset(linkType int) int {
	switch linkType {
	case linkTypeEthernet:
		return offsetEthernet
	case linkTypeLinuxCooked:
		return offsetLinuxCooked
	case linkTypeLoopback:
		return offsetLoopback
	default:
		return offsetDefault
	}
}

// extractUDPPayload walks the IPv4 and UDP headers from the given
// link-layer offset and returns the UDP payload and its source IPv4
// address. ok is false for non-IPv4 or non-UDP packets, or packets too
// short to contain full headers. A VLAN-tagged Ethernet frame is
// detected by its ethertype and the offset is widened by 4 bytes to
// skip the 802.1Q tag.
func extractUDPPayload(data []byte, linkOffset int) (payload []byte, srcIP string, ok bool) {
	if linkOffset == offsetEthernet && len(data) >= offsetVLANEthernet &&
		int(data[12])<<8|int(data[13]) == ethertypeVLAN {
		linkOffset = offsetVLANEthernet
	}

	if len(data) < linkOffset+20 {
		return nil, "", false
	}
	ipHeader := data[linkOffset:]

	versionIHL := ipHeader[0]
	version := versionIHL >> 4
	if version != 4 {
		return nil, "", false
	}
	ihl := int(versionIHL&0x0f) * 4
	if ihl < 20 || len(ipHeader) < ihl+8 {
		return nil, "", false
	}

	protocol := ipHeader[9]
	if protocol != ipProtoUDP {
		return nil, "", false
	}

	udpHeader := ipHeader[ihl:]
	if len(udpHeader) < 8 {
		return nil, "", false
	}

	src := fmt.Sprintf("%d.%d.%d.%d", ipHeader[12], ipHeader[13], ipHeader[14], ipHeader[15])
	return udpHeader[8:], src, true
}

// classifyResult is the outcome of classifying one UDP payload.
type classifyResult struct {
	record *record.LogRecord
	ok     bool
}

// classify builds a LogRecord for a SIP or RTP payload, or reports ok=false
// for anything else (to be discarded).
func classify(payload []byte, packetLen int, iface, srcIP string) classifyResult {
	if r, ok := classifySIP(payload, packetLen, iface, srcIP); ok {
		return classifyResult{record: r, ok: true}
	}
	if r, ok := classifyRTP(payload, packetLen, iface, srcIP); ok {
		return classifyResult{record: r, ok: true}
	}
	return classifyResult{ok: false}
}

// classifySIP recognizes SIP/2.0 traffic and extracts method and Call-ID.
func classifySIP(payload []byte, packetLen int, iface, srcIP string) (*record.LogRecord, bool) {
	if !utf8.Valid(payload) {
		return nil, false
	}
	text := string(payload)
	if !strings.Contains(text, "SIP/2.0") {
		return nil, false
	}

	method := firstToken(text)
	if method == "SIP/2.0" {
		status := secondToken(text)
		method = "RESPONSE/" + status
	}

	callID := extractCallID(text)

	r := record.New("sniffer")
	r.Event = "SIP_PACKET"
	r.Message = "SIP " + method
	r.Attrs["net.packet_len"] = packetLen
	r.Attrs["net.interface"] = iface
	r.Attrs["sip.method"] = method
	if srcIP != "" {
		r.Attrs["net.src_ip"] = srcIP
	}
	if callID != "" {
		r.Attrs["sip.call_id"] = callID
		r.TraceID = callID
	}
	r.AddTag("SIP")
	r.AddTag("NET")
	return r, true
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func secondToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// extractCallID finds the first Call-ID or compact "i:" header line
// (case-insensitive) and returns the value after the first colon.
func extractCallID(text string) string {
	lines := strings.Split(text, "\r\n")
	if len(lines) == 1 {
		lines = strings.Split(text, "\n")
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "call-id") || strings.HasPrefix(lower, "i:") {
			idx := strings.IndexByte(line, ':')
			if idx < 0 {
				continue
			}
			return strings.TrimSpace(line[idx+1:])
		}
	}
	return ""
}

// classifyRTP recognizes RFC 3550 version-2 RTP packets and reports
// their payload type.
func classifyRTP(payload []byte, packetLen int, iface, srcIP string) (*record.LogRecord, bool) {
	if len(payload) <= 12 {
		return nil, false
	}
	if payload[0]>>6 != 0b10 {
		return nil, false
	}

	pt := payload[1] & 0x7f
	_, fixed := interestingRTPPayloadTypes[pt]
	dynamic := pt >= 96 && pt <= 127
	if !fixed && !dynamic {
		return nil, false
	}

	r := record.New("sniffer")
	r.Event = "RTP_PACKET"
	r.Message = "RTP payload_type=" + strconv.Itoa(int(pt))
	r.Attrs["net.packet_len"] = packetLen
	r.Attrs["net.interface"] = iface
	r.Attrs["rtp.payload_type"] = int(pt)
	if srcIP != "" {
		r.Attrs["net.src_ip"] = srcIP
	}
	r.AddTag("NET")

	if pt == rtpPayloadTypeDTMF {
		r.Severity = record.SeverityWarn
		r.AddTag("DTMF")
	} else {
		r.AddTag("RTP")
	}

	return r, true
}
