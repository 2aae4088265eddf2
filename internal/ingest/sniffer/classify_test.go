package sniffer

import (
	"testing"
)

func ipv4UDPPacket(ethOffset int, payload []byte) []byte {
	data := make([]byte, ethOffset)
	ipHeader := []byte{
		0x45, 0x00, 0x00, 0x00, // version/IHL, TOS, total length (unused by parser)
		0x00, 0x00, 0x00, 0x00, // ident, flags/frag
		0x40, 17, 0x00, 0x00, // TTL, protocol=UDP, checksum
		10, 0, 0, 1, // src ip
		10, 0, 0, 2, // dst ip
	}
	udpHeader := []byte{0x13, 0xc4, 0x13, 0xc4, 0x00, 0x00, 0x00, 0x00} // ports + len/checksum unused
	data = append(data, ipHeader...)
	data = append(data, udpHeader...)
	data = append(data, payload...)
	return data
}

func TestExtractUDPPayloadEthernet(t *testing.T) {
	sip := []byte("INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: abc123\r\n\r\n")
	data := ipv4UDPPacket(offsetEthernet, sip)

	payload, srcIP, ok := extractUDPPayload(data, offsetEthernet)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if string(payload) != string(sip) {
		t.Errorf("payload mismatch: got %q", payload)
	}
	if srcIP != "10.0.0.1" {
		t.Errorf("srcIP = %q, want 10.0.0.1", srcIP)
	}
}

func TestExtractUDPPayloadTooShort(t *testing.T) {
	_, _, ok := extractUDPPayload([]byte{1, 2, 3}, offsetEthernet)
	if ok {
		t.Error("expected ok=false for truncated packet")
	}
}

func TestExtractUDPPayloadNonIPv4(t *testing.T) {
	data := make([]byte, offsetEthernet+20)
	data[offsetEthernet] = 0x60 // version 6
	_, _, ok := extractUDPPayload(data, offsetEthernet)
	if ok {
		t.Error("expected ok=false for non-IPv4 packet")
	}
}

func TestExtractUDPPayloadNonUDP(t *testing.T) {
	data := ipv4UDPPacket(offsetEthernet, []byte("hello"))
	data[offsetEthernet+9] = 6 // TCP
	_, _, ok := extractUDPPayload(data, offsetEthernet)
	if ok {
		t.Error("expected ok=false for non-UDP protocol")
	}
}

func TestExtractUDPPayloadVLANTagDetected(t *testing.T) {
	data := make([]byte, offsetVLANEthernet)
	data[12] = 0x81
	data[13] = 0x00
	data = append(data, ipv4UDPPacket(0, []byte("payload"))...)

	payload, _, ok := extractUDPPayload(data, offsetEthernet)
	if !ok {
		t.Fatal("expected ok=true for VLAN-tagged frame")
	}
	if string(payload) != "payload" {
		t.Errorf("payload = %q, want \"payload\"", payload)
	}
}

func TestClassifySIPRequest(t *testing.T) {
	payload := []byte("INVITE sip:bob@example.com SIP/2.0\r\nCall-ID: call-42@host\r\nFrom: alice\r\n\r\n")
	r, ok := classifySIP(payload, len(payload), "eth0", "10.0.0.1")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if r.Event != "SIP_PACKET" {
		t.Errorf("event = %q", r.Event)
	}
	if r.Attrs["sip.method"] != "INVITE" {
		t.Errorf("method = %v", r.Attrs["sip.method"])
	}
	if r.TraceID != "call-42@host" {
		t.Errorf("trace id = %q", r.TraceID)
	}
	if r.Attrs["net.src_ip"] != "10.0.0.1" {
		t.Errorf("net.src_ip = %v", r.Attrs["net.src_ip"])
	}
	if !r.HasTag("SIP") || !r.HasTag("NET") {
		t.Errorf("tags = %v", r.SmartTags)
	}
}

func TestClassifySIPResponse(t *testing.T) {
	payload := []byte("SIP/2.0 200 OK\r\nCall-ID: call-7\r\n\r\n")
	r, ok := classifySIP(payload, len(payload), "eth0", "")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if r.Attrs["sip.method"] != "RESPONSE/200" {
		t.Errorf("method = %v, want RESPONSE/200", r.Attrs["sip.method"])
	}
}

func TestClassifySIPCompactCallIDHeader(t *testing.T) {
	payload := []byte("BYE sip:bob@example.com SIP/2.0\r\ni: compact-call-id\r\n\r\n")
	r, ok := classifySIP(payload, len(payload), "eth0", "")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if r.TraceID != "compact-call-id" {
		t.Errorf("trace id = %q, want compact-call-id", r.TraceID)
	}
}

func TestClassifySIPRejectsNonSIPPayload(t *testing.T) {
	_, ok := classifySIP([]byte("not sip traffic at all"), 20, "eth0", "")
	if ok {
		t.Error("expected ok=false for non-SIP payload")
	}
}

func TestClassifyRTPFixedPayloadType(t *testing.T) {
	payload := make([]byte, 20)
	payload[0] = 0b10000000 // version 2, no padding/extension/csrc
	payload[1] = 0           // PT 0 (PCMU)
	r, ok := classifyRTP(payload, len(payload), "eth0", "10.0.0.1")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !r.HasTag("RTP") {
		t.Errorf("tags = %v, want RTP", r.SmartTags)
	}
	if r.HasTag("DTMF") {
		t.Error("unexpected DTMF tag for PT=0")
	}
	if r.Attrs["net.src_ip"] != "10.0.0.1" {
		t.Errorf("net.src_ip = %v", r.Attrs["net.src_ip"])
	}
}

func TestClassifyRTPDynamicPayloadType(t *testing.T) {
	payload := make([]byte, 20)
	payload[0] = 0b10000000
	payload[1] = 110
	_, ok := classifyRTP(payload, len(payload), "eth0", "")
	if !ok {
		t.Fatal("expected ok=true for dynamic payload type in range")
	}
}

func TestClassifyRTPDTMFSetsWarnSeverityAndTag(t *testing.T) {
	payload := make([]byte, 20)
	payload[0] = 0b10000000
	payload[1] = rtpPayloadTypeDTMF
	r, ok := classifyRTP(payload, len(payload), "eth0", "")
	if !ok {
		t.Fatal("expected ok=true")
	}
	if r.Severity != "WARN" {
		t.Errorf("severity = %q, want WARN", r.Severity)
	}
	if !r.HasTag("DTMF") {
		t.Errorf("tags = %v, want DTMF", r.SmartTags)
	}
}

func TestClassifyRTPRejectsWrongVersion(t *testing.T) {
	payload := make([]byte, 20)
	payload[0] = 0b01000000 // version 1
	_, ok := classifyRTP(payload, len(payload), "eth0", "")
	if ok {
		t.Error("expected ok=false for non-version-2 payload")
	}
}

func TestClassifyRTPRejectsUninterestingPayloadType(t *testing.T) {
	payload := make([]byte, 20)
	payload[0] = 0b10000000
	payload[1] = 50 // not in fixed set, not in 96-127 dynamic range
	_, ok := classifyRTP(payload, len(payload), "eth0", "")
	if ok {
		t.Error("expected ok=false for uninteresting payload type")
	}
}

func TestClassifyPrefersSIPOverRTP(t *testing.T) {
	payload := []byte("OPTIONS sip:ping SIP/2.0\r\nCall-ID: x\r\n\r\n")
	result := classify(payload, len(payload), "eth0", "")
	if !result.ok || result.record.Event != "SIP_PACKET" {
		t.Errorf("expected SIP classification, got %+v", result)
	}
}

func TestClassifyReturnsNotOKForUnrecognizedPayload(t *testing.T) {
	result := classify([]byte{0, 0, 0, 0}, 4, "eth0", "")
	if result.ok {
		t.Error("expected ok=false for unrecognized short payload")
	}
}

func TestLinkLayerOffsetDefaultsToEthernet(t *testing.T) {
	if got := linkLayerOffset(999999); got != offsetEthernet {
		t.Errorf("linkLayerOffset(unknown) = %d, want %d", got, offsetEthernet)
	}
}
