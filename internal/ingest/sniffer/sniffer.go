// Package sniffer passively captures UDP traffic on a network
// interface, classifies packets as SIP or RTP, and emits LogRecords.
package sniffer

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	"sipwatch/internal/bus"
	"sipwatch/internal/geoip"
	"sipwatch/internal/logging"
	"sipwatch/internal/record"
)

// gopacket link-layer type constants used by linkLayerOffset, named
// locally so classify.go doesn't need to import gopacket directly.
// VLAN tagging is not a distinct pcap linktype; it is detected
// dynamically in extractUDPPayload from the Ethernet offset.
const (
	linkTypeEthernet    = int(layers.LinkTypeEthernet)
	linkTypeLinuxCooked = int(layers.LinkTypeLinuxSLL)
	linkTypeLoopback    = int(layers.LinkTypeNull)
)

const (
	snapLen        = 65535
	pollTimeout    = 100 * time.Millisecond
	sleepWhenIdle  = 500 * time.Millisecond
	reopenBackoff  = 2 * time.Second
)

// Config configures a Sniffer instance.
type Config struct {
	Interface string
	Filter    string
	Enabled   bool
	// GeoIP enriches net.src_ip attributes when non-nil.
	GeoIP *geoip.Lookup
}

// Sniffer captures packets on a configured interface. It implements
// ingest.Ingestor and also exposes the runtime Control Surface (§4.9).
type Sniffer struct {
	cfg    Config
	logger *slog.Logger

	control *control

	droppedPackets int64
}

// New constructs a Sniffer from cfg.
func New(cfg Config, logger *slog.Logger) *Sniffer {
	filter := normalizeFilter(cfg.Filter)
	s := &Sniffer{
		cfg:    cfg,
		logger: logging.Default(logger).With("component", logging.ComponentSniffer),
	}
	s.control = newControl(cfg.Interface, filter, cfg.Enabled)
	return s
}

// normalizeFilter treats the literal filter "any" as empty: it is an
// interface sentinel, not a BPF expression.
func normalizeFilter(filter string) string {
	if strings.TrimSpace(strings.ToLower(filter)) == "any" {
		return ""
	}
	return filter
}

// Control returns the runtime control surface for this sniffer.
func (s *Sniffer) Control() *control {
	return s.control
}

// Run implements ingest.Ingestor. The actual packet-capture loop runs
// on a dedicated OS thread (via runtime.LockOSThread) because pcap
// reads block at the OS level and must never share a thread with the
// cooperative scheduler.
func (s *Sniffer) Run(ctx context.Context, out *bus.IngressBus) error {
	handle, err := pcap.OpenLive(s.cfg.Interface, snapLen, true, pollTimeout)
	if err != nil {
		return err
	}
	defer handle.Close()

	if filter := s.control.Filter(); filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			s.logger.Error("failed to apply BPF filter, continuing unfiltered", "filter", filter, "error", err)
		}
	}

	linkType := int(handle.LinkType())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.captureLoop(ctx, handle, linkType, out)
	}()

	select {
	case <-ctx.Done():
		<-done
		return nil
	case <-done:
		return nil
	}
}

// captureLoop is pinned to a dedicated OS thread for its lifetime.
func (s *Sniffer) captureLoop(ctx context.Context, handle *pcap.Handle, linkType int, out *bus.IngressBus) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	offset := linkLayerOffset(linkType)

	for {
		if ctx.Err() != nil {
			return
		}

		if !s.control.Enabled() {
			time.Sleep(sleepWhenIdle)
			continue
		}

		data, _, err := handle.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			s.logger.Warn("packet capture error, backing off", "error", err)
			time.Sleep(reopenBackoff)
			continue
		}

		s.handlePacket(data, offset, out)
	}
}

func (s *Sniffer) handlePacket(data []byte, offset int, out *bus.IngressBus) {
	payload, srcIP, ok := extractUDPPayload(data, offset)
	if !ok {
		return
	}

	result := classify(payload, len(data), s.cfg.Interface, srcIP)
	if !result.ok {
		return
	}

	s.enrichGeoIP(result.record)
	record.SanitizeAndEnrich(result.record)

	if out.TrySend(result.record) {
		if s.droppedPackets > 0 {
			s.logger.Info("recovered", "dropped", s.droppedPackets)
			s.droppedPackets = 0
		}
		return
	}
	s.droppedPackets++
}

func (s *Sniffer) enrichGeoIP(r *record.LogRecord) {
	if s.cfg.GeoIP == nil {
		return
	}
	srcIP, ok := r.Attrs["net.src_ip"]
	if !ok {
		return
	}
	ip, ok := srcIP.(string)
	if !ok || ip == "" {
		return
	}
	for k, v := range s.cfg.GeoIP.Resolve(ip) {
		r.Attrs[k] = v
	}
}
