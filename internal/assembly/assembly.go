// Package assembly wires every ingestor into the ingress bus, the
// ingress bus into the aggregator and the fan-out bus, the fan-out bus
// into the exporter, and owns context-cancellation-driven shutdown of
// the whole pipeline.
package assembly

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"sipwatch/internal/aggregator"
	"sipwatch/internal/bus"
	"sipwatch/internal/config"
	"sipwatch/internal/export"
	"sipwatch/internal/geoip"
	"sipwatch/internal/ingest"
	"sipwatch/internal/ingest/docker"
	"sipwatch/internal/ingest/rpcingress"
	"sipwatch/internal/ingest/sniffer"
	"sipwatch/internal/logging"
	"sipwatch/internal/record"
)

// Pipeline owns every wired subsystem of a running node.
type Pipeline struct {
	cfg    config.Config
	logger *slog.Logger

	ingress *bus.IngressBus
	fanout  *bus.FanoutBus
	geo     *geoip.Lookup

	aggregator *aggregator.Aggregator
	rpcServer  *rpcingress.Server
	sniffer    *sniffer.Sniffer
	batcher    *export.Batcher

	ingestors []ingest.Ingestor
}

// New constructs every component described by cfg but starts nothing.
func New(cfg config.Config, logger *slog.Logger) (*Pipeline, error) {
	logger = logging.Default(logger)

	p := &Pipeline{
		cfg:     cfg,
		logger:  logger.With("component", logging.ComponentAssembly),
		ingress: bus.NewIngressBus(cfg.IngressBusCapacity),
		fanout:  bus.NewFanoutBus(cfg.FanoutBusCapacity),
	}

	if cfg.GeoIPDBPath != "" {
		p.geo = geoip.New()
		if err := p.geo.Load(cfg.GeoIPDBPath); err != nil {
			logger.Warn("failed to load GeoIP database, enrichment disabled", "path", cfg.GeoIPDBPath, "error", err)
		} else if err := p.geo.WatchFile(cfg.GeoIPDBPath); err != nil {
			logger.Warn("failed to watch GeoIP database for changes", "path", cfg.GeoIPDBPath, "error", err)
		}
	}

	p.aggregator = aggregator.New(
		aggregator.Config{MaxActiveSessions: cfg.MaxActiveSessions, SessionTTL: cfg.SessionTTL},
		p.ingress, p.fanout, logger,
	)

	dockerIngester, err := docker.New(docker.Config{
		DockerHost: cfg.DockerSocket,
		Stdout:     true,
		Stderr:     true,
	}, logger)
	if err != nil {
		logger.Warn("docker ingestor unavailable, continuing without it", "error", err)
	} else {
		p.ingestors = append(p.ingestors, dockerIngester)
	}

	// The sniffer is always started; cfg.SnifferEnabled only seeds the
	// control surface's initial atomic state. This lets enable()/disable()
	// toggle capture at runtime without ever reopening the pcap handle.
	p.sniffer = sniffer.New(sniffer.Config{
		Interface: cfg.SnifferInterface,
		Filter:    cfg.SnifferFilter,
		Enabled:   cfg.SnifferEnabled,
		GeoIP:     p.geo,
	}, logger)
	p.ingestors = append(p.ingestors, p.sniffer)

	p.rpcServer = rpcingress.New(rpcingress.Config{
		Addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort)),
	}, logger)
	p.ingestors = append(p.ingestors, p.rpcServer)

	var emitters []export.Emitter
	if cfg.UpstreamObserverURL != "" {
		emitters = append(emitters, export.NewHTTPEmitter(cfg.UpstreamObserverURL, logger))
	}
	p.batcher = export.New(export.DefaultConfig(), p.fanout.Subscribe(), emitters, logger)

	return p, nil
}

// Run starts every subsystem and blocks until ctx is cancelled, then
// waits for every subsystem to finish shutting down.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	for _, ing := range p.ingestors {
		wg.Go(func() {
			if err := ing.Run(ctx, p.ingress); err != nil {
				p.logger.Error("ingestor exited with error", "error", err)
			}
		})
	}

	wg.Go(func() {
		if err := p.aggregator.Run(ctx); err != nil {
			p.logger.Error("aggregator exited with error", "error", err)
		}
	})

	wg.Go(func() {
		if err := p.batcher.Run(ctx); err != nil {
			p.logger.Error("export batcher exited with error", "error", err)
		}
	})

	<-ctx.Done()
	wg.Wait()

	if p.geo != nil {
		p.geo.Close()
	}

	return nil
}

// SnifferControl exposes the running sniffer's control surface for the
// out-of-scope HTTP layer. The sniffer always runs; SnifferEnabled only
// seeds its initial enabled/disabled state.
func (p *Pipeline) SnifferControl() interface {
	StatusReport() sniffer.Status
	Enable()
	Disable()
} {
	return p.sniffer.Control()
}

// Subscribe registers a new live fan-out subscriber, for the
// out-of-scope dashboard layer.
func (p *Pipeline) Subscribe() <-chan *record.LogRecord {
	return p.fanout.Subscribe()
}

// Unsubscribe releases a subscriber registered via Subscribe.
func (p *Pipeline) Unsubscribe(ch <-chan *record.LogRecord) {
	p.fanout.Unsubscribe(ch)
}
