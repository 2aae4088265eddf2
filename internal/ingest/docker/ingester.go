// Package docker discovers local containers and follows their combined
// stdout/stderr, emitting one LogRecord per non-empty line.
package docker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"sipwatch/internal/bus"
	"sipwatch/internal/callgroup"
	"sipwatch/internal/logging"
)

// discoveryInterval is the fixed discovery tick mandated by spec §4.4.
const discoveryInterval = 5 * time.Second

// loopPreventionSubstring excludes this collector's own container from
// being followed, avoiding a self-ingestion loop.
const loopPreventionSubstring = "observer"

// Config controls a single Ingester instance.
type Config struct {
	// DockerHost is the daemon endpoint, e.g. "unix:///var/run/docker.sock".
	DockerHost string
	UseTLS     bool

	Stdout bool
	Stderr bool
}

// trackedContainer holds per-container state during ingester operation.
type trackedContainer struct {
	info   containerInfo
	cancel context.CancelFunc
}

// Ingester tails Docker container logs via the Docker Engine API. It
// implements ingest.Ingestor.
type Ingester struct {
	client dockerClient
	stdout bool
	stderr bool
	logger *slog.Logger

	inspectGroup callgroup.Group[string]

	mu         sync.Mutex
	containers map[string]*trackedContainer
	lastTS     map[string]time.Time
}

// New constructs an Ingester against the Docker daemon described by cfg.
func New(cfg Config, logger *slog.Logger) (*Ingester, error) {
	client, err := newSDKDockerClient(cfg.DockerHost, cfg.UseTLS, nil)
	if err != nil {
		return nil, err
	}
	return &Ingester{
		client:     client,
		stdout:     cfg.Stdout,
		stderr:     cfg.Stderr,
		logger:     logging.Default(logger).With("component", logging.ComponentDocker),
		containers: make(map[string]*trackedContainer),
		lastTS:     make(map[string]time.Time),
	}, nil
}

// Run implements ingest.Ingestor.
func (ing *Ingester) Run(ctx context.Context, out *bus.IngressBus) error {
	if err := ing.waitForDocker(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup

	containers, err := ing.client.ContainerList(ctx)
	if err != nil {
		ing.logger.Warn("initial container list failed", "error", err)
	} else {
		for _, c := range containers {
			ing.startContainer(ctx, c, out, &wg)
		}
	}

	wg.Go(func() {
		ing.eventLoop(ctx, out, &wg)
	})

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		ing.logger.Warn("failed to start discovery scheduler, falling back to no periodic discovery", "error", err)
	} else {
		_, err = scheduler.NewJob(
			gocron.DurationJob(discoveryInterval),
			gocron.NewTask(func() { ing.discoveryTick(ctx, out, &wg) }),
		)
		if err != nil {
			ing.logger.Warn("failed to schedule discovery job", "error", err)
		} else {
			scheduler.Start()
			defer func() { _ = scheduler.Shutdown() }()
		}
	}

	<-ctx.Done()

	ing.mu.Lock()
	for _, tc := range ing.containers {
		tc.cancel()
	}
	ing.mu.Unlock()

	wg.Wait()
	return nil
}

// waitForDocker retries connecting to the Docker daemon with backoff.
func (ing *Ingester) waitForDocker(ctx context.Context) error {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		_, err := ing.client.ContainerList(ctx)
		if err == nil {
			ing.logger.Info("connected to Docker daemon")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ing.logger.Warn("Docker daemon not ready, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// startContainer begins streaming logs for a container unless it is
// already tracked or matches the loop-prevention substring.
func (ing *Ingester) startContainer(ctx context.Context, info containerInfo, out *bus.IngressBus, wg *sync.WaitGroup) {
	if strings.Contains(strings.ToLower(info.Name), loopPreventionSubstring) {
		return
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()

	if _, exists := ing.containers[info.ID]; exists {
		return
	}

	since := time.Now()
	if ts, ok := ing.lastTS[info.ID]; ok {
		since = ts.Add(time.Nanosecond)
	}

	cctx, cancel := context.WithCancel(ctx)
	ing.containers[info.ID] = &trackedContainer{info: info, cancel: cancel}

	logger := ing.logger
	wg.Go(func() {
		streamContainer(cctx, ing.client, info, since, ing.stdout, ing.stderr, logger, out, ing.updateTimestamp)
		ing.mu.Lock()
		delete(ing.containers, info.ID)
		ing.mu.Unlock()
	})
}

// stopContainer cancels the log stream for a container; the goroutine
// removes itself from the tracked map when it exits.
func (ing *Ingester) stopContainer(id string) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if tc, exists := ing.containers[id]; exists {
		tc.cancel()
	}
}

// updateTimestamp records the last seen timestamp for a container, used
// as the next discovery tick's "since" so no lines are lost between scans.
func (ing *Ingester) updateTimestamp(containerID string, ts time.Time) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if existing, ok := ing.lastTS[containerID]; !ok || ts.After(existing) {
		ing.lastTS[containerID] = ts
	}
}

// eventLoop listens for Docker container events and starts/stops streams,
// reconnecting with backoff if the events stream drops.
func (ing *Ingester) eventLoop(ctx context.Context, out *bus.IngressBus, wg *sync.WaitGroup) {
	backoff := 1 * time.Second

	for {
		events, errs := ing.client.Events(ctx)
		backoff = 1 * time.Second

	inner:
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-events:
				if !ok {
					break inner
				}
				ing.handleEvent(ctx, event, out, wg)

			case err, ok := <-errs:
				if !ok {
					break inner
				}
				if ctx.Err() != nil {
					return
				}
				ing.logger.Warn("events stream error", "error", err)
				break inner
			}
		}

		if ctx.Err() != nil {
			return
		}
		ing.logger.Warn("events stream ended, reconnecting", "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// handleEvent processes a single Docker container event. ContainerInspect
// calls triggered by a burst of events for the same container id are
// deduplicated via inspectGroup so a restart storm doesn't hammer the
// Docker API.
func (ing *Ingester) handleEvent(ctx context.Context, event containerEvent, out *bus.IngressBus, wg *sync.WaitGroup) {
	switch event.Action {
	case "start":
		var info containerInfo
		errCh := ing.inspectGroup.DoChan(event.ContainerID, func() error {
			i, err := ing.client.ContainerInspect(ctx, event.ContainerID)
			if err != nil {
				return err
			}
			info = i
			return nil
		})
		if err := <-errCh; err != nil {
			ing.logger.Warn("failed to inspect container on start event", "container_id", shortID(event.ContainerID), "error", err)
			return
		}
		ing.startContainer(ctx, info, out, wg)

	case "stop", "die", "destroy":
		ing.stopContainer(event.ContainerID)
	}
}

// discoveryTick re-lists containers and starts any new ones. Driven by
// the gocron job scheduled in Run.
func (ing *Ingester) discoveryTick(ctx context.Context, out *bus.IngressBus, wg *sync.WaitGroup) {
	containers, err := ing.client.ContainerList(ctx)
	if err != nil {
		ing.logger.Warn("discovery container list failed", "error", err)
		return
	}
	for _, c := range containers {
		ing.startContainer(ctx, c, out, wg)
	}
}
