package docker

import (
	"context"
	"log/slog"
	"time"

	"sipwatch/internal/bus"
)

// streamContainer runs a log stream for a single container, building a
// LogRecord per line and sending it (blocking) to the ingress bus. It
// reconnects with backoff on stream errors until ctx is cancelled.
func streamContainer(
	ctx context.Context,
	client dockerClient,
	info containerInfo,
	since time.Time,
	stdoutEnabled, stderrEnabled bool,
	logger *slog.Logger,
	out *bus.IngressBus,
	onTimestamp func(containerID string, ts time.Time),
) {
	logger = logger.With("container_id", shortID(info.ID), "container_name", info.Name)
	logger.Info("starting container log stream")

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		err := streamOnce(ctx, client, info, since, stdoutEnabled, stderrEnabled, out, onTimestamp, &since)
		if ctx.Err() != nil {
			logger.Info("container log stream stopped")
			return
		}
		if err != nil {
			logger.Warn("container log stream error, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// streamOnce opens a single log stream and reads until EOF or error.
func streamOnce(
	ctx context.Context,
	client dockerClient,
	info containerInfo,
	since time.Time,
	stdoutEnabled, stderrEnabled bool,
	out *bus.IngressBus,
	onTimestamp func(containerID string, ts time.Time),
	lastTS *time.Time,
) error {
	body, isTTY, err := client.ContainerLogs(ctx, info.ID, since, true, stdoutEnabled, stderrEnabled)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	entries := make(chan logEntry, 64)
	streamErr := make(chan error, 1)

	go func() {
		defer close(entries)
		if isTTY || info.IsTTY {
			streamErr <- readRaw(body, entries)
		} else {
			streamErr <- readMultiplexed(body, entries)
		}
	}()

	done := ctx.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case entry, ok := <-entries:
			if !ok {
				select {
				case err := <-streamErr:
					return err
				default:
					return nil
				}
			}

			isStderr := entry.Stream == "stderr"
			r := buildFromLine(info.Name, string(entry.Line), isStderr)

			if !entry.Timestamp.IsZero() {
				r.TS = entry.Timestamp.UTC().Format(time.RFC3339Nano)
				*lastTS = entry.Timestamp
				if onTimestamp != nil {
					onTimestamp(info.ID, entry.Timestamp)
				}
			}

			sanitizeAndSend(r, out, done)
		}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
