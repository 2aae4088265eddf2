package assembly

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"sipwatch/internal/config"
)

func TestNewWiresSnifferDisabledByDefault(t *testing.T) {
	cfg := config.Config{
		Host:               "127.0.0.1",
		GRPCPort:           0,
		MaxActiveSessions:  100,
		SessionTTL:         time.Minute,
		IngressBusCapacity: 16,
		FanoutBusCapacity:  1000,
		DockerSocket:       "unix:///nonexistent/docker.sock",
		SnifferEnabled:     false,
	}

	p, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctrl := p.SnifferControl()
	if ctrl == nil {
		t.Fatal("expected non-nil sniffer control: the sniffer always runs, only its enabled state varies")
	}
	if ctrl.StatusReport().Active {
		t.Error("expected sniffer to start disabled when SnifferEnabled is false")
	}
}

func TestPipelineRunStopsOnContextCancel(t *testing.T) {
	cfg := config.Config{
		Host:               "127.0.0.1",
		GRPCPort:           0,
		MaxActiveSessions:  100,
		SessionTTL:         time.Minute,
		IngressBusCapacity: 16,
		FanoutBusCapacity:  1000,
		DockerSocket:       "unix:///nonexistent/docker.sock",
	}
	p, err := New(cfg, slog.Default())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
