// Package config loads process configuration from the environment.
// Parsing failures fall back to documented defaults; nothing here ever
// aborts startup.
package config

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds every environment-configurable setting named in this
// system's external interface.
type Config struct {
	Host     string
	HTTPPort int
	GRPCPort int
	// MetricPort is reserved; nothing currently binds it.
	MetricPort int

	DockerSocket string

	SnifferEnabled   bool
	SnifferInterface string
	SnifferFilter    string

	MaxActiveSessions int
	SessionTTL        time.Duration

	UpstreamObserverURL string

	NodeName string

	IngressBusCapacity int
	FanoutBusCapacity  int

	GeoIPDBPath string
}

// Load reads Config from the environment, applying defaults for any
// variable that is unset or fails to parse.
func Load(logger *slog.Logger) Config {
	return Config{
		Host:                getString("HOST", "0.0.0.0"),
		HTTPPort:            getInt(logger, "HTTP_PORT", 11070),
		GRPCPort:            getInt(logger, "GRPC_PORT", 11071),
		MetricPort:          getInt(logger, "METRIC_PORT", 0),
		DockerSocket:        getString("DOCKER_SOCKET", defaultDockerSocket()),
		SnifferEnabled:      getBool(logger, "SNIFFER_ENABLED", false),
		SnifferInterface:    getString("SNIFFER_INTERFACE", defaultSnifferInterface()),
		SnifferFilter:       getString("SNIFFER_FILTER", "port 5060 or port 5061"),
		MaxActiveSessions:   getInt(logger, "MAX_ACTIVE_SESSIONS", 10000),
		SessionTTL:          getSeconds(logger, "SESSION_TTL_SECONDS", 300),
		UpstreamObserverURL: getString("UPSTREAM_OBSERVER_URL", ""),
		NodeName:            getNodeName(logger),
		IngressBusCapacity:  getInt(logger, "INGRESS_BUS_CAPACITY", 10000),
		FanoutBusCapacity:   getInt(logger, "FANOUT_BUS_CAPACITY", 1000),
		GeoIPDBPath:         getString("GEOIP_DB_PATH", ""),
	}
}

func defaultDockerSocket() string {
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

func defaultSnifferInterface() string {
	if runtime.GOOS == "linux" {
		return "any"
	}
	return "lo0"
}

func getNodeName(logger *slog.Logger) string {
	if v := os.Getenv("NODE_NAME"); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil {
		if logger != nil {
			logger.Warn("failed to resolve hostname, using default node name", "error", err)
		}
		return "unknown-node"
	}
	return host
}

func getString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(logger *slog.Logger, key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid integer env var, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return n
}

func getSeconds(logger *slog.Logger, key string, defSeconds int) time.Duration {
	return time.Duration(getInt(logger, key, defSeconds)) * time.Second
}

func getBool(logger *slog.Logger, key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid boolean env var, using default", "key", key, "value", v, "default", def)
		}
		return def
	}
	return b
}
