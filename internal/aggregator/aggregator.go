// Package aggregator correlates LogRecords into bounded, TTL-evicted
// CallSessions and forwards every record on to the fan-out bus.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sipwatch/internal/bus"
	"sipwatch/internal/logging"
	"sipwatch/internal/record"
)

// Status values for a CallSession.
const (
	StatusActive    = "Active"
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
)

// maxLogsPerSession bounds the tail of logs kept per session; logs_count
// still tracks the true cumulative total.
const maxLogsPerSession = 50

// sweepInterval is the period of the independent TTL eviction sweep.
const sweepInterval = 10 * time.Second

// CallSession is the aggregator's per-correlation state.
type CallSession struct {
	SessionID    string             `json:"session_id"`
	StartTime    string             `json:"start_time"`
	LastUpdateTS int64              `json:"last_update_ts"`
	LogsCount    int                `json:"logs_count"`
	Logs         []*record.LogRecord `json:"logs"`
	Status       string             `json:"status"`
	Anomalies    []string           `json:"anomalies"`
}

// Config controls the aggregator's capacity and retention behavior.
type Config struct {
	MaxActiveSessions int
	SessionTTL        time.Duration
}

// DefaultConfig returns the spec-mandated defaults (M=10000, T=300s).
func DefaultConfig() Config {
	return Config{MaxActiveSessions: 10000, SessionTTL: 300 * time.Second}
}

// Aggregator owns the session map exclusively; it is never touched
// outside of Run's single goroutine.
type Aggregator struct {
	cfg      Config
	in       *bus.IngressBus
	out      *bus.FanoutBus
	logger   *slog.Logger
	sessions map[string]*CallSession

	idxCounter int64
}

// New constructs an Aggregator reading from in and publishing to out.
func New(cfg Config, in *bus.IngressBus, out *bus.FanoutBus, logger *slog.Logger) *Aggregator {
	if cfg.MaxActiveSessions <= 0 {
		cfg.MaxActiveSessions = DefaultConfig().MaxActiveSessions
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig().SessionTTL
	}
	return &Aggregator{
		cfg:      cfg,
		in:       in,
		out:      out,
		logger:   logging.Default(logger).With("component", logging.ComponentAggregator),
		sessions: make(map[string]*CallSession),
	}
}

// Run drains the ingress bus and runs the periodic eviction sweep until
// ctx is cancelled or the ingress channel is closed. On cancellation it
// first admits every record still queued on the ingress bus.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	a.logger.Info("aggregator starting", "max_sessions", a.cfg.MaxActiveSessions, "ttl", a.cfg.SessionTTL)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("aggregator stopping")
			for {
				select {
				case r, ok := <-a.in.Recv():
					if !ok {
						return nil
					}
					a.admit(r)
				default:
					return nil
				}
			}
		case r, ok := <-a.in.Recv():
			if !ok {
				a.logger.Info("ingress bus closed, aggregator exiting")
				return nil
			}
			a.admit(r)
		case <-ticker.C:
			a.sweep()
		}
	}
}

// nextIdx assigns a strictly increasing _idx, expressed as
// microseconds-since-epoch/1000 per spec, nudged forward when the clock
// hasn't advanced since the previous record.
func (a *Aggregator) nextIdx() float64 {
	now := time.Now().UnixMicro()
	if now <= a.idxCounter {
		now = a.idxCounter + 1
	}
	a.idxCounter = now
	return float64(now) / 1000.0
}

// admit runs the per-record admission algorithm from spec §4.7.
func (a *Aggregator) admit(r *record.LogRecord) {
	r.Idx = a.nextIdx()

	if r.TraceID == "" {
		if v, ok := r.Attrs["sip.call_id"]; ok {
			if s, ok := v.(string); ok && s != "" {
				r.TraceID = s
			}
		}
	}

	if r.TraceID == "" {
		a.out.Publish(r)
		return
	}

	sess, ok := a.sessions[r.TraceID]
	if !ok {
		if len(a.sessions) >= a.cfg.MaxActiveSessions {
			a.forceCleanup()
		}
		if len(a.sessions) >= a.cfg.MaxActiveSessions {
			// Still at capacity after an emergency purge: refuse new
			// session creation but still forward the record downstream.
			a.logger.Warn("aggregator at capacity, refusing new session", "trace_id", r.TraceID)
			a.out.Publish(r)
			return
		}
		sess = &CallSession{
			SessionID: r.TraceID,
			StartTime: r.TS,
			Status:    StatusActive,
		}
		a.sessions[r.TraceID] = sess
	}

	sess.LastUpdateTS = time.Now().Unix()
	sess.LogsCount++
	sess.Logs = append(sess.Logs, r)
	if len(sess.Logs) > maxLogsPerSession {
		sess.Logs = sess.Logs[len(sess.Logs)-maxLogsPerSession:]
	}

	switch r.Severity {
	case record.SeverityError, record.SeverityFatal:
		sess.Status = StatusFailed
		sess.Anomalies = append(sess.Anomalies, fmt.Sprintf("[%s] %s", r.Severity, r.Message))
	}

	if sess.Status != StatusFailed {
		switch r.Event {
		case "CALL_TERMINATED", "BYE":
			sess.Status = StatusCompleted
		}
	}

	a.out.Publish(r)
}

// sweep drops sessions past TTL, then escalates to a half-TTL emergency
// purge if the map is still over capacity.
func (a *Aggregator) sweep() {
	removed := a.evict(a.cfg.SessionTTL)
	if len(a.sessions) > a.cfg.MaxActiveSessions {
		removed += a.evict(a.cfg.SessionTTL / 2)
	}
	if removed > 0 {
		a.logger.Info("aggregator evicted sessions", "count", removed, "remaining", len(a.sessions))
	}
}

// forceCleanup runs the emergency half-TTL purge synchronously during
// admission, when a new session is needed but the map is already full.
func (a *Aggregator) forceCleanup() {
	removed := a.evict(a.cfg.SessionTTL / 2)
	if removed > 0 {
		a.logger.Warn("aggregator pressure purge", "count", removed, "remaining", len(a.sessions))
	}
}

// evict removes every session whose last update is older than ttl and
// returns the number removed.
func (a *Aggregator) evict(ttl time.Duration) int {
	now := time.Now().Unix()
	threshold := int64(ttl.Seconds())
	removed := 0
	for id, sess := range a.sessions {
		if now-sess.LastUpdateTS >= threshold {
			delete(a.sessions, id)
			removed++
		}
	}
	return removed
}

// SessionCount reports the number of live sessions. Intended for tests
// and diagnostics only; callers must not use it from outside the
// aggregator's own goroutine in production code.
func (a *Aggregator) SessionCount() int {
	return len(a.sessions)
}
