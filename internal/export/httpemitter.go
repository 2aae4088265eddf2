package export

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"sipwatch/internal/logging"
	"sipwatch/internal/record"
)

// connectTimeout is the HTTP client timeout: it bounds every request to
// the upstream observer as a whole, connection setup included.
const connectTimeout = 5 * time.Second

// envelope matches the rpcingress wire shape: an opaque JSON-encoded
// LogRecord carried as a string, not a structured field.
type envelope struct {
	RawJSONLog string `json:"raw_json_log"`
}

// HTTPEmitter forwards batches to an upstream sipwatch node's RPC
// ingress endpoint. The HTTP client is dialed lazily: only the first
// EmitBatch call pays the connect cost, guarded by a read/write lock
// so concurrent callers never race to set it up twice.
type HTTPEmitter struct {
	url    string
	logger *slog.Logger

	mu        sync.RWMutex
	client    *http.Client
	connected bool
}

// NewHTTPEmitter constructs an emitter targeting url (the upstream's
// POST /v1/ingest endpoint).
func NewHTTPEmitter(url string, logger *slog.Logger) *HTTPEmitter {
	return &HTTPEmitter{
		url:    url,
		logger: logging.Default(logger).With("component", logging.ComponentExport, "emitter", "http"),
	}
}

// Name identifies this emitter in logs.
func (e *HTTPEmitter) Name() string { return "http-upstream" }

// connect returns the lazily-initialized HTTP client, double-checking
// under the write lock so only the first caller pays the setup cost.
func (e *HTTPEmitter) connect() *http.Client {
	e.mu.RLock()
	if e.connected {
		c := e.client
		e.mu.RUnlock()
		return c
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return e.client
	}

	e.logger.Info("connecting to upstream observer", "url", e.url)
	e.client = &http.Client{Timeout: connectTimeout}
	e.connected = true
	return e.client
}

// EmitBatch sends each record in the batch as its own raw_json_log
// envelope. Serialization failures skip the offending record; per-record
// send failures are counted but never abort the batch.
func (e *HTTPEmitter) EmitBatch(ctx context.Context, batch []*record.LogRecord) error {
	client := e.connect()

	var failed int
	for _, r := range batch {
		body, err := json.Marshal(r)
		if err != nil {
			e.logger.Warn("record serialization failed, skipping", "error", err)
			continue
		}

		env, err := json.Marshal(envelope{RawJSONLog: string(body)})
		if err != nil {
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(env))
		if err != nil {
			failed++
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			failed++
			continue
		}
		_ = resp.Body.Close()
	}

	if failed > 0 {
		e.logger.Warn("some records failed to reach upstream", "failed", failed, "batch_size", len(batch))
	}
	return nil
}
