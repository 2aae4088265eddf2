package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"sipwatch/internal/record"
)

func TestHTTPEmitterSendsEnvelopePerRecord(t *testing.T) {
	var received int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		if env.RawJSONLog == "" {
			t.Error("expected non-empty raw_json_log")
		}
		atomic.AddInt64(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPEmitter(srv.URL, nil)
	batch := []*record.LogRecord{record.New("a"), record.New("b")}

	if err := e.EmitBatch(context.Background(), batch); err != nil {
		t.Fatalf("EmitBatch returned error: %v", err)
	}
	if got := atomic.LoadInt64(&received); got != 2 {
		t.Errorf("received = %d, want 2", got)
	}
}

func TestHTTPEmitterCountsFailuresWithoutAborting(t *testing.T) {
	e := NewHTTPEmitter("http://127.0.0.1:0", nil)
	batch := []*record.LogRecord{record.New("a"), record.New("b")}

	if err := e.EmitBatch(context.Background(), batch); err != nil {
		t.Errorf("EmitBatch should not return error on per-record failures, got %v", err)
	}
}

func TestHTTPEmitterLazyConnectOnlyOnce(t *testing.T) {
	e := NewHTTPEmitter("http://example.invalid", nil)
	c1 := e.connect()
	c2 := e.connect()
	if c1 != c2 {
		t.Error("expected the same client instance across calls")
	}
}
