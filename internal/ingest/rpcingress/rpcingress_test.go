package rpcingress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sipwatch/internal/bus"
	"sipwatch/internal/record"
)

func TestHandleIngestValidEnvelope(t *testing.T) {
	s := &Server{out: bus.NewIngressBus(4)}

	inner := record.New("peer-service")
	inner.Event = "CALL_STARTED"
	innerJSON, _ := json.Marshal(inner)
	env, _ := json.Marshal(envelope{RawJSONLog: string(innerJSON)})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(string(env)))
	req.Header.Set("User-Agent", "sipwatch-peer/1.0")
	w := httptest.NewRecorder()

	s.handleIngest(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}

	got := <-s.out.Recv()
	if got.Attrs["source"] != "grpc" {
		t.Errorf("source attr = %v, want grpc", got.Attrs["source"])
	}
	if !got.HasTag("GRPC") || !got.HasTag("REMOTE") {
		t.Errorf("tags = %v", got.SmartTags)
	}
	if got.Event != "CALL_STARTED" {
		t.Errorf("event = %q, want CALL_STARTED", got.Event)
	}
}

func TestHandleIngestMalformedEnvelopeSynthesizesWarning(t *testing.T) {
	s := &Server{out: bus.NewIngressBus(4)}

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader("not json"))
	w := httptest.NewRecorder()

	s.handleIngest(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even on parse failure", w.Code)
	}

	got := <-s.out.Recv()
	if got.Event != "GRPC_PARSE_ERROR" {
		t.Errorf("event = %q, want GRPC_PARSE_ERROR", got.Event)
	}
	if got.Severity != record.SeverityWarn {
		t.Errorf("severity = %q, want WARN", got.Severity)
	}
	if got.Attrs["source"] != "grpc" {
		t.Errorf("source attr = %v, want grpc even on parse failure", got.Attrs["source"])
	}
}

func TestHandleIngestMalformedInnerRecord(t *testing.T) {
	s := &Server{out: bus.NewIngressBus(4)}

	env, _ := json.Marshal(envelope{RawJSONLog: "{not valid json"})
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(string(env)))
	w := httptest.NewRecorder()

	s.handleIngest(w, req)

	got := <-s.out.Recv()
	if got.Event != "GRPC_PARSE_ERROR" {
		t.Errorf("event = %q, want GRPC_PARSE_ERROR", got.Event)
	}
}

func TestHandleIngestRunsEnrichmentPipeline(t *testing.T) {
	s := &Server{out: bus.NewIngressBus(4)}

	inner := record.New("peer-service")
	inner.Attrs["sip.call_id"] = "abc123@peer"
	innerJSON, _ := json.Marshal(inner)
	env, _ := json.Marshal(envelope{RawJSONLog: string(innerJSON)})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader(string(env)))
	w := httptest.NewRecorder()

	s.handleIngest(w, req)

	got := <-s.out.Recv()
	if got.TraceID != "abc123@peer" {
		t.Errorf("trace_id = %q, want promoted from sip.call_id (SanitizeAndEnrich did not run)", got.TraceID)
	}
}

func TestParsePeerAgentEmpty(t *testing.T) {
	if got := parsePeerAgent(""); got != "" {
		t.Errorf("parsePeerAgent(\"\") = %q, want empty", got)
	}
}
