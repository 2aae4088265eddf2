package record

import "testing"

func TestSanitizeAndEnrichIdempotent(t *testing.T) {
	r := New("sbc-service")
	r.Message = `{"msg":"db checkpoint complete","service":"postgres"}`
	r.Severity = SeverityError
	r.Attrs["sip.call_id"] = "abc@host"

	SanitizeAndEnrich(r)
	first, err := r.MarshalCanonicalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	SanitizeAndEnrich(r)
	second, err := r.MarshalCanonicalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("enrichment not idempotent:\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestEmbeddedJSONFlattening(t *testing.T) {
	r := New("postgres")
	r.Message = `{"level":"info","msg":"db checkpoint complete","service":"postgres"}`
	r.Severity = SeverityError

	SanitizeAndEnrich(r)

	if r.Message != "db checkpoint complete" {
		t.Errorf("message = %q, want %q", r.Message, "db checkpoint complete")
	}
	if r.Severity != SeverityInfo {
		t.Errorf("severity = %q, want INFO (checkpoint downgrade)", r.Severity)
	}
	if r.Event != "DB_CHECKPOINT" {
		t.Errorf("event = %q, want DB_CHECKPOINT", r.Event)
	}
	if !r.HasTag("DB") {
		t.Errorf("expected DB tag, got %v", r.SmartTags)
	}
	if v, ok := r.Attrs["service"]; !ok || v != "postgres" {
		t.Errorf("expected attributes[service]=postgres, got %v", r.Attrs["service"])
	}
}

func TestTraceIDPromotion(t *testing.T) {
	r := New("sip-router")
	r.Attrs["sip.call_id"] = "abc@host"

	SanitizeAndEnrich(r)

	if r.TraceID != "abc@host" {
		t.Errorf("trace_id = %q, want abc@host", r.TraceID)
	}
}

func TestTraceIDPromotionSkipsNullAndEmpty(t *testing.T) {
	r := New("sip-router")
	r.Attrs["sip.call_id"] = "null"
	r.Attrs["call_id"] = ""
	r.Attrs["Call-ID"] = "real-id"

	SanitizeAndEnrich(r)

	if r.TraceID != "real-id" {
		t.Errorf("trace_id = %q, want real-id", r.TraceID)
	}
}

func TestSmartTagSIPByServiceName(t *testing.T) {
	r := New("sbc-service")
	r.Message = "panic: nil deref"
	r.Severity = SeverityError

	SanitizeAndEnrich(r)

	if !r.HasTag("SIP") {
		t.Errorf("expected SIP tag for sbc service, got %v", r.SmartTags)
	}
}

func TestSmartTagNETOnTimeout(t *testing.T) {
	r := New("gateway")
	r.Message = "connection timeout while dialing peer"

	SanitizeAndEnrich(r)

	if !r.HasTag("NET") {
		t.Errorf("expected NET tag, got %v", r.SmartTags)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	r := New("svc")
	r.Attrs["a"] = "b"
	r.AddTag("X")

	c := r.Clone()
	c.Attrs["a"] = "changed"
	c.AddTag("Y")

	if r.Attrs["a"] != "b" {
		t.Errorf("original mutated via clone attrs")
	}
	if r.HasTag("Y") {
		t.Errorf("original mutated via clone tags")
	}
}
