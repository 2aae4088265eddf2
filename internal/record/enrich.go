package record

import (
	"encoding/json"
	"strings"
)

// traceIDCandidateKeys is the fallback search order for promoting an
// attribute into trace_id when the producer didn't set one directly.
var traceIDCandidateKeys = []string{"sip.call_id", "call_id", "Call-ID", "callid"}

// SanitizeAndEnrich is the one pure, idempotent operation every record
// passes through exactly once before it reaches the ingress bus. Calling
// it a second time must not change the record.
func SanitizeAndEnrich(r *LogRecord) {
	flattenEmbeddedJSON(r)
	promoteTraceID(r)
	applySmartTags(r)
}

// flattenEmbeddedJSON parses message as a JSON object when it looks like
// one, promoting a msg/message field and moving the rest into attributes.
func flattenEmbeddedJSON(r *LogRecord) {
	trimmed := strings.TrimSpace(r.Message)
	if !strings.HasPrefix(trimmed, "{") {
		return
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return
	}

	if r.Attrs == nil {
		r.Attrs = make(map[string]any)
	}

	if msg, ok := stringField(fields, "msg", "message"); ok {
		r.Message = msg
	}

	for k, v := range fields {
		switch k {
		case "msg", "message", "level", "severity", "ts":
			continue
		case "event_type":
			if s, ok := v.(string); ok && s != "" {
				r.Event = s
			}
			r.Attrs[k] = v
		default:
			r.Attrs[k] = v
		}
	}
}

// stringField returns the first present string value among the given keys.
func stringField(fields map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

// promoteTraceID fills trace_id from attributes when absent, trying each
// candidate key in order and skipping empty or literal "null" values.
func promoteTraceID(r *LogRecord) {
	if r.TraceID != "" {
		return
	}
	for _, key := range traceIDCandidateKeys {
		v, ok := r.Attrs[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" || s == "null" {
			continue
		}
		r.TraceID = s
		return
	}
}

// applySmartTags attaches DB/SIP/RTP/NET tags and performs the two
// severity/event rewrites that ride along with smart tagging.
func applySmartTags(r *LogRecord) {
	service := strings.ToLower(r.Resource.ServiceName)
	message := strings.ToLower(r.Message)

	if containsAny(service, "postgres", "db", "mongo", "redis") {
		r.AddTag("DB")
		if strings.Contains(message, "checkpoint") {
			r.Severity = SeverityInfo
			r.Event = "DB_CHECKPOINT"
		}
	}

	if containsAny(service, "sbc", "kamailio") || hasAttr(r, "sip.method") {
		r.AddTag("SIP")
	}

	if containsAny(service, "media", "rtp") || hasAttr(r, "rtp.payload_type") {
		r.AddTag("RTP")
	}

	if containsAny(message, "timeout", "refused", "reset") {
		r.AddTag("NET")
	}

	if strings.Contains(service, "discovery") && strings.Contains(message, "verification checksum ok") {
		r.Event = "RAFT_HEALTH_CHECK"
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func hasAttr(r *LogRecord, key string) bool {
	_, ok := r.Attrs[key]
	return ok
}
