package docker

import (
	"encoding/json"
	"regexp"
	"strings"

	"sipwatch/internal/bus"
	"sipwatch/internal/record"
)

// sanitizeAndSend runs the enrichment pipeline and blocks until the
// record is queued on the ingress bus or done fires — the container
// ingestor prioritizes data integrity over latency.
func sanitizeAndSend(r *record.LogRecord, out *bus.IngressBus, done <-chan struct{}) {
	record.SanitizeAndEnrich(r)
	out.Send(r, done)
}

// ansiEscape matches ANSI CSI escape sequences, e.g. "\x1b[31m".
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripANSI removes ANSI escape sequences from a log line.
func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// recognizedJSONKeys are excluded when collecting "everything else" into
// attributes for a structured JSON line.
var recognizedJSONKeys = map[string]struct{}{
	"severity": {}, "level": {},
	"message": {}, "msg": {},
	"ts": {}, "time": {}, "timestamp": {},
	"trace_id": {}, "event": {}, "attributes": {}, "resource": {},
}

// buildFromLine turns one cleaned container log line into a LogRecord,
// per spec §4.4's per-line processing rules.
func buildFromLine(serviceName string, line string, isStderr bool) *record.LogRecord {
	cleaned := stripANSI(line)

	r := record.New(serviceName)
	r.Severity = record.DefaultSeverityForStream(isStderr)

	trimmed := strings.TrimSpace(cleaned)
	if strings.HasPrefix(trimmed, "{") {
		var fields map[string]any
		if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
			applyStructuredFields(r, fields, isStderr)
			return r
		}
	}

	r.Event = "RAW_LOG_OUTPUT"
	r.Message = cleaned
	r.AddTag("RAW")
	return r
}

// applyStructuredFields fills r from a parsed JSON line using the
// severity|level, message|msg, ts|time|timestamp, trace_id, event
// fallbacks, honoring a nested resource object if present.
func applyStructuredFields(r *record.LogRecord, fields map[string]any, isStderr bool) {
	r.Severity = record.NormalizeSeverity(
		firstString(fields, "severity", "level"),
		record.DefaultSeverityForStream(isStderr),
	)
	r.Message = firstString(fields, "message", "msg")
	if ts := firstString(fields, "ts", "time", "timestamp"); ts != "" {
		r.TS = ts
	}
	r.TraceID = firstString(fields, "trace_id")
	r.Event = firstString(fields, "event")
	if r.Event == "" {
		r.Event = "LOG_EVENT"
	}

	if res, ok := fields["resource"].(map[string]any); ok {
		if v := firstString(res, "service.name", "service_name"); v != "" {
			r.Resource.ServiceName = v
		}
		if v := firstString(res, "service.version", "service_version"); v != "" {
			r.Resource.ServiceVersion = v
		}
		if v := firstString(res, "service.env", "service_env"); v != "" {
			r.Resource.ServiceEnv = v
		}
	}

	if attrs, ok := fields["attributes"].(map[string]any); ok {
		for k, v := range attrs {
			r.Attrs[k] = v
		}
		return
	}

	for k, v := range fields {
		if _, skip := recognizedJSONKeys[k]; skip {
			continue
		}
		r.Attrs[k] = v
	}
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
