// Package rpcingress accepts opaque LogRecord envelopes from remote
// peers over a plain HTTP/JSON endpoint, standing in for the upstream
// mesh's RPC transport (out of scope per spec, see DESIGN.md).
package rpcingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mileusna/useragent"

	"sipwatch/internal/bus"
	"sipwatch/internal/logging"
	"sipwatch/internal/record"
)

const maxBodyBytes = 10 << 20

// sourceGRPC marks records that arrived over this ingress so the
// exporter can refuse to re-export them upstream (loop prevention).
const sourceGRPC = "grpc"

// envelope is the wire shape: an opaque JSON-encoded LogRecord string,
// matching the upstream mesh's "raw_json_log" passthrough contract.
type envelope struct {
	RawJSONLog string `json:"raw_json_log"`
}

type response struct {
	Success bool `json:"success"`
}

// Config configures a Server.
type Config struct {
	Addr string
}

// Server exposes POST /v1/ingest and implements ingest.Ingestor.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	out      *bus.IngressBus
	logger   *slog.Logger
}

// New constructs a Server.
func New(cfg Config, logger *slog.Logger) *Server {
	return &Server{
		addr:   cfg.Addr,
		logger: logging.Default(logger).With("component", logging.ComponentRPCIngress),
	}
}

// Run implements ingest.Ingestor. It starts the HTTP server and blocks
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context, out *bus.IngressBus) error {
	s.out = out

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)

	s.server = &http.Server{Handler: mux}

	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.logger.Info("rpc ingress starting", "addr", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("rpc ingress stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the listener address. Only valid once Run has started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleIngest(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		s.respondSuccess(w)
		return
	}

	peerAgent := parsePeerAgent(req.Header.Get("User-Agent"))

	r := parseEnvelope(body, peerAgent)

	r.Attrs["source"] = sourceGRPC
	r.AddTag("GRPC")
	r.AddTag("REMOTE")
	record.SanitizeAndEnrich(r)

	s.out.Send(r, req.Context().Done())
	s.respondSuccess(w)
}

// parseEnvelope decodes the outer envelope and the inner LogRecord. Any
// failure at either layer synthesizes a WARN/GRPC_PARSE_ERROR record
// carrying the parser's message, per spec §4.6.
func parseEnvelope(body []byte, peerAgent string) *record.LogRecord {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return parseErrorRecord(err, peerAgent)
	}

	var r record.LogRecord
	if err := json.Unmarshal([]byte(env.RawJSONLog), &r); err != nil {
		return parseErrorRecord(err, peerAgent)
	}
	if r.Attrs == nil {
		r.Attrs = make(map[string]any)
	}
	if r.Resource.ServiceName == "" {
		r.Resource.ServiceName = "rpcingress"
	}
	r.Attrs["peer.agent"] = peerAgent
	return &r
}

func parseErrorRecord(err error, peerAgent string) *record.LogRecord {
	r := record.New("rpcingress")
	r.Severity = record.SeverityWarn
	r.Event = "GRPC_PARSE_ERROR"
	r.Message = err.Error()
	r.Attrs["peer.agent"] = peerAgent
	return r
}

func parsePeerAgent(uaHeader string) string {
	if uaHeader == "" {
		return ""
	}
	ua := useragent.Parse(uaHeader)
	if ua.Name == "" {
		return uaHeader
	}
	return fmt.Sprintf("%s/%s", ua.Name, ua.Version)
}

// respondSuccess always reports success: the client is fire-and-forget,
// per spec §4.6.
func (s *Server) respondSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{Success: true})
}
