// Package api exposes the engine's collaborator boundary over HTTP:
// signed observation ingest, fused track snapshots, telemetry, and the
// effective configuration. Transport choice is a collaborator concern;
// this server is the reference adapter.
package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Galanafai/Hivemind/internal/config"
	"github.com/Galanafai/Hivemind/internal/engine"
	"github.com/Galanafai/Hivemind/internal/httputil"
	"github.com/Galanafai/Hivemind/internal/packet"
	"github.com/Galanafai/Hivemind/internal/trust"
)

// ANSI escape codes for request logging.
const (
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// maxPacketBytes bounds a single ingest request body.
const maxPacketBytes = 1 << 20

// Server serves the engine API.
type Server struct {
	engine *engine.Engine
	cfg    *config.TuningConfig
}

// NewServer creates an API server over an engine.
func NewServer(e *engine.Engine, cfg *config.TuningConfig) *Server {
	return &Server{engine: e, cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method, r.URL.Path,
			time.Since(start).Milliseconds())
	})
}

// Routes registers all API handlers on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/observations", s.handleObservations)
	mux.HandleFunc("/api/observations/batch", s.handleObservationBatch)
	mux.HandleFunc("/api/tracks", s.handleTracks)
	mux.HandleFunc("/api/tracks/", s.handleTrackByID)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// handleObservations ingests one signed packet (CBOR body).
func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPacketBytes))
	if err != nil {
		httputil.BadRequest(w, "read body: "+err.Error())
		return
	}
	if err := s.engine.Ingest(body); err != nil {
		writeAdmissionError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "admitted"})
}

// handleObservationBatch ingests a CBOR array of signed packets; each
// is admitted independently, admitted ones are associated together.
func (s *Server) handleObservationBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 16*maxPacketBytes))
	if err != nil {
		httputil.BadRequest(w, "read body: "+err.Error())
		return
	}
	var packets []*packet.SignedPacket
	if err := packet.Unmarshal(body, &packets); err != nil {
		httputil.BadRequest(w, "decode batch: "+err.Error())
		return
	}
	admitted := s.engine.IngestBatch(packets)
	httputil.WriteJSON(w, http.StatusAccepted, map[string]int{
		"received": len(packets),
		"admitted": admitted,
	})
}

// writeAdmissionError maps the admission taxonomy onto HTTP statuses.
func writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trust.ErrInvalidSignature):
		httputil.Forbidden(w, "invalid signature")
	case errors.Is(err, trust.ErrUnauthorized):
		httputil.Forbidden(w, "unauthorized")
	case errors.Is(err, trust.ErrExpired):
		httputil.Forbidden(w, "expired")
	case errors.Is(err, trust.ErrMalformedToken), errors.Is(err, packet.ErrMalformed):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

// handleTracks returns the full snapshot of active tracks.
func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snaps := s.engine.Tracks().Snapshot()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"count":  len(snaps),
		"tracks": snaps,
	})
}

// handleTrackByID resolves one track by canonical id or alias.
func (s *Server) handleTrackByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/tracks/")
	if id == "" {
		httputil.BadRequest(w, "missing track id")
		return
	}
	snap, ok := s.engine.Tracks().Get(id)
	if !ok {
		httputil.NotFound(w, "no such track")
		return
	}
	httputil.WriteJSONOK(w, snap)
}

// handleTelemetry returns counters plus the recent event ring.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	tel := s.engine.Telemetry()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"counters": tel.Read(),
		"events":   tel.RecentEvents(),
	})
}

// handleConfig returns the effective engine configuration.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"filter_lag_count":       s.cfg.GetFilterLagCount(),
		"filter_state_dim":       s.cfg.GetFilterStateDim(),
		"filter_dt":              s.cfg.GetFilterDT().String(),
		"hex_resolution":         s.cfg.GetHexResolution(),
		"altitude_bucket_m":      s.cfg.GetAltitudeBucketM(),
		"gate_radius_m":          s.cfg.GetGateRadiusM(),
		"mahalanobis_threshold":  s.cfg.GetMahalanobisThreshold(),
		"retirement_threshold":   s.cfg.GetRetirementThreshold().String(),
		"max_admissible_latency": s.cfg.GetMaxAdmissibleLatency().String(),
		"clock_skew_tolerance":   s.cfg.GetClockSkewTolerance().String(),
		"freshness_window":       s.cfg.GetFreshnessWindow().String(),
		"queue_capacity":         s.cfg.GetQueueCapacity(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status": "ok",
		"tracks": s.engine.Tracks().TrackCount(),
	})
}
