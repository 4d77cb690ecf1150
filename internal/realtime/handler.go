package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dispatch/internal/platform/middleware"
	"dispatch/pkg/domain"
	dErrors "dispatch/pkg/domain-errors"
	"dispatch/pkg/platform/httputil"
)

const heartbeatInterval = 15 * time.Second

// Handler serves the event stream, acknowledgement, and latency endpoints.
// The subscription channel is derived from the authenticated principal, never
// from request input, so a caller cannot subscribe outside its own scope.
type Handler struct {
	logger    *slog.Logger
	hub       *Hub
	sla       time.Duration
	validator middleware.TokenValidator
}

// NewHandler creates a realtime Handler. sla <= 0 falls back to DefaultSLA.
func NewHandler(hub *Hub, validator middleware.TokenValidator, sla time.Duration, logger *slog.Logger) *Handler {
	if sla <= 0 {
		sla = DefaultSLA
	}
	return &Handler{
		logger:    logger,
		hub:       hub,
		sla:       sla,
		validator: validator,
	}
}

// Register mounts the realtime routes.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.RequireAuth(h.validator, h.logger))
	router.Get("/events", h.handleStream)
	router.Post("/events/ack", h.handleAck)
	router.Get("/latency", h.handleLatency)

	r.Mount("/", router)
}

// handleStream streams frames to the caller as server-sent events until the
// client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "streaming unsupported"))
		return
	}

	channel := ChannelFor(principal)
	frames, cancel := h.hub.Subscribe(channel, 64)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.InfoContext(ctx, "event stream opened",
		"channel", channel,
		"request_id", middleware.GetRequestID(ctx),
	)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case frame, open := <-frames:
			if !open {
				return
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				h.logger.ErrorContext(ctx, "marshal frame", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.EventKind, payload)
			flusher.Flush()
		}
	}
}

type ackRequest struct {
	MessageID string `json:"message_id"`
	EventKind string `json:"event_kind"`
}

type ackResponse struct {
	Matched   bool  `json:"matched"`
	LatencyMS int64 `json:"latency_ms,omitempty"`
}

// handleAck records a delivery acknowledgement for latency accounting.
// Unknown message IDs are not errors; the monitor tolerates lost and
// duplicate acks.
func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)

	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	if req.MessageID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "message_id must not be empty"))
		return
	}

	measurement, matched := h.hub.Ack(req.MessageID, ChannelFor(principal), EventKind(req.EventKind))
	resp := ackResponse{Matched: matched}
	if matched {
		resp.LatencyMS = measurement.Latency.Milliseconds()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type latencyResponse struct {
	Count             int   `json:"count"`
	MinMS             int64 `json:"min_ms"`
	MaxMS             int64 `json:"max_ms"`
	MeanMS            int64 `json:"mean_ms"`
	P50MS             int64 `json:"p50_ms"`
	P95MS             int64 `json:"p95_ms"`
	P99MS             int64 `json:"p99_ms"`
	ThresholdMS       int64 `json:"threshold_ms"`
	ThresholdBreached bool  `json:"threshold_breached"`
}

// handleLatency exposes the propagation latency summary to admins.
func (h *Handler) handleLatency(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetPrincipal(r.Context())
	if principal.Role != domain.RoleAdmin {
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "latency stats are restricted to admin principals"))
		return
	}

	monitor := h.hub.Monitor()
	if monitor == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "latency monitor not configured"))
		return
	}

	stats := monitor.Stats()
	httputil.WriteJSON(w, http.StatusOK, latencyResponse{
		Count:             stats.Count,
		MinMS:             stats.Min.Milliseconds(),
		MaxMS:             stats.Max.Milliseconds(),
		MeanMS:            stats.Mean.Milliseconds(),
		P50MS:             stats.P50.Milliseconds(),
		P95MS:             stats.P95.Milliseconds(),
		P99MS:             stats.P99.Milliseconds(),
		ThresholdMS:       h.sla.Milliseconds(),
		ThresholdBreached: !monitor.IsAcceptable(h.sla),
	})
}
