package audit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dispatch/internal/platform/middleware"
	"dispatch/pkg/platform/httputil"
)

// Handler serves read access to the audit trail. Writes have no endpoint;
// entries are only ever appended by services inside their transactions.
type Handler struct {
	logger    *slog.Logger
	recorder  *Recorder
	validator middleware.TokenValidator
}

// NewHandler creates an audit Handler.
func NewHandler(recorder *Recorder, validator middleware.TokenValidator, logger *slog.Logger) *Handler {
	return &Handler{
		logger:    logger,
		recorder:  recorder,
		validator: validator,
	}
}

// Register mounts the audit routes.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(middleware.Timeout(30 * time.Second))
	router.Use(middleware.RequireAuth(h.validator, h.logger))
	router.Get("/{entity}/{targetID}", h.handleList)

	r.Mount("/audit", router)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal := middleware.GetPrincipal(ctx)

	entity := chi.URLParam(r, "entity")
	targetID := chi.URLParam(r, "targetID")

	entries, err := h.recorder.Entries(ctx, principal, entity, targetID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := make([]entryResponse, 0, len(entries))
	for _, entry := range entries {
		resp = append(resp, toEntryResponse(entry))
	}
	httputil.WriteJSON(w, http.StatusOK, listEntriesResponse{Entries: resp})
}

type entryResponse struct {
	ID         string         `json:"id"`
	Entity     string         `json:"entity"`
	TargetID   string         `json:"target_id"`
	Operation  string         `json:"operation"`
	ActorID    string         `json:"actor_id"`
	ActorRole  string         `json:"actor_role"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type listEntriesResponse struct {
	Entries []entryResponse `json:"entries"`
}

func toEntryResponse(entry Entry) entryResponse {
	return entryResponse{
		ID:         entry.ID.String(),
		Entity:     entry.Entity,
		TargetID:   entry.TargetID,
		Operation:  string(entry.Operation),
		ActorID:    entry.ActorID.String(),
		ActorRole:  entry.ActorRole.String(),
		Before:     entry.Before,
		After:      entry.After,
		OccurredAt: entry.OccurredAt,
	}
}
