package api

import (
	"context"
	"net/http"
	"time"

	"githarvest/internal/etl/domain"
	perr "githarvest/internal/platform/errors"

	"github.com/go-chi/chi/v5"
)

// Guarder reports readiness of the configured storage seams
type Guarder interface {
	Guard(ctx context.Context) error
}

// Deps are the handler dependencies
type Deps struct {
	ServiceName string
	StartedAt   time.Time
	Store       Guarder
	Checkpoints domain.CheckpointRepo
	Governor    domain.Governor
}

type handlers struct {
	deps Deps
}

// HealthResponse is the liveness payload
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
	Started string `json:"started"`
	Now     string `json:"now"`
}

// ReadyResponse summarizes readiness of the storage backends
type ReadyResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Now    string `json:"now"`
}

// GovernorResponse mirrors the governor snapshot
type GovernorResponse struct {
	RemainingCalls      int     `json:"remaining_calls"`
	WindowResetAt       string  `json:"window_reset_at"`
	CostBudgetRemaining float64 `json:"cost_budget_remaining"`
}

// CheckpointDTO is the wire form of one batch checkpoint
type CheckpointDTO struct {
	RunID        string `json:"run_id"`
	WindowStart  string `json:"window_start"`
	WindowEnd    string `json:"window_end"`
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	LastError    string `json:"last_error,omitempty"`
	Events       int    `json:"events"`
	Records      int    `json:"records"`
	Unenriched   int    `json:"unenriched"`
	ReadMS       int    `json:"read_ms"`
	EnrichMS     int    `json:"enrich_ms"`
	DBMS         int    `json:"db_ms"`
	UpdatedAt    string `json:"updated_at"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	respondOK(w, r, HealthResponse{
		OK:      true,
		Service: h.deps.ServiceName,
		Started: h.deps.StartedAt.UTC().Format(time.RFC3339),
		Now:     time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := h.deps.Store.Guard(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Envelope{
			StatusCode: http.StatusServiceUnavailable,
			Status:     http.StatusText(http.StatusServiceUnavailable),
			RequestID:  requestID(r.Context()),
			Data:       ReadyResponse{Status: "fail", Error: err.Error(), Now: now},
		})
		return
	}
	respondOK(w, r, ReadyResponse{Status: "ok", Now: now})
}

func (h *handlers) governor(w http.ResponseWriter, r *http.Request) {
	st := h.deps.Governor.Snapshot()
	respondOK(w, r, GovernorResponse{
		RemainingCalls:      st.RemainingCalls,
		WindowResetAt:       st.WindowResetAt.UTC().Format(time.RFC3339),
		CostBudgetRemaining: st.CostBudgetRemaining,
	})
}

func (h *handlers) runCheckpoints(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	cps, err := h.deps.Checkpoints.ListByRun(r.Context(), runID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if len(cps) == 0 {
		respondError(w, r, perr.NotFoundf("run %q has no checkpoints", runID))
		return
	}
	out := make([]CheckpointDTO, 0, len(cps))
	for _, cp := range cps {
		out = append(out, CheckpointDTO{
			RunID:        cp.RunID,
			WindowStart:  cp.Window.Start.UTC().Format(time.RFC3339),
			WindowEnd:    cp.Window.End.UTC().Format(time.RFC3339),
			Status:       string(cp.Status),
			AttemptCount: cp.AttemptCount,
			LastError:    cp.LastError,
			Events:       cp.Events,
			Records:      cp.Records,
			Unenriched:   cp.Unenriched,
			ReadMS:       cp.ReadMS,
			EnrichMS:     cp.EnrichMS,
			DBMS:         cp.DBMS,
			UpdatedAt:    cp.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	respondOK(w, r, out)
}
