package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/mof-screen/internal/intake"
	"github.com/sells-group/mof-screen/internal/model"
	"github.com/sells-group/mof-screen/internal/store"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError writes a JSON error body and logs server-side failures.
func writeError(w http.ResponseWriter, status int, msg string, err error) {
	if status >= 500 {
		zap.L().Error("api: "+msg, zap.Int("status", status), zap.Error(err))
	}
	if err != nil && (status < 500 || status == http.StatusBadGateway) {
		msg = msg + ": " + err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

type healthHandler struct {
	store store.Store
}

func (h *healthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type batchHandler struct {
	store  store.Store
	intake Intake
}

// BatchResponse is returned when a batch is created.
type BatchResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	Status    model.BatchStatus `json:"status"`
	Prompt    string            `json:"prompt"`
	SourceDir string            `json:"source_dir"`
	Rules     []model.Rule      `json:"rules"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ItemView is the per-item part of BatchDetail.
type ItemView struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Status       model.ItemStatus `json:"status"`
	SourcePath   string           `json:"source_path"`
	FinalPath    string           `json:"final_path,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Results      model.Results    `json:"results,omitempty"`
}

// BatchDetail is the read model for a single batch.
type BatchDetail struct {
	model.BatchSummary
	Items []ItemView `json:"items"`
}

func newBatchResponse(b *model.Batch) BatchResponse {
	return BatchResponse{
		ID:        b.ID,
		Name:      b.Name,
		Status:    b.Status,
		Prompt:    b.Prompt,
		SourceDir: b.SourceDir,
		Rules:     b.Rules,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func (h *batchHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	batch, err := h.intake.CreateBatch(r.Context(), req)
	var genErr *intake.RuleGenerationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, newBatchResponse(batch))
	case errors.Is(err, intake.ErrInvalidRequest), errors.Is(err, intake.ErrNoMaterials):
		writeError(w, http.StatusBadRequest, "invalid batch request", err)
	case errors.As(err, &genErr):
		writeError(w, http.StatusBadGateway, "rule generation failed", genErr.Err)
	default:
		writeError(w, http.StatusInternalServerError, "create batch failed", err)
	}
}

func (h *batchHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")

	batch, err := h.store.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "batch not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get batch failed", err)
		return
	}

	items, err := h.store.ListItems(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list items failed", err)
		return
	}

	withResults := r.URL.Query().Get("results") == "true"
	counts := make(map[model.ItemStatus]int)
	views := make([]ItemView, len(items))
	for i, it := range items {
		counts[it.Status]++
		views[i] = ItemView{
			ID:           it.ID,
			Name:         it.Name,
			Status:       it.Status,
			SourcePath:   it.SourcePath,
			FinalPath:    it.FinalPath,
			ErrorMessage: it.ErrorMessage,
		}
		if withResults {
			views[i].Results = it.Results
		}
	}

	writeJSON(w, http.StatusOK, BatchDetail{
		BatchSummary: model.Summarize(*batch, counts),
		Items:        views,
	})
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func (h *batchHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter store.BatchFilter
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := model.BatchStatus(strings.TrimSpace(s))
			if !status.IsValid() {
				writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)), nil)
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	batches, err := h.store.ListBatches(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list batches failed", err)
		return
	}

	out := make([]BatchResponse, len(batches))
	for i := range batches {
		out[i] = newBatchResponse(&batches[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": out})
}
