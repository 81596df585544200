package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/medofficehq/automation/pkg/automation"
	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/runstore"
)

// RunService is the slice of automation.Runner the HTTP surface needs.
type RunService interface {
	Start(ctx context.Context, batch automation.Batch) (*automation.Run, error)
	Stop(handle automation.ExecutionHandle) error
	Progress(ctx context.Context, handle automation.ExecutionHandle) (automation.Snapshot, error)
	Results(ctx context.Context, handle automation.ExecutionHandle) (automation.Outcome, error)
	RollbackRecord(ctx context.Context, handle automation.ExecutionHandle, appointmentID string) (automation.ResultRecord, error)
	Reapply(ctx context.Context, handle automation.ExecutionHandle, appointmentID string) (*automation.Run, error)
}

type Catalog interface {
	ListRules(ctx context.Context) ([]automation.RuleInfo, error)
	ListPatients(ctx context.Context, from, to time.Time) ([]automation.PatientRecord, error)
	AssignProjectID(ctx context.Context, batch automation.Batch) (automation.Batch, error)
}

type RunHistory interface {
	List(ctx context.Context, limit int) ([]runstore.Run, error)
	Get(ctx context.Context, handle automation.ExecutionHandle) (runstore.Run, error)
}

type AutomationHandler struct {
	runs    RunService
	catalog Catalog
	history RunHistory
}

// NewAutomationHandler wires the automation routes. history may be nil when
// no database is configured.
func NewAutomationHandler(runs RunService, catalog Catalog, history RunHistory) *AutomationHandler {
	return &AutomationHandler{runs: runs, catalog: catalog, history: history}
}

func (h *AutomationHandler) Register(r *mux.Router) {
	r.HandleFunc("/automation/runs", h.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/automation/runs", h.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/automation/runs/{execution_id}", h.handleHistoryEntry).Methods(http.MethodGet)
	r.HandleFunc("/automation/runs/{execution_id}", h.handleStop).Methods(http.MethodDelete)
	r.HandleFunc("/automation/runs/{execution_id}/progress", h.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/automation/runs/{execution_id}/results", h.handleResults).Methods(http.MethodGet)
	r.HandleFunc("/automation/runs/{execution_id}/rollback", h.handleRollback).Methods(http.MethodPost)
	r.HandleFunc("/automation/runs/{execution_id}/reapply", h.handleReapply).Methods(http.MethodPost)
	r.HandleFunc("/automation/rules", h.handleRules).Methods(http.MethodGet)
	r.HandleFunc("/automation/patients", h.handlePatients).Methods(http.MethodGet)
}

type startResponse struct {
	ExecutionID string `json:"execution_id"`
	ProjectID   string `json:"project_id,omitempty"`
	ProjectName string `json:"project_name"`
}

type appointmentRequest struct {
	AppointmentID string `json:"appointment_id"`
}

func executionID(r *http.Request) automation.ExecutionHandle {
	return automation.ExecutionHandle(mux.Vars(r)["execution_id"])
}

func (h *AutomationHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var batch automation.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid run request", err)
		return
	}

	assigned, err := h.catalog.AssignProjectID(r.Context(), batch)
	if err != nil {
		logger.Log.WithError(err).Warn("could not allocate project id, submitting without one")
	} else {
		batch = assigned
	}

	run, err := h.runs.Start(r.Context(), batch)
	if err != nil {
		writeError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, startResponse{
		ExecutionID: string(run.Handle),
		ProjectID:   run.ProjectID,
		ProjectName: run.ProjectName,
	})
}

func (h *AutomationHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondError(w, http.StatusServiceUnavailable, "run history is not configured", nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.history.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *AutomationHandler) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondError(w, http.StatusServiceUnavailable, "run history is not configured", nil)
		return
	}
	run, err := h.history.Get(r.Context(), executionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *AutomationHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.runs.Stop(executionID(r)); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (h *AutomationHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.runs.Progress(r.Context(), executionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *AutomationHandler) handleResults(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.runs.Results(r.Context(), executionID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func decodeAppointment(w http.ResponseWriter, r *http.Request) (string, bool) {
	defer r.Body.Close()
	var req appointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err)
		return "", false
	}
	id := strings.TrimSpace(req.AppointmentID)
	if id == "" {
		respondError(w, http.StatusBadRequest, "appointment_id is required", nil)
		return "", false
	}
	return id, true
}

func (h *AutomationHandler) handleRollback(w http.ResponseWriter, r *http.Request) {
	appointmentID, ok := decodeAppointment(w, r)
	if !ok {
		return
	}
	rec, err := h.runs.RollbackRecord(r.Context(), executionID(r), appointmentID)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *AutomationHandler) handleReapply(w http.ResponseWriter, r *http.Request) {
	appointmentID, ok := decodeAppointment(w, r)
	if !ok {
		return
	}
	run, err := h.runs.Reapply(r.Context(), executionID(r), appointmentID)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, startResponse{
		ExecutionID: string(run.Handle),
		ProjectID:   run.ProjectID,
		ProjectName: run.ProjectName,
	})
}

func (h *AutomationHandler) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.catalog.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (h *AutomationHandler) handlePatients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := automation.ParseDate(q.Get("from"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "from must be a date", err)
		return
	}
	to, err := automation.ParseDate(q.Get("to"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "to must be a date", err)
		return
	}

	patients, err := h.catalog.ListPatients(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"patients": patients})
}
