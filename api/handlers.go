/*
handlers.go - HTTP API handlers for the obligation engine

PURPOSE:
  Exposes timeline generation, bulk import, the activity catalog and the
  admin operations over REST. Handles HTTP request/response and JSON, and
  delegates to the timeline, importer and scheduler packages.

ENDPOINTS:
  Clients:
    GET    /api/clients                           List clients
    POST   /api/clients/import                    Bulk import
    GET    /api/clients/{id}                      Get client
    GET    /api/clients/{id}/assignments          Stored assignments
    GET    /api/clients/{id}/timelines            Timelines (?financial_year=2024-2025)
    POST   /api/clients/{id}/timelines/generate   Generate timelines

  Activities:
    GET    /api/activities                        List catalog
    POST   /api/activities                        Create/replace an activity
    GET    /api/activities/{id}                   Get activity

  Admin:
    GET    /api/admin/duplicates                  Duplicate report (read-only)
    POST   /api/admin/duplicates?dry_run=false    Remove duplicates
    GET    /api/admin/jobs                        Scheduler state
    POST   /api/admin/jobs/{name}/run             Run a job now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (natural key collision, job already running)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/importer"
	"github.com/warp/obligation-engine/recurrence"
	"github.com/warp/obligation-engine/scheduler"
	"github.com/warp/obligation-engine/store/sqlite"
	"github.com/warp/obligation-engine/timeline"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Generator  *timeline.Generator
	Reconciler *timeline.Reconciler
	Importer   *importer.Importer
	Scheduler  *scheduler.Scheduler
	Catalogs   *factory.CatalogFactory
	Logger     *slog.Logger
}

// NewHandler wires handlers over a store. Scheduler may be nil, in which case
// the job endpoints report no jobs.
func NewHandler(store *sqlite.Store, gen *timeline.Generator, rec *timeline.Reconciler, imp *importer.Importer, sched *scheduler.Scheduler) *Handler {
	return &Handler{
		Store:      store,
		Generator:  gen,
		Reconciler: rec,
		Importer:   imp,
		Scheduler:  sched,
		Catalogs:   factory.NewCatalogFactory(),
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// =============================================================================
// CLIENT HANDLERS
// =============================================================================

// ListClients returns all clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Store.ListClients(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list clients", err)
		return
	}
	dtos := make([]ClientDTO, len(clients))
	for i, c := range clients {
		dtos[i] = toClientDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetClient returns a single client.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.Store.GetClient(r.Context(), timeline.ClientID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get client", err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(client))
}

// ImportClients bulk-imports client records and their assignments.
// POST /api/clients/import
//
// Per-record failures are part of the 200 response. A 503 means the request
// was cancelled between chunks; the body then covers the completed chunks.
func (h *Handler) ImportClients(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Clients) == 0 {
		writeError(w, http.StatusBadRequest, "clients is required", nil)
		return
	}

	result, err := h.Importer.ImportBatch(r.Context(), req.Clients)
	if err != nil {
		h.logger().Warn("import interrupted", "component", "api", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListAssignments returns a client's stored assignments.
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := timeline.ClientID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetClient(ctx, clientID); err != nil {
		h.writeDomainError(w, "Failed to get client", err)
		return
	}

	assignments, err := h.Store.ListAssignments(ctx, clientID)
	if err != nil {
		h.writeDomainError(w, "Failed to list assignments", err)
		return
	}
	dtos := make([]AssignmentDTO, len(assignments))
	for i, a := range assignments {
		dtos[i] = toAssignmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// TIMELINE HANDLERS
// =============================================================================

// ListTimelines returns a client's timelines, optionally for one financial year.
// GET /api/clients/{id}/timelines?financial_year=2024-2025
func (h *Handler) ListTimelines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := timeline.ClientID(chi.URLParam(r, "id"))

	fy := r.URL.Query().Get("financial_year")
	if fy != "" {
		parsed, err := recurrence.ParseFinancialYear(fy)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid financial_year", err)
			return
		}
		fy = parsed.String()
	}

	if _, err := h.Store.GetClient(ctx, clientID); err != nil {
		h.writeDomainError(w, "Failed to get client", err)
		return
	}
	instances, err := h.Store.ListByClient(ctx, clientID, fy)
	if err != nil {
		h.writeDomainError(w, "Failed to list timelines", err)
		return
	}
	writeJSON(w, http.StatusOK, toTimelineDTOs(instances))
}

// GenerateTimelines generates a client's timelines. Running it again with the
// same input creates nothing.
// POST /api/clients/{id}/timelines/generate
func (h *Handler) GenerateTimelines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var fy recurrence.FinancialYear
	if req.FinancialYear != "" {
		var err error
		if fy, err = recurrence.ParseFinancialYear(req.FinancialYear); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid financial_year", err)
			return
		}
	}

	client, err := h.Store.GetClient(ctx, timeline.ClientID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get client", err)
		return
	}

	assignments := make([]timeline.Assignment, 0, len(req.Assignments))
	for _, dto := range req.Assignments {
		a, err := dto.toAssignment()
		if err != nil {
			h.writeDomainError(w, "Invalid assignment", err)
			return
		}
		assignments = append(assignments, a)
	}
	if len(assignments) == 0 {
		if assignments, err = h.Store.ListAssignments(ctx, client.ID); err != nil {
			h.writeDomainError(w, "Failed to list assignments", err)
			return
		}
	}

	result, err := h.Generator.GenerateForYear(ctx, client, assignments, fy)
	if err != nil {
		h.writeDomainError(w, "Failed to generate timelines", err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		Created:   result.Created,
		Existing:  result.Existing,
		Removed:   result.Removed,
		Timelines: toTimelineDTOs(result.Instances),
	})
}

// =============================================================================
// ACTIVITY HANDLERS
// =============================================================================

// ListActivities returns the catalog.
func (h *Handler) ListActivities(w http.ResponseWriter, r *http.Request) {
	activities, err := h.Store.ListActivities(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list activities", err)
		return
	}
	docs := make([]factory.ActivityJSON, len(activities))
	for i, a := range activities {
		docs[i] = factory.ToJSON(a)
	}
	writeJSON(w, http.StatusOK, docs)
}

// GetActivity returns one activity definition.
func (h *Handler) GetActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := h.Store.GetActivity(r.Context(), timeline.ActivityID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get activity", err)
		return
	}
	writeJSON(w, http.StatusOK, factory.ToJSON(activity))
}

// CreateActivity creates or replaces an activity from its catalog document.
// Existing timelines keep the snapshot they were generated with.
func (h *Handler) CreateActivity(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	activity, err := h.Catalogs.ParseActivity(string(body))
	if err != nil {
		h.writeDomainError(w, "Invalid activity", err)
		return
	}
	if err := h.Store.SaveActivity(r.Context(), activity); err != nil {
		h.writeDomainError(w, "Failed to save activity", err)
		return
	}
	writeJSON(w, http.StatusCreated, factory.ToJSON(activity))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// FindDuplicates reports duplicate groups without modifying anything.
// GET /api/admin/duplicates
func (h *Handler) FindDuplicates(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.FindDuplicates(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to scan for duplicates", err)
		return
	}
	writeJSON(w, http.StatusOK, DuplicatesResponse{DryRun: true, Report: report})
}

// ReconcileDuplicates removes duplicates unless dry_run is true (the default).
// POST /api/admin/duplicates?dry_run=false
func (h *Handler) ReconcileDuplicates(w http.ResponseWriter, r *http.Request) {
	dryRun := true
	if v := r.URL.Query().Get("dry_run"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid dry_run", err)
			return
		}
		dryRun = parsed
	}
	if dryRun {
		h.FindDuplicates(w, r)
		return
	}

	removal, err := h.Reconciler.RemoveDuplicates(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to remove duplicates", err)
		return
	}
	writeJSON(w, http.StatusOK, DuplicatesResponse{DryRun: false, Removal: removal})
}

// ListJobs returns the state of every scheduled job.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	dtos := []JobDTO{}
	if h.Scheduler != nil {
		for _, s := range h.Scheduler.States() {
			dtos = append(dtos, toJobDTO(s))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunJob runs a scheduled job immediately and returns its updated state.
// POST /api/admin/jobs/{name}/run
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Unknown job", scheduler.ErrUnknownJob)
		return
	}

	err := h.Scheduler.RunNow(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "Unknown job", err)
		return
	case errors.Is(err, scheduler.ErrJobRunning):
		writeError(w, http.StatusConflict, "Job already running", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Job failed", err)
		return
	}

	for _, s := range h.Scheduler.States() {
		if s.Name == name {
			writeJSON(w, http.StatusOK, toJobDTO(s))
			return
		}
	}
	writeJSON(w, http.StatusOK, JobDTO{Name: name})
}

// Health pings the database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error's category.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger().Error(message, "component", "api", "error", err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case timeline.IsValidation(err):
		return http.StatusBadRequest
	case timeline.IsNotFound(err):
		return http.StatusNotFound
	case timeline.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
