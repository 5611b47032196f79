/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Bulk import and timeline listing
- Idempotent generation over HTTP and error status mapping
- Activity catalog endpoints
- Duplicate report and removal
- Scheduler job endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/obligation-engine/factory"
	"github.com/warp/obligation-engine/importer"
	"github.com/warp/obligation-engine/recurrence"
	"github.com/warp/obligation-engine/scheduler"
	"github.com/warp/obligation-engine/store/sqlite"
	"github.com/warp/obligation-engine/timeline"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const gstCatalog = `{
	"id": "gst",
	"name": "GST Returns",
	"subactivities": [
		{"id": "gstr1", "name": "GSTR-1", "frequency": "monthly", "frequencyConfig": {"dayOfMonth": 11}},
		{"id": "gstr1q", "name": "GSTR-1-Q", "frequency": "quarterly", "frequencyConfig": {"dayOfMonth": 13}}
	]
}`

type testServer struct {
	store  *sqlite.Store
	router *chi.Mux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	activity, err := factory.NewCatalogFactory().ParseActivity(gstCatalog)
	require.NoError(t, err)
	require.NoError(t, store.SaveActivity(context.Background(), activity))

	gen := timeline.NewGenerator(store, store, store, recurrence.NewResolver(time.UTC))
	gen.Now = func() time.Time { return time.Date(2024, time.June, 10, 10, 0, 0, 0, time.UTC) }

	sched := scheduler.New()
	require.NoError(t, sched.Register(scheduler.Job{Name: "noop", Interval: time.Hour, Run: func(context.Context) error { return nil }}))
	require.NoError(t, sched.Register(scheduler.Job{Name: "broken", Interval: time.Hour, Run: func(context.Context) error {
		return errors.New("boom")
	}}))

	h := NewHandler(store, gen, timeline.NewReconciler(store), importer.New(store, gen), sched)
	return &testServer{store: store, router: NewRouter(h, []string{"*"})}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func (s *testServer) importClient(t *testing.T, id string, activities ...importer.ActivityRecord) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/clients/import", ImportRequest{Clients: []importer.ClientRecord{
		{ID: id, Name: "Client " + id, BranchID: "branch-1", Activities: activities},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// IMPORT AND TIMELINES
// =============================================================================

func TestImportClients_ThenListTimelines(t *testing.T) {
	// GIVEN: A batch with one valid record and one without a branch
	// WHEN: It is imported
	// THEN: One client is created with its timelines
	//       AND the invalid record is reported at its index

	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/clients/import", ImportRequest{Clients: []importer.ClientRecord{
		{ID: "acme", Name: "Acme", BranchID: "branch-1", Activities: []importer.ActivityRecord{{ActivityID: "gst", SubactivityID: "gstr1", Fee: "499.50"}}},
		{Name: "No Branch"},
	}})
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[importer.Result](t, rec)
	assert.Equal(t, 1, result.Created)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)

	rec = s.do(t, http.MethodGet, "/api/clients/acme/timelines?financial_year=2024-2025", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	timelines := decode[[]TimelineDTO](t, rec)
	require.Len(t, timelines, 12)
	assert.Equal(t, "April-2024", timelines[0].Period)
	assert.Equal(t, "GSTR-1", timelines[0].SubactivityName)
	assert.Equal(t, "499.5", timelines[0].Fee)
	assert.Equal(t, "branch-1", timelines[0].BranchID)

	rec = s.do(t, http.MethodGet, "/api/clients/acme/assignments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AssignmentDTO](t, rec), 1)
}

func TestImportClients_RejectsEmptyBody(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/clients/import", ImportRequest{}).Code)
}

func TestGenerateTimelines_IsIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.importClient(t, "acme")

	body := GenerateRequest{Assignments: []AssignmentDTO{{ActivityID: "gst", SubactivityID: "gstr1"}}}
	rec := s.do(t, http.MethodPost, "/api/clients/acme/timelines/generate", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[GenerateResponse](t, rec)
	assert.Equal(t, 12, first.Created)

	rec = s.do(t, http.MethodPost, "/api/clients/acme/timelines/generate", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[GenerateResponse](t, rec)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 12, second.Existing)

	// Without assignments the stored ones are regenerated.
	rec = s.do(t, http.MethodPost, "/api/clients/acme/timelines/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12, decode[GenerateResponse](t, rec).Existing)
}

func TestGenerateTimelines_ErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	s.importClient(t, "acme")

	cases := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown client", "/api/clients/ghost/timelines/generate", GenerateRequest{}, http.StatusNotFound},
		{"unknown activity", "/api/clients/acme/timelines/generate",
			GenerateRequest{Assignments: []AssignmentDTO{{ActivityID: "vat"}}}, http.StatusNotFound},
		{"unknown subactivity", "/api/clients/acme/timelines/generate",
			GenerateRequest{Assignments: []AssignmentDTO{{ActivityID: "gst", SubactivityID: "gstr9"}}}, http.StatusNotFound},
		{"bad fee", "/api/clients/acme/timelines/generate",
			GenerateRequest{Assignments: []AssignmentDTO{{ActivityID: "gst", Fee: "lots"}}}, http.StatusBadRequest},
		{"bad financial year", "/api/clients/acme/timelines/generate",
			GenerateRequest{FinancialYear: "2024"}, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestListTimelines_Errors(t *testing.T) {
	s := newTestServer(t)
	s.importClient(t, "acme")

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/clients/ghost/timelines", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/clients/acme/timelines?financial_year=next", nil).Code)

	rec := s.do(t, http.MethodGet, "/api/clients/acme/timelines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]TimelineDTO](t, rec))
}

// =============================================================================
// ACTIVITIES
// =============================================================================

func TestActivities_CreateAndFetch(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/activities", map[string]any{
		"id":   "itr",
		"name": "Income Tax",
		"subactivities": []map[string]any{
			{"id": "itr-filing", "name": "ITR", "frequency": "yearly", "frequencyConfig": map[string]any{"month": "July", "dayOfMonth": 31}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/activities/itr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	doc := decode[factory.ActivityJSON](t, rec)
	assert.Equal(t, "Income Tax", doc.Name)
	require.Len(t, doc.Subactivities, 1)
	assert.Equal(t, "yearly", doc.Subactivities[0].Frequency)

	rec = s.do(t, http.MethodGet, "/api/activities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]factory.ActivityJSON](t, rec), 2)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/activities/vat", nil).Code)
}

func TestActivities_RejectInvalidRecurrence(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/activities", map[string]any{
		"id":            "bad",
		"subactivities": []map[string]any{{"id": "x", "name": "X", "frequency": "fortnightly"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

// =============================================================================
// ADMIN
// =============================================================================

func TestDuplicates_ReportThenRemove(t *testing.T) {
	// GIVEN: Generated April filing plus an older legacy copy without a key
	// WHEN: The report is requested, then removal is requested
	// THEN: The report changes nothing and removal collapses the group

	s := newTestServer(t)
	ctx := context.Background()
	s.importClient(t, "acme", importer.ActivityRecord{ActivityID: "gst", SubactivityID: "gstr1"})

	_, created, err := s.store.UpsertIfAbsent(ctx, timeline.Instance{
		ID:            "legacy-april",
		ClientID:      "acme",
		ActivityID:    "gst",
		Snapshot:      &timeline.SubactivitySnapshot{ID: "gstr1", Name: "GSTR-1"},
		FinancialYear: "2024-2025",
		Period:        "April-2024",
		DueDate:       time.Date(2024, time.April, 11, 9, 0, 0, 0, time.UTC),
		Status:        timeline.StatusPending,
		Type:          timeline.TypeRecurring,
		CreatedAt:     time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.True(t, created)

	rec := s.do(t, http.MethodGet, "/api/admin/duplicates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[DuplicatesResponse](t, rec)
	require.NotNil(t, report.Report)
	require.Len(t, report.Report.Groups, 1)
	assert.Equal(t, 2, report.Report.Groups[0].Count)
	assert.Equal(t, 1, report.Report.Groups[0].WouldDelete)

	rec = s.do(t, http.MethodPost, "/api/admin/duplicates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[DuplicatesResponse](t, rec).DryRun)

	rec = s.do(t, http.MethodPost, "/api/admin/duplicates?dry_run=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	removal := decode[DuplicatesResponse](t, rec)
	require.NotNil(t, removal.Removal)
	assert.Equal(t, 1, removal.Removal.Deleted)
	assert.Equal(t, 1, removal.Removal.Repaired)

	timelines, err := s.store.ListByClient(ctx, "acme", "2024-2025")
	require.NoError(t, err)
	assert.Len(t, timelines, 12)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/admin/duplicates?dry_run=maybe", nil).Code)
}

func TestJobs_ListAndRun(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/admin/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]JobDTO](t, rec), 2)

	rec = s.do(t, http.MethodPost, "/api/admin/jobs/noop/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[JobDTO](t, rec)
	assert.Equal(t, 1, job.RunCount)
	assert.NotNil(t, job.LastRun)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/admin/jobs/ghost/run", nil).Code)

	rec = s.do(t, http.MethodPost, "/api/admin/jobs/broken/run", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "boom", decode[ErrorResponse](t, rec).Details)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
