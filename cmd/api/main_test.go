package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"bactrack/account"
	"bactrack/apperr"
	"bactrack/auth"
	"bactrack/project"
	"bactrack/stage"
)

var (
	staffActor = auth.Actor{ID: "staff-1"}
	adminActor = auth.Actor{ID: "admin-1", IsAdmin: true}
)

type stubProjects struct {
	project   project.Project
	listing   []project.Listing
	err       error
	filters   project.Filters
	deletedID string
}

func (s *stubProjects) Create(_ context.Context, actor auth.Actor, params project.CreateParams) (project.Project, error) {
	if s.err != nil {
		return project.Project{}, s.err
	}
	p := s.project
	p.PRNumber, p.Details, p.CreatorID = params.PRNumber, params.Details, actor.ID
	return p, nil
}

func (s *stubProjects) Get(_ context.Context, _ string) (project.Project, error) {
	return s.project, s.err
}

func (s *stubProjects) List(_ context.Context, filters project.Filters) ([]project.Listing, error) {
	s.filters = filters
	return s.listing, s.err
}

func (s *stubProjects) UpdateHeader(_ context.Context, _ auth.Actor, _ project.HeaderParams) (project.Project, error) {
	return s.project, s.err
}

func (s *stubProjects) Delete(_ context.Context, _ auth.Actor, id string) error {
	s.deletedID = id
	return s.err
}

type stubEngine struct {
	snapshot stage.Snapshot
	err      error
	params   stage.SubmitParams
}

func (s *stubEngine) Snapshot(_ context.Context, projectID string, _ auth.Actor) (stage.Snapshot, error) {
	snap := s.snapshot
	snap.ProjectID = projectID
	return snap, s.err
}

func (s *stubEngine) Submit(_ context.Context, params stage.SubmitParams) (stage.Snapshot, error) {
	s.params = params
	return s.snapshot, s.err
}

type stubAccounts struct {
	profiles map[string]account.Profile
}

func (s stubAccounts) GetByID(_ context.Context, id string) (account.Profile, error) {
	p, ok := s.profiles[id]
	if !ok {
		return account.Profile{}, account.ErrNotFound
	}
	return p, nil
}

func (s stubAccounts) DisplayName(ctx context.Context, id string) (string, error) {
	return account.NewService(s).DisplayName(ctx, id)
}

func withActor(req *http.Request, actor auth.Actor) *http.Request {
	return req.WithContext(auth.WithActor(req.Context(), actor))
}

func freshSnapshot() stage.Snapshot {
	return stage.Snapshot{Rows: stage.Canonical.Rows(nil, false)}
}

func TestHandleStageSnapshot_Success(t *testing.T) {
	server := &Server{stageEngine: &stubEngine{snapshot: freshSnapshot()}}

	req := withActor(httptest.NewRequest(http.MethodGet, "/api/projects/p1/stages", nil), staffActor)
	rec := httptest.NewRecorder()
	server.handleProjectDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		ProjectID string `json:"projectId"`
		Stages    []struct {
			StageName string `json:"stageName"`
			State     string `json:"state"`
			Action    string `json:"action"`
		} `json:"stages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.ProjectID != "p1" || len(payload.Stages) != 8 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Stages[0].StageName != "Purchase Request" || payload.Stages[0].Action != "submit" || payload.Stages[1].State != "awaiting_prior_stage" {
		t.Fatalf("unexpected rows: %+v", payload.Stages[:2])
	}
}

func TestHandleSubmitStage_PassesStructuredPayload(t *testing.T) {
	engine := &stubEngine{snapshot: freshSnapshot()}
	server := &Server{stageEngine: engine}

	body := strings.NewReader(`{"stageName":"RFQ 1","createdAt":"2024-01-10T09:00","approvedAt":"2024-01-10T10:00","office":"Supply","remark":"ok"}`)
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/projects/p1/stages", body), adminActor)
	rec := httptest.NewRecorder()
	server.handleProjectDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	want := stage.SubmitParams{
		ProjectID: "p1",
		Stage:     "RFQ 1",
		Fields:    stage.Fields{CreatedAt: "2024-01-10T09:00", ApprovedAt: "2024-01-10T10:00", Office: "Supply", Remark: "ok"},
		Actor:     adminActor,
	}
	if engine.params != want {
		t.Fatalf("unexpected params %+v", engine.params)
	}
}

func TestHandleSubmitStage_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"incomplete", apperr.IncompleteSubmission("RFQ 1", "office"), http.StatusUnprocessableEntity},
		{"out of order", apperr.OutOfOrder("RFQ 2"), http.StatusUnprocessableEntity},
		{"forbidden", apperr.Forbidden("submit stage"), http.StatusForbidden},
		{"not found", apperr.ProjectNotFound("p1"), http.StatusNotFound},
		{"storage", apperr.Storage("stage: commit tx", errors.New("conn reset")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := &Server{stageEngine: &stubEngine{err: tc.err}}
			body := strings.NewReader(`{"stageName":"RFQ 1"}`)
			req := withActor(httptest.NewRequest(http.MethodPost, "/api/projects/p1/stages", body), staffActor)
			rec := httptest.NewRecorder()
			server.handleProjectDetail(rec, req)

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestHandleSubmitStage_ValidationBodyNamesStageAndFields(t *testing.T) {
	server := &Server{stageEngine: &stubEngine{err: apperr.IncompleteSubmission("RFQ 1", "approvedAt", "remark")}}
	body := strings.NewReader(`{"stageName":"RFQ 1","createdAt":"2024-01-10T09:00","office":"Supply"}`)
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/projects/p1/stages", body), staffActor)
	rec := httptest.NewRecorder()
	server.handleProjectDetail(rec, req)

	var payload struct {
		Kind   string   `json:"kind"`
		Stage  string   `json:"stage"`
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Kind != "incomplete_submission" || payload.Stage != "RFQ 1" || strings.Join(payload.Fields, ",") != "approvedAt,remark" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHandleSubmitStage_StorageFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	server := &Server{
		stageEngine: &stubEngine{err: apperr.Storage("stage: commit tx", errors.New("conn reset"))},
		logger:      zap.New(core),
	}
	body := strings.NewReader(`{"stageName":"RFQ 1"}`)
	req := withActor(httptest.NewRequest(http.MethodPost, "/api/projects/p1/stages", body), staffActor)
	rec := httptest.NewRecorder()
	server.handleProjectDetail(rec, req)

	if strings.Contains(rec.Body.String(), "conn reset") {
		t.Fatalf("storage detail leaked to client: %s", rec.Body.String())
	}
	if logs.FilterMessage("request failed").Len() != 1 {
		t.Fatalf("expected storage failure to be logged")
	}
}

func TestHandleSubmitStage_BadRequests(t *testing.T) {
	server := &Server{stageEngine: &stubEngine{}}
	for name, body := range map[string]string{
		"malformed":     `{"stageName":`,
		"missing stage": `{"office":"Supply"}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := withActor(httptest.NewRequest(http.MethodPost, "/api/projects/p1/stages", strings.NewReader(body)), staffActor)
			rec := httptest.NewRecorder()
			server.handleProjectDetail(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestHandleProjectDetail_Routing(t *testing.T) {
	server := &Server{stageEngine: &stubEngine{}, projectService: &stubProjects{}}
	cases := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodPatch, "/api/projects/p1", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/projects/p1/stages", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/projects/", http.StatusBadRequest},
		{http.MethodGet, "/api/projects/p1/stages/extra", http.StatusBadRequest},
		{http.MethodGet, "/api/projects/p1/history", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := withActor(httptest.NewRequest(tc.method, tc.path, nil), staffActor)
		rec := httptest.NewRecorder()
		server.handleProjectDetail(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.status, rec.Code)
		}
	}
}

func TestHandleGetProject_ResolvesNames(t *testing.T) {
	created := time.Date(2024, 1, 10, 9, 5, 0, 0, time.UTC)
	accessed := time.Date(2024, 1, 12, 15, 30, 0, 0, time.UTC)
	accessor := "admin-1"
	server := &Server{
		projectService: &stubProjects{project: project.Project{
			ID: "p1", PRNumber: "PR-1", Details: "Laptops", CreatorID: "staff-1",
			CreatedAt: created, LastAccessedAt: &accessed, LastAccessedBy: &accessor,
		}},
		accounts: stubAccounts{profiles: map[string]account.Profile{
			"staff-1": {ID: "staff-1", FirstName: "Ana", LastName: "Reyes", Office: "Supply"},
			"admin-1": {ID: "admin-1", FirstName: "Ben", LastName: "Cruz"},
		}},
	}

	req := withActor(httptest.NewRequest(http.MethodGet, "/api/projects/p1", nil), staffActor)
	rec := httptest.NewRecorder()
	server.handleProjectDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp projectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CreatorName != "Ana Reyes" || resp.CreatorOffice != "Supply" || resp.LastAccessedByName != "Ben Cruz" {
		t.Fatalf("unexpected names %+v", resp)
	}
	if resp.CreatedAt != "01-10-2024 09:05 AM" || resp.LastAccessedAt != "01-12-2024 03:30 PM" {
		t.Fatalf("unexpected timestamps %q / %q", resp.CreatedAt, resp.LastAccessedAt)
	}
	if resp.EditedAt != account.NotAvailable {
		t.Fatalf("expected unset editedAt to read %q, got %q", account.NotAvailable, resp.EditedAt)
	}
}

func TestHandleProjects_ListAndCreate(t *testing.T) {
	created := time.Date(2024, 1, 10, 9, 5, 0, 0, time.UTC)
	projects := &stubProjects{
		project: project.Project{ID: "p2", CreatedAt: created},
		listing: []project.Listing{{Project: project.Project{ID: "p1", PRNumber: "PR-1", CreatedAt: created}, CreatorName: "Ana Reyes"}},
	}
	server := &Server{projectService: projects, accounts: stubAccounts{}}

	req := withActor(httptest.NewRequest(http.MethodGet, "/api/projects?search=laptop&limit=10", nil), staffActor)
	rec := httptest.NewRecorder()
	server.handleProjects(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if projects.filters.Search != "laptop" || projects.filters.Limit != 10 {
		t.Fatalf("filters not passed through: %+v", projects.filters)
	}
	var list struct {
		Items []projectListItem `json:"items"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || list.Items[0].CreatorName != "Ana Reyes" || list.Items[0].CreatedAt != "01-10-2024" {
		t.Fatalf("unexpected list %+v", list)
	}

	req = withActor(httptest.NewRequest(http.MethodPost, "/api/projects", strings.NewReader(`{"prNumber":"PR-2","details":"Chairs"}`)), staffActor)
	rec = httptest.NewRecorder()
	server.handleProjects(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	req = withActor(httptest.NewRequest(http.MethodGet, "/api/projects?limit=-1", nil), staffActor)
	rec = httptest.NewRecorder()
	server.handleProjects(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestHandleDeleteProject(t *testing.T) {
	projects := &stubProjects{}
	server := &Server{projectService: projects}

	req := withActor(httptest.NewRequest(http.MethodDelete, "/api/projects/p1", nil), adminActor)
	rec := httptest.NewRecorder()
	server.handleProjectDetail(rec, req)
	if rec.Code != http.StatusNoContent || projects.deletedID != "p1" {
		t.Fatalf("expected 204 deleting p1, got %d (%q)", rec.Code, projects.deletedID)
	}

	projects.err = apperr.Forbidden("delete project")
	rec = httptest.NewRecorder()
	server.handleProjectDetail(rec, withActor(httptest.NewRequest(http.MethodDelete, "/api/projects/p1", nil), staffActor))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRoutes_RequireBearerToken(t *testing.T) {
	tokens, err := auth.NewService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	server := &Server{stageEngine: &stubEngine{snapshot: freshSnapshot()}}
	handler := server.routes(tokens)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects/p1/stages", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	token, err := tokens.IssueToken(staffActor)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/projects/p1/stages", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz open, got %d", rec.Code)
	}
}

func TestHandleReady(t *testing.T) {
	server := &Server{ready: func(context.Context) error { return errors.New("ping failed") }}
	rec := httptest.NewRecorder()
	server.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	server.ready = func(context.Context) error { return nil }
	rec = httptest.NewRecorder()
	server.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	const id = "3f1c7a9e-0000-4000-8000-000000000000"
	cases := []struct {
		path string
		want string
	}{
		{"/api/projects", "/api/projects"},
		{"/api/projects/" + id, "/api/projects/{id}"},
		{"/api/projects/" + id + "/stages", "/api/projects/{id}/stages"},
		{"/readyz", "/readyz"},
		{"/wp-login.php", "other"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.path, got, tc.want)
		}
	}
}
