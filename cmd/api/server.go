package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"bactrack/account"
	"bactrack/apperr"
	"bactrack/auth"
	"bactrack/logger"
	"bactrack/project"
	"bactrack/stage"
)

const (
	displayLayout = "01-02-2006 03:04 PM"
	dateLayout    = "01-02-2006"
)

type projectService interface {
	Create(ctx context.Context, actor auth.Actor, params project.CreateParams) (project.Project, error)
	Get(ctx context.Context, id string) (project.Project, error)
	List(ctx context.Context, filters project.Filters) ([]project.Listing, error)
	UpdateHeader(ctx context.Context, actor auth.Actor, params project.HeaderParams) (project.Project, error)
	Delete(ctx context.Context, actor auth.Actor, id string) error
}

type stageEngine interface {
	Snapshot(ctx context.Context, projectID string, actor auth.Actor) (stage.Snapshot, error)
	Submit(ctx context.Context, params stage.SubmitParams) (stage.Snapshot, error)
}

type accountDirectory interface {
	GetByID(ctx context.Context, id string) (account.Profile, error)
	DisplayName(ctx context.Context, id string) (string, error)
}

type Server struct {
	projectService projectService
	stageEngine    stageEngine
	accounts       accountDirectory
	logger         *zap.Logger
	ready          func(ctx context.Context) error
}

type projectResponse struct {
	ID                 string  `json:"id"`
	PRNumber           string  `json:"prNumber"`
	Details            string  `json:"details"`
	Remarks            *string `json:"remarks"`
	CreatorID          string  `json:"creatorId"`
	CreatorName        string  `json:"creatorName"`
	CreatorOffice      string  `json:"creatorOffice"`
	CreatedAt          string  `json:"createdAt"`
	EditedAt           string  `json:"editedAt"`
	LastAccessedAt     string  `json:"lastAccessedAt"`
	LastAccessedByName string  `json:"lastAccessedBy"`
}

type projectListItem struct {
	ID          string `json:"id"`
	PRNumber    string `json:"prNumber"`
	Details     string `json:"details"`
	CreatorName string `json:"creatorName"`
	CreatedAt   string `json:"createdAt"`
	EditedAt    string `json:"editedAt"`
}

type projectRequest struct {
	PRNumber string `json:"prNumber"`
	Details  string `json:"details"`
	Remarks  string `json:"remarks"`
}

type submitStageRequest struct {
	StageName string `json:"stageName"`
	stage.Fields
}

// routes registers every endpoint. The /api tree requires a bearer token.
func (s *Server) routes(verifier auth.TokenVerifier) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/projects", s.handleProjects)
	api.HandleFunc("/api/projects/", s.handleProjectDetail)

	mux := http.NewServeMux()
	mux.Handle("/api/", auth.Middleware(verifier, api))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", metricsHandler())

	return s.withRequestLogging(mux)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing actor")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleListProjects(w, r)
	case http.MethodPost:
		s.handleCreateProject(w, r, actor)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := project.Filters{Search: q.Get("search")}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filters.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filters.Offset = offset
	}

	list, err := s.projectService.List(r.Context(), filters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]projectListItem, 0, len(list))
	for _, l := range list {
		items = append(items, projectListItem{
			ID:          l.ID,
			PRNumber:    l.PRNumber,
			Details:     l.Details,
			CreatorName: l.CreatorName,
			CreatedAt:   l.CreatedAt.Format(dateLayout),
			EditedAt:    formatOptional(l.EditedAt, dateLayout),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var body projectRequest
	if !decodeBody(w, r, &body) {
		return
	}

	p, err := s.projectService.Create(r.Context(), actor, project.CreateParams{
		PRNumber: body.PRNumber,
		Details:  body.Details,
		Remarks:  body.Remarks,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.projectView(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleProjectDetail serves /api/projects/{id} and /api/projects/{id}/stages.
func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.ActorFrom(r.Context())
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing actor")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/projects/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || parts[0] == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid project path")
		return
	}
	projectID := parts[0]

	if len(parts) == 2 {
		if parts[1] != "stages" {
			writeJSONError(w, http.StatusNotFound, "unknown resource")
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.handleStageSnapshot(w, r, projectID, actor)
		case http.MethodPost:
			s.handleSubmitStage(w, r, projectID, actor)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetProject(w, r, projectID)
	case http.MethodPut:
		s.handleUpdateProject(w, r, projectID, actor)
	case http.MethodDelete:
		s.handleDeleteProject(w, r, projectID, actor)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request, projectID string) {
	p, err := s.projectService.Get(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.projectView(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request, projectID string, actor auth.Actor) {
	var body projectRequest
	if !decodeBody(w, r, &body) {
		return
	}

	p, err := s.projectService.UpdateHeader(r.Context(), actor, project.HeaderParams{
		ProjectID: projectID,
		PRNumber:  body.PRNumber,
		Details:   body.Details,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.projectView(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request, projectID string, actor auth.Actor) {
	if err := s.projectService.Delete(r.Context(), actor, projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStageSnapshot(w http.ResponseWriter, r *http.Request, projectID string, actor auth.Actor) {
	snap, err := s.stageEngine.Snapshot(r.Context(), projectID, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSubmitStage(w http.ResponseWriter, r *http.Request, projectID string, actor auth.Actor) {
	var body submitStageRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.StageName) == "" {
		writeJSONError(w, http.StatusBadRequest, "stageName is required")
		return
	}

	snap, err := s.stageEngine.Submit(r.Context(), stage.SubmitParams{
		ProjectID: projectID,
		Stage:     body.StageName,
		Fields:    body.Fields,
		Actor:     actor,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			logger.FromContext(r.Context(), s.log()).Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// projectView resolves the creator and last accessor names for a header.
func (s *Server) projectView(ctx context.Context, p project.Project) (projectResponse, error) {
	resp := projectResponse{
		ID:                 p.ID,
		PRNumber:           p.PRNumber,
		Details:            p.Details,
		Remarks:            p.Remarks,
		CreatorID:          p.CreatorID,
		CreatorName:        account.NotAvailable,
		CreatedAt:          p.CreatedAt.Format(displayLayout),
		EditedAt:           formatOptional(p.EditedAt, displayLayout),
		LastAccessedAt:     formatOptional(p.LastAccessedAt, displayLayout),
		LastAccessedByName: account.NotAvailable,
	}

	creator, err := s.accounts.GetByID(ctx, p.CreatorID)
	switch {
	case err == nil:
		resp.CreatorName = creator.DisplayName()
		resp.CreatorOffice = creator.Office
	case !errors.Is(err, account.ErrNotFound):
		return projectResponse{}, apperr.Storage("account: get creator", err)
	}

	if p.LastAccessedBy != nil {
		name, err := s.accounts.DisplayName(ctx, *p.LastAccessedBy)
		if err != nil {
			return projectResponse{}, apperr.Storage("account: get last accessor", err)
		}
		resp.LastAccessedByName = name
	}
	return resp, nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *apperr.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  vErr.Error(),
			"kind":   vErr.Kind,
			"stage":  vErr.Stage,
			"fields": vErr.Fields,
		})
	case errors.Is(err, apperr.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, apperr.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	default:
		logger.FromContext(r.Context(), s.log()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatOptional(t *time.Time, layout string) string {
	if t == nil {
		return account.NotAvailable
	}
	return t.Format(layout)
}
