package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/lobbylink/internal/engine"
	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listTasksResponse wraps the paginated journal plus the live task set.
type listTasksResponse struct {
	Tasks  []*model.TaskRecord `json:"tasks"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
	Active []engine.TaskInfo   `json:"active"`
}

// taskResponse is the JSON response for GET /v1/tasks/{id}. Live is set
// while the scheduler still holds the task.
type taskResponse struct {
	Record *model.TaskRecord `json:"record,omitempty"`
	Live   *engine.TaskInfo  `json:"live,omitempty"`
}

func (s *Server) activeTask(id string) (*engine.TaskInfo, bool) {
	for _, info := range s.sub.Scheduler.Active() {
		if info.ID == id {
			return &info, true
		}
	}
	return nil, false
}

// lookupTask finds a task in the scheduler or the journal. It reports
// store.ErrNotFound when neither knows id.
func (s *Server) lookupTask(r *http.Request, id string) (taskResponse, error) {
	var resp taskResponse
	resp.Live, _ = s.activeTask(id)
	if s.store != nil {
		rec, err := s.store.GetTask(r.Context(), id)
		switch {
		case err == nil:
			resp.Record = rec
		case !errors.Is(err, store.ErrNotFound):
			return resp, err
		}
	}
	if resp.Live == nil && resp.Record == nil {
		return resp, store.ErrNotFound
	}
	return resp, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	resp, err := s.lookupTask(r, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	resp := listTasksResponse{
		Tasks:  []*model.TaskRecord{},
		Limit:  limit,
		Offset: offset,
		Active: s.sub.Scheduler.Active(),
	}
	if s.store != nil {
		tasks, total, err := s.store.ListTasks(r.Context(), limit, offset)
		if err != nil {
			s.logger.Error("list tasks", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
			return
		}
		if tasks != nil {
			resp.Tasks = tasks
		}
		resp.Total = total
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
