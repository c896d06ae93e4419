package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// serverLoginResponse is returned once a server login task is submitted.
type serverLoginResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleServerLogin(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "server"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid server")
		return
	}
	task, err := s.sub.LoginServer(n, nil)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, serverLoginResponse{TaskID: task.ID})
}
