package api

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/feature/identity"
	"github.com/seantiz/lobbylink/internal/model"
)

// connectRequest is the JSON body for POST /v1/connections/{user}.
type connectRequest struct {
	Token          string `json:"token"`
	UserID         string `json:"user_id"`
	Platform       string `json:"platform"`
	PlatformUserID string `json:"platform_user_id"`
}

// connectResponse is returned once the connect task is submitted.
type connectResponse struct {
	TaskID     string              `json:"task_id"`
	Connection connection.Snapshot `json:"connection"`
}

// parseOwner reads the {user} URL parameter as a local user index.
func parseOwner(r *http.Request) (model.Owner, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "user"))
	if err != nil {
		return model.Owner{}, false
	}
	owner := model.Owner{LocalUserNum: n}
	return owner, owner.Valid()
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	snaps := s.sub.Manager.Snapshots()
	slices.SortFunc(snaps, func(a, b connection.Snapshot) int {
		return cmp.Compare(a.Owner.LocalUserNum, b.Owner.LocalUserNum)
	})
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid local user")
		return
	}
	s.writeJSON(w, http.StatusOK, s.sub.Manager.Snapshot(owner))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid local user")
		return
	}

	var req connectRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		s.writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	owner.UserID = req.UserID

	task, err := s.sub.Login(owner, req.Token, identity.PlatformInfo{
		Platform:       req.Platform,
		PlatformUserID: req.PlatformUserID,
	})
	if err != nil {
		s.logger.Error("submit connect", "owner", owner.Key(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit connect")
		return
	}

	s.writeJSON(w, http.StatusAccepted, connectResponse{
		TaskID:     task.ID,
		Connection: s.sub.Manager.Snapshot(owner),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseOwner(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid local user")
		return
	}
	s.sub.Logout(owner)
	w.WriteHeader(http.StatusAccepted)
}
