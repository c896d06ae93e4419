package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByState       map[string]int `json:"by_state"`
	ByOutcome     map[string]int `json:"by_outcome"`
	ByName        map[string]int `json:"by_name"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Active        int            `json:"active"`
	Connections   int            `json:"connections"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		ByState:     map[string]int{},
		ByOutcome:   map[string]int{},
		ByName:      map[string]int{},
		Active:      len(s.sub.Scheduler.Active()),
		Connections: len(s.sub.Manager.Snapshots()),
	}
	if s.store != nil {
		stats, err := s.store.GetTaskStats(r.Context())
		if err != nil {
			s.logger.Error("get task stats", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get stats")
			return
		}
		resp.Total = stats.Total
		resp.ByState = stats.CountByState
		resp.ByOutcome = stats.CountByOutcome
		resp.ByName = stats.CountByName
		resp.AvgDurationMS = stats.AvgDurationMS
	}
	s.writeJSON(w, http.StatusOK, resp)
}
