package api

import (
	"net/http"
	"time"

	"github.com/seantiz/lobbylink/internal/connection"
)

const (
	healthOK       = "ok"
	healthStarting = "starting"
)

// healthResponse reports whether the subsystem can make progress.
type healthResponse struct {
	Status           string    `json:"status"`
	SchedulerRunning bool      `json:"scheduler_running"`
	LastDrive        time.Time `json:"last_drive,omitzero"`
	ActiveTasks      int       `json:"active_tasks"`
	Services         []string  `json:"services"`
	ConnectedUsers   int       `json:"connected_users"`
	Journal          bool      `json:"journal"`
}

// handleHealthz answers 503 while the scheduler loop is not running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	sched := s.sub.Scheduler
	resp := healthResponse{
		Status:           healthOK,
		SchedulerRunning: sched.Running(),
		LastDrive:        sched.LastDrive(),
		ActiveTasks:      len(sched.Active()),
		Services:         []string{},
		Journal:          s.store != nil,
	}
	for _, svc := range s.sub.Registry.List() {
		resp.Services = append(resp.Services, svc.Name)
	}
	for _, snap := range s.sub.Manager.Snapshots() {
		if snap.State == connection.StateConnected {
			resp.ConnectedUsers++
		}
	}

	code := http.StatusOK
	if !resp.SchedulerRunning {
		resp.Status = healthStarting
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}
