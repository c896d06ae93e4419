package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/lobbylink/internal/backend"
	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/realtime/realtimetest"
	"github.com/seantiz/lobbylink/internal/subsystem"
)

func getHealth(t *testing.T, url string) (int, healthResponse) {
	t.Helper()
	resp, err := http.Get(url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	// Run starts on its own goroutine; wait for the loop to report in.
	deadline := time.Now().Add(2 * time.Second)
	code, body := getHealth(t, ts.URL)
	for code != http.StatusOK && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		code, body = getHealth(t, ts.URL)
	}

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.Status != healthOK || !body.SchedulerRunning {
		t.Errorf("body = %+v, want ok with a running scheduler", body)
	}
	if len(body.Services) != len(subsystem.ServicePaths) || !slices.Contains(body.Services, backend.ServiceIAM) {
		t.Errorf("services = %v", body.Services)
	}
	if !body.Journal {
		t.Error("journal = false with a SQLite journal configured")
	}
	if body.ConnectedUsers != 0 {
		t.Errorf("connected users = %d, want 0", body.ConnectedUsers)
	}

	resp, err := http.Post(ts.URL+"/v1/connections/0", "application/json", strings.NewReader(`{"token":"tok"}`))
	if err != nil {
		t.Fatalf("POST connect: %v", err)
	}
	resp.Body.Close()
	waitForState(t, ts.URL+"/v1/connections/0", connection.StateConnected)

	if _, body = getHealth(t, ts.URL); body.ConnectedUsers != 1 {
		t.Errorf("connected users = %d, want 1", body.ConnectedUsers)
	}
}

func TestHealthzBeforeSchedulerRuns(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	sub, err := subsystem.New(subsystem.Options{Factory: (&realtimetest.Factory{}).New}, logger)
	if err != nil {
		t.Fatalf("subsystem.New: %v", err)
	}
	srv := NewServer(":0", nil, sub, logger)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	code, body := getHealth(t, ts.URL)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body.Status != healthStarting || body.SchedulerRunning || body.Journal {
		t.Errorf("body = %+v", body)
	}
	if len(body.Services) != 0 {
		t.Errorf("services = %v, want none registered", body.Services)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Make a request to generate metrics.
	http.Get(ts.URL + "/healthz")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	if !strings.Contains(body, "lobbylink_http_requests_total") {
		t.Error("metrics output missing lobbylink_http_requests_total")
	}
	if !strings.Contains(body, "lobbylink_http_request_duration_seconds") {
		t.Error("metrics output missing lobbylink_http_request_duration_seconds")
	}
	for _, want := range []string{
		`lobbylink_connections{state="connected"} 0`,
		"lobbylink_scheduler_running",
		"lobbylink_services_registered 7",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
