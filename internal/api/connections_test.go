package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/lobbylink/internal/connection"
	"github.com/seantiz/lobbylink/internal/model"
	"github.com/seantiz/lobbylink/internal/realtime"
)

func getSnapshot(t *testing.T, url string) connection.Snapshot {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var snap connection.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func waitForState(t *testing.T, url string, want connection.State) connection.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := getSnapshot(t, url)
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, want %q", snap.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	body := strings.NewReader(`{"token":"tok","user_id":"u0","platform":"steam"}`)
	resp, err := http.Post(ts.URL+"/v1/connections/0", "application/json", body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var created connectResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.TaskID == "" {
		t.Error("missing task id")
	}

	snap := waitForState(t, ts.URL+"/v1/connections/0", connection.StateConnected)
	if !snap.Attached || len(snap.Subscriptions) == 0 {
		t.Errorf("snapshot = %+v", snap)
	}
	if ch := env.factory.Last(model.Owner{LocalUserNum: 0}); ch == nil || ch.Connects() != 1 {
		t.Error("channel not connected once")
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/connections/0", nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusAccepted {
		t.Errorf("DELETE status = %d, want 202", dresp.StatusCode)
	}
	waitForState(t, ts.URL+"/v1/connections/0", connection.StateDisconnected)
}

func TestConnectValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		user string
		body string
	}{
		{"user not a number", "abc", `{"token":"t"}`},
		{"user out of range", "9", `{"token":"t"}`},
		{"bad json", "0", `{`},
		{"missing token", "0", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/connections/"+tt.user, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestTaskEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/connections/1", "application/json", strings.NewReader(`{"token":"tok"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var created connectResponse
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	waitForState(t, ts.URL+"/v1/connections/1", connection.StateConnected)

	deadline := time.Now().Add(2 * time.Second)
	var task taskResponse
	for {
		r, err := http.Get(ts.URL + "/v1/tasks/" + created.TaskID)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		json.NewDecoder(r.Body).Decode(&task)
		r.Body.Close()
		if task.Record != nil && task.Record.State == model.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task = %+v, want completed record", task)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if task.Record.Name != "connect" || task.Record.Outcome != model.OutcomeSuccess {
		t.Errorf("record = %+v", task.Record)
	}

	lresp, err := http.Get(ts.URL + "/v1/tasks?limit=500")
	if err != nil {
		t.Fatalf("GET tasks: %v", err)
	}
	defer lresp.Body.Close()
	var list listTasksResponse
	if err := json.NewDecoder(lresp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || len(list.Tasks) != 1 || list.Limit != defaultListLimit {
		t.Errorf("list = %+v", list)
	}

	nresp, err := http.Get(ts.URL + "/v1/tasks/missing")
	if err != nil {
		t.Fatalf("GET missing: %v", err)
	}
	nresp.Body.Close()
	if nresp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", nresp.StatusCode)
	}

	// A completed task has nothing left to stream.
	eresp, err := http.Get(ts.URL + "/v1/tasks/" + created.TaskID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer eresp.Body.Close()
	if ct := eresp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if line, _ := bufio.NewReader(eresp.Body).ReadString('\n'); line != "" {
		t.Errorf("unexpected event data %q", line)
	}
}

func TestStreamEventsForLiveTask(t *testing.T) {
	env := newTestEnv(t)
	env.factory.AutoConnect = false
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/connections/0", "application/json", strings.NewReader(`{"token":"tok"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var created connectResponse
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	waitForState(t, ts.URL+"/v1/connections/0", connection.StateConnecting)

	eresp, err := http.Get(ts.URL + "/v1/tasks/" + created.TaskID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer eresp.Body.Close()

	env.factory.Last(model.Owner{LocalUserNum: 0}).Emit(connectSuccess())

	scanner := bufio.NewScanner(eresp.Body)
	var sawCompleted, sawDone bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: {") && strings.Contains(line, `"to":"completed"`) {
			sawCompleted = true
		}
		if line == "event: done" {
			sawDone = true
			break
		}
	}
	if !sawCompleted || !sawDone {
		t.Errorf("completed = %v, done = %v", sawCompleted, sawDone)
	}
}

func connectSuccess() realtime.Event {
	return realtime.Event{Kind: realtime.KindConnectSuccess}
}
