package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds and runs the testserver binary")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "lobbylink-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "testserver")
		out, err := exec.Command("go", "build", "-o", binary, ".").CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func startServer(t *testing.T) string {
	t.Helper()
	binary := getBinary(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(), "LOBBYLINK_LISTEN_ADDR="+addr)
	cmd.Stdout = stdout
	cmd.Stderr = stdout
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	url := "http://" + addr
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return url
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return ""
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestServicesListed(t *testing.T) {
	url := startServer(t)

	var services []struct {
		Name string `json:"name"`
	}
	if code := getJSON(t, url+"/v1/services", &services); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(services) != 7 {
		t.Errorf("services = %d, want 7", len(services))
	}
}

func TestConnectLifecycle(t *testing.T) {
	url := startServer(t)

	body := strings.NewReader(`{"token":"tok","user_id":"me","platform":"steam"}`)
	resp, err := http.Post(url+"/v1/connections/0", "application/json", body)
	if err != nil {
		t.Fatalf("POST connect: %v", err)
	}
	var created struct {
		TaskID string `json:"task_id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if created.TaskID == "" {
		t.Fatal("missing task_id")
	}

	// The scripted backend answers after a delay, so poll the task and the
	// connection until both settle.
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		var task struct {
			Record *struct {
				State   string `json:"state"`
				Outcome string `json:"outcome"`
			} `json:"record"`
		}
		var conn struct {
			State         string   `json:"state"`
			Subscriptions []string `json:"subscriptions"`
		}
		getJSON(t, url+"/v1/tasks/"+created.TaskID, &task)
		getJSON(t, url+"/v1/connections/0", &conn)
		if task.Record != nil && task.Record.State == "completed" && conn.State == "connected" {
			if task.Record.Outcome != "success" {
				t.Fatalf("outcome = %q, want success", task.Record.Outcome)
			}
			if len(conn.Subscriptions) == 0 {
				t.Error("expected collaborator subscriptions after connect")
			}
			return
		}
		time.Sleep(pollInterval)
	}
	t.Fatal("connect task did not complete")
}
