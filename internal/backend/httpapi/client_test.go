package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/lobbylink/internal/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// outcome captures the single handler invocation of one call.
type outcome struct {
	payload []byte
	code    int
	message string
	ok      bool
}

func issue(t *testing.T, c backend.Caller, req backend.Request) outcome {
	t.Helper()
	ch := make(chan outcome, 2)
	c.Issue(context.Background(), req,
		func(p []byte) { ch <- outcome{payload: p, ok: true} },
		func(code int, msg string) { ch <- outcome{code: code, message: msg} },
	)
	var got outcome
	select {
	case got = <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no handler invoked")
	}
	select {
	case extra := <-ch:
		t.Fatalf("second handler invoked: %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
	return got
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url, RPS: 1000, Burst: 1000}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestIssueSuccess(t *testing.T) {
	var gotAuth, gotReqID, gotBody, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotReqID = r.Header.Get(RequestIDHeader)
		gotQuery = r.URL.Query().Get("language")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.URL.Path != "/platform/items" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"itemId":"i1"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	got := issue(t, c.Service(backend.ServicePlatform, "/platform"), backend.Request{
		Method: http.MethodPost,
		Path:   "items",
		Query:  map[string][]string{"language": {"en"}},
		Body:   map[string]string{"sku": "s1"},
		Token:  "tok",
	})

	if !got.ok {
		t.Fatalf("call failed: %d %s", got.code, got.message)
	}
	if string(got.payload) != `{"itemId":"i1"}` {
		t.Errorf("payload = %s", got.payload)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotReqID == "" {
		t.Error("missing request id header")
	}
	if gotQuery != "en" {
		t.Errorf("language = %q", gotQuery)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(gotBody), &body); err != nil || body["sku"] != "s1" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestIssueServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"errorCode":20002,"errorMessage":"validation error"}`))
	}))
	defer srv.Close()

	got := issue(t, newClient(t, srv.URL), backend.Request{Path: "/x"})
	if got.ok || got.code != 20002 || got.message != "validation error" {
		t.Errorf("got %+v, want 20002/validation error", got)
	}
}

func TestIssuePlainHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	got := issue(t, newClient(t, srv.URL), backend.Request{Path: "/x"})
	if got.ok || got.code != http.StatusServiceUnavailable {
		t.Errorf("got %+v, want 503", got)
	}
	if got.message != http.StatusText(http.StatusServiceUnavailable) {
		t.Errorf("message = %q", got.message)
	}
}

func TestIssueTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	got := issue(t, newClient(t, url), backend.Request{Path: "/x"})
	if got.ok || got.code != backend.CodeTransport {
		t.Errorf("got %+v, want transport error", got)
	}
}

func TestIssueCanceled(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan int, 1)
	c.Issue(ctx, backend.Request{Path: "/x"},
		func([]byte) { ch <- 1 },
		func(code int, _ string) { ch <- code },
	)
	select {
	case code := <-ch:
		if code != backend.CodeCanceled {
			t.Errorf("code = %d, want %d", code, backend.CodeCanceled)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no handler invoked")
	}
}

func TestAbsolutePathBypassesServicePrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/docs/tos-en.md" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("terms"))
	}))
	defer srv.Close()

	c := newClient(t, "http://127.0.0.1:1")
	got := issue(t, c.Service(backend.ServiceAgreement, "/agreement"), backend.Request{Path: srv.URL + "/docs/tos-en.md"})
	if !got.ok || string(got.payload) != "terms" {
		t.Errorf("got %+v", got)
	}
}

func TestWorkersBoundConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Workers: 2, RPS: 1000, Burst: 1000}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		c.Issue(context.Background(), backend.Request{Path: "/x"},
			func([]byte) { wg.Done() },
			func(int, string) { wg.Done() },
		)
	}
	wg.Wait()
	c.Wait()

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "ftp://example.com"}, testLogger()); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
