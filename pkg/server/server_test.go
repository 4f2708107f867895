package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/storyloom/pkg/jobs"
	"github.com/nstogner/storyloom/pkg/models/echo"
	"github.com/nstogner/storyloom/pkg/transport"
)

func setup(t *testing.T, delay time.Duration) (*httptest.Server, *jobs.Manager) {
	t.Helper()
	mgr := jobs.NewManager(echo.New(delay), jobs.Config{Model: echo.Name}, nil)
	srv := httptest.NewServer(New(mgr, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
	})
	return srv, mgr
}

func TestGetJob(t *testing.T) {
	srv, mgr := setup(t, time.Hour)
	id, err := mgr.Submit(transport.Request{Prompt: "slow story"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/jobs/" + id)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st transport.JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.ID != id || st.Status != transport.JobPending {
		t.Errorf("job = %+v", st)
	}
}

func TestUnknownJobIs404(t *testing.T) {
	srv, _ := setup(t, 0)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/jobs/missing"},
		{http.MethodPost, "/api/jobs/missing/cancel"},
	} {
		req, _ := http.NewRequest(tc.method, srv.URL+tc.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound || !strings.Contains(body["error"], "not found") {
			t.Errorf("%s %s = %d %v", tc.method, tc.path, resp.StatusCode, body)
		}
	}
}

func TestCancelJob(t *testing.T) {
	srv, mgr := setup(t, time.Hour)
	id, _ := mgr.Submit(transport.Request{Prompt: "slow story"})

	resp, err := http.Post(srv.URL+"/api/jobs/"+id+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		st, _ := mgr.Status(id)
		if st.Status == transport.JobCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not cancelled: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListJobsAndModels(t *testing.T) {
	srv, mgr := setup(t, time.Hour)
	mgr.Submit(transport.Request{Prompt: "one"})
	mgr.Submit(transport.Request{Prompt: "two"})

	resp, err := http.Get(srv.URL + "/api/jobs")
	if err != nil {
		t.Fatalf("GET jobs: %v", err)
	}
	var list []transport.JobStatus
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 2 {
		t.Errorf("listed %d jobs, want 2", len(list))
	}

	resp, err = http.Get(srv.URL + "/api/models")
	if err != nil {
		t.Fatalf("GET models: %v", err)
	}
	var names []string
	json.NewDecoder(resp.Body).Decode(&names)
	resp.Body.Close()
	if len(names) != 1 || names[0] != echo.Name {
		t.Errorf("models = %v", names)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := setup(t, 0)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/jobs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamRejectsEmptyRequest(t *testing.T) {
	srv, _ := setup(t, 0)
	conn := dial(t, srv)

	if err := conn.WriteJSON(transport.Request{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ev jobs.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != jobs.EventError || ev.Error == "" {
		t.Errorf("event = %+v", ev)
	}
}

func TestStreamDeliversJob(t *testing.T) {
	srv, mgr := setup(t, 0)
	conn := dial(t, srv)

	if err := conn.WriteJSON(transport.Request{Prompt: "tiny"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var events []jobs.Event
	for {
		var ev jobs.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		events = append(events, ev)
	}
	if len(events) < 2 || events[0].Type != jobs.EventStart || events[len(events)-1].Type != jobs.EventFinal {
		t.Fatalf("events = %+v", events)
	}
	st, err := mgr.Status(events[1].JobID)
	if err != nil || st.Status != transport.JobDone {
		t.Errorf("job = %+v, %v", st, err)
	}
}
