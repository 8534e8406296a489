package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/samjin/taskmaster/internal/applog"
	"github.com/samjin/taskmaster/internal/engine"
	"github.com/samjin/taskmaster/internal/process"
)

func testServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(engine.Options{Log: applog.New(applog.Config{})})
	eng.Boot(map[string]process.Spec{
		"web": {Name: "web", Cmd: "/bin/sleep 5", NumProcs: 1, StopSignal: "TERM", AutoStart: true}.WithDefaults(),
		"worker": {Name: "worker", Cmd: "/bin/true", NumProcs: 1, StopSignal: "TERM", AutoStart: false}.WithDefaults(),
	}, "")
	t.Cleanup(eng.Shutdown)
	return New(eng, ":0", nil, applog.New(applog.Config{})), eng
}

func TestHandleProgramsListsAll(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/programs", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Programs []string `json:"programs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Programs) != 2 || body.Programs[0] != "web" || body.Programs[1] != "worker" {
		t.Fatalf("unexpected programs: %v", body.Programs)
	}
}

func TestHandleStatusShapeMatchesContract(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	var rows []statusEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	for _, r := range rows {
		if r.Name == "worker" && r.Status != "STOPPED" {
			t.Fatalf("worker should report STOPPED, got %q", r.Status)
		}
	}
}

func TestHandleIndexServesHTML(t *testing.T) {
	s, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("expected a content-type header")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := testServer(t)
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop(context.Background())
	s.Stop(context.Background()) // must not panic or block
}
