package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/procgraph/internal/forward"
	"github.com/danmuck/procgraph/internal/protocol"
	"github.com/danmuck/procgraph/internal/protocol/command"
	"github.com/danmuck/procgraph/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
)

func adminRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminEdgeLifecycle(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc := NewServiceWithConfig(testServiceConfig())
	h := svc.AdminHandler()

	if rec := adminRequest(t, h, http.MethodPost, "/edges", `{"source":1,"target":2}`); rec.Code != http.StatusOK {
		t.Fatalf("connect status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := adminRequest(t, h, http.MethodPost, "/edges", `{"source":1,"target":3}`); rec.Code != http.StatusOK {
		t.Fatalf("connect status=%d", rec.Code)
	}
	if rec := adminRequest(t, h, http.MethodPost, "/edges", `{"source":1,"target":3}`); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate connect status=%d", rec.Code)
	}
	if rec := adminRequest(t, h, http.MethodPut, "/edges/0x1/policy", `{"policy":"round-robin"}`); rec.Code != http.StatusOK {
		t.Fatalf("policy status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := adminRequest(t, h, http.MethodPut, "/edges/1/policy", `{"policy":"combine"}`); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("reserved policy status=%d", rec.Code)
	}

	rec := adminRequest(t, h, http.MethodGet, "/edges", "")
	var listed struct {
		Entries []forward.EntrySnapshot `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode edges: %v", err)
	}
	want := []forward.EntrySnapshot{{Source: 1, Policy: protocol.PolicyRoundRobin, Targets: []protocol.Address{3, 2}}}
	if diff := cmp.Diff(want, listed.Entries); diff != "" {
		t.Fatalf("edges mismatch (-want +got):\n%s", diff)
	}

	rec = adminRequest(t, h, http.MethodGet, "/edges/1", "")
	var report command.StatusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if report.Connected || len(report.Targets) != 2 {
		t.Fatalf("unexpected status %+v", report)
	}

	if rec := adminRequest(t, h, http.MethodDelete, "/edges/1/2", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status=%d", rec.Code)
	}
	if rec := adminRequest(t, h, http.MethodDelete, "/edges/1/2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d", rec.Code)
	}
	if rec := adminRequest(t, h, http.MethodDelete, "/edges/nope/2", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address status=%d", rec.Code)
	}
}

func TestAdminHealthAndRequestID(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc := NewServiceWithConfig(testServiceConfig())
	h := svc.AdminHandler()

	for _, path := range []string{"/health", "/ready", "/nodes", "/metrics"} {
		rec := adminRequest(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rec.Code)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Fatalf("%s missing request id", path)
		}
	}
	rec := adminRequest(t, h, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), "procgraph_stream_desync_bytes_total") {
		t.Fatalf("metrics output missing procgraph series")
	}
}
