package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d", path, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("GET %s Content-Type = %q", path, ct)
	}
	return rec
}

func TestHealth(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 15, 9, 26, 535000000, time.FixedZone("TRT", 3*3600))
	r := newRouter(New(nil, WithClock(func() time.Time { return fixed })))

	var got Status
	if err := json.NewDecoder(get(t, r, "/health").Body).Decode(&got); err != nil {
		t.Fatal(err)
	}

	if got.Status != "healthy" {
		t.Errorf("status = %q", got.Status)
	}
	if got.Timestamp != "2025-03-14T12:09:26.535Z" {
		t.Errorf("timestamp = %q", got.Timestamp)
	}
}

func TestHealth_WholeSecondKeepsMillis(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	r := newRouter(New(nil, WithClock(func() time.Time { return fixed })))

	var got Status
	if err := json.NewDecoder(get(t, r, "/health").Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Timestamp != "2025-03-14T12:00:00.000Z" {
		t.Errorf("timestamp = %q", got.Timestamp)
	}
}

func TestHealth_TimestampParses(t *testing.T) {
	r := newRouter(New(nil))

	for i := 0; i < 3; i++ {
		var got Status
		if err := json.NewDecoder(get(t, r, "/health").Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
			t.Errorf("timestamp %q is not RFC 3339: %v", got.Timestamp, err)
		}
	}
}

func TestRoot(t *testing.T) {
	names := []string{"user", "profile", "subscription", "content", "video", "authentication"}
	h := New(names)
	names[0] = "mutated"

	var got Descriptor
	if err := json.NewDecoder(get(t, newRouter(h), "/").Body).Decode(&got); err != nil {
		t.Fatal(err)
	}

	if got.Service != ServiceName || got.Status != "running" {
		t.Errorf("descriptor = %+v", got)
	}
	want := "user,profile,subscription,content,video,authentication"
	if strings.Join(got.Subgraphs, ",") != want {
		t.Errorf("subgraphs = %v, want %s", got.Subgraphs, want)
	}
}

func TestStats(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	h := New(nil, WithClock(func() time.Time { return now }))
	now = start.Add(90 * time.Second)

	var got StatsResponse
	if err := json.NewDecoder(get(t, newRouter(h), "/stats").Body).Decode(&got); err != nil {
		t.Fatal(err)
	}

	if got.Uptime != "1m30s" {
		t.Errorf("uptime = %q", got.Uptime)
	}
	if got.GoVersion != runtime.Version() {
		t.Errorf("go version = %q", got.GoVersion)
	}
	if got.NumGoroutine < 1 || got.Memory.Sys == 0 {
		t.Errorf("stats = %+v", got)
	}
}
