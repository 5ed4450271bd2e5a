package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"warwatch/internal/storage"
	"warwatch/pkg/logx"
)

type fakeStore struct {
	snap    *storage.WarSnapshot
	events  []storage.WarEvent
	stats   []storage.WarEventStat
	jobs    []storage.NotificationJob
	pingErr error
}

func (f *fakeStore) LatestSnapshot(context.Context, string) (*storage.WarSnapshot, error) {
	return f.snap, nil
}

func (f *fakeStore) SnapshotHistory(context.Context, string, int, int) ([]storage.WarSnapshot, error) {
	if f.snap == nil {
		return nil, nil
	}
	return []storage.WarSnapshot{*f.snap}, nil
}

func (f *fakeStore) ListWarEvents(context.Context, string, int, int) ([]storage.WarEvent, error) {
	return f.events, nil
}

func (f *fakeStore) WarEventStats(context.Context, string) ([]storage.WarEventStat, error) {
	return f.stats, nil
}

func (f *fakeStore) ListJobs(context.Context, storage.JobStatus, int) ([]storage.NotificationJob, error) {
	return f.jobs, nil
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func testServer(t *testing.T, st *fakeStore, cfg Config) *httptest.Server {
	t.Helper()
	srv := New(cfg, st, nil, nil, logx.Nop())
	ts := httptest.NewServer(srv.handler(cfg))
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestWarLatest(t *testing.T) {
	st := &fakeStore{snap: &storage.WarSnapshot{
		Server:  "mars",
		TakenAt: time.Now().UTC(),
		Realms: map[string]storage.RealmState{
			"kador": {Buildings: []storage.Building{{Name: "Fort A", Owner: "red"}}},
		},
	}}
	ts := testServer(t, st, Config{})

	resp := get(t, ts.URL+"/api/war/latest?server=mars")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap storage.WarSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Server != "mars" || len(snap.Realms) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestWarLatestNoSnapshotIs404(t *testing.T) {
	ts := testServer(t, &fakeStore{}, Config{})
	resp := get(t, ts.URL+"/api/war/latest?server=mars")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServerParamRequired(t *testing.T) {
	ts := testServer(t, &fakeStore{}, Config{})
	for _, path := range []string{"/api/war/latest", "/api/war/history", "/api/war/events", "/api/war/stats"} {
		resp := get(t, ts.URL+path)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestJobsViewHidesContent(t *testing.T) {
	st := &fakeStore{jobs: []storage.NotificationJob{{
		ID:        "j1",
		Recipient: "user@example.com",
		Body:      "secret body",
		Kind:      "email",
		Status:    storage.StatusCompleted,
	}}}
	ts := testServer(t, st, Config{})

	resp := get(t, ts.URL+"/api/jobs")
	var payload struct {
		Jobs []map[string]any `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Jobs) != 1 {
		t.Fatalf("jobs = %d", len(payload.Jobs))
	}
	job := payload.Jobs[0]
	if job["id"] != "j1" || job["status"] != "completed" {
		t.Fatalf("unexpected job view: %v", job)
	}
	for _, hidden := range []string{"recipient", "body", "subject"} {
		if _, ok := job[hidden]; ok {
			t.Errorf("audit view must not expose %q", hidden)
		}
	}
}

func TestHealthDegradedOnStoreFailure(t *testing.T) {
	ts := testServer(t, &fakeStore{pingErr: errors.New("disk gone")}, Config{})
	resp := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestTokenGuard(t *testing.T) {
	ts := testServer(t, &fakeStore{}, Config{Token: "s3cret"})

	resp := get(t, ts.URL+"/healthz")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp = get(t, ts.URL+"/healthz?token=s3cret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query token status = %d, want 200", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Fatalf("bearer token status = %d, want 200", r2.StatusCode)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6680", true},
		{"localhost:6680", true},
		{"[::1]:6680", true},
		{"0.0.0.0:6680", false},
		{":6680", false},
		{"10.0.0.5:6680", false},
	}
	for _, c := range cases {
		if got := isLoopbackAddr(c.addr); got != c.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", c.addr, got, c.want)
		}
	}
}
