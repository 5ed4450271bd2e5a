package warstatus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"warwatch/internal/storage"
	"warwatch/pkg/logx"
)

type fakeFetcher struct {
	doc *Document
	err error
}

func (f *fakeFetcher) Fetch(context.Context, string) (*Document, error) { return f.doc, f.err }

type fakeStore struct {
	mu        sync.Mutex
	snapshots map[string][]storage.WarSnapshot
	events    []storage.WarEvent
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{snapshots: map[string][]storage.WarSnapshot{}}
}

func (f *fakeStore) LatestSnapshot(_ context.Context, server string) (*storage.WarSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps := f.snapshots[server]
	if len(snaps) == 0 {
		return nil, nil
	}
	last := snaps[len(snaps)-1]
	return &last, nil
}

func (f *fakeStore) InsertSnapshot(_ context.Context, snap storage.WarSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.snapshots[snap.Server] = append(f.snapshots[snap.Server], snap)
	return nil
}

func (f *fakeStore) InsertWarEvents(_ context.Context, events []storage.WarEvent) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return len(events), nil
}

func (f *fakeStore) snapshotCount(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots[server])
}

type fakeNotifier struct {
	mu    sync.Mutex
	kinds []string
	body  []string
}

func (f *fakeNotifier) Enqueue(_ context.Context, _, _, body, kind string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.body = append(f.body, body)
	return "job-1", nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.kinds)
}

func testDoc(owner string) *Document {
	return &Document{Realms: map[string]DocumentRealm{
		"kador": {Buildings: []DocumentBuilding{{Name: "Fort Alpha", Owner: owner}}},
	}}
}

func newTestPoller(st *fakeStore, nf *fakeNotifier, f Fetcher) *Service {
	svc := New(Config{
		Enabled:       true,
		BaseURL:       "http://unused.invalid",
		Servers:       []string{"mars", "venus"},
		PrimaryServer: "mars",
		FetchInterval: 30 * time.Second,
		Realms:        []string{"kador"},
		Factions:      []string{"red", "blue"},
	}, st, nf, nil, logx.Nop())
	svc.fetcher = f
	return svc
}

func TestCycleFirstSnapshotNoDiff(t *testing.T) {
	st := newFakeStore()
	nf := &fakeNotifier{}
	svc := newTestPoller(st, nf, &fakeFetcher{doc: testDoc("red")})

	svc.cycle(context.Background(), "mars")

	if st.snapshotCount("mars") != 1 {
		t.Fatalf("snapshots = %d, want 1", st.snapshotCount("mars"))
	}
	if len(st.events) != 0 {
		t.Fatalf("first snapshot must not produce events, got %+v", st.events)
	}
}

func TestCycleGatesOnFreshSnapshot(t *testing.T) {
	st := newFakeStore()
	nf := &fakeNotifier{}
	svc := newTestPoller(st, nf, &fakeFetcher{doc: testDoc("red")})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	svc.cycle(context.Background(), "mars")

	// 10s later: under the 30s interval, the snapshot is gated.
	svc.now = func() time.Time { return base.Add(10 * time.Second) }
	svc.cycle(context.Background(), "mars")
	if st.snapshotCount("mars") != 1 {
		t.Fatalf("snapshots = %d, want 1 (gated)", st.snapshotCount("mars"))
	}

	// 30s later: due again.
	svc.now = func() time.Time { return base.Add(30 * time.Second) }
	svc.cycle(context.Background(), "mars")
	if st.snapshotCount("mars") != 2 {
		t.Fatalf("snapshots = %d, want 2", st.snapshotCount("mars"))
	}
}

func TestCycleDiffsAndNotifiesPrimary(t *testing.T) {
	st := newFakeStore()
	nf := &fakeNotifier{}
	fetcher := &fakeFetcher{doc: testDoc("red")}
	svc := newTestPoller(st, nf, fetcher)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	svc.cycle(context.Background(), "mars")

	fetcher.doc = testDoc("blue")
	svc.now = func() time.Time { return base.Add(time.Minute) }
	svc.cycle(context.Background(), "mars")

	if len(st.events) != 1 || st.events[0].Action != storage.ActionCaptured {
		t.Fatalf("events = %+v, want one captured", st.events)
	}
	if nf.count() != 1 {
		t.Fatalf("notifications = %d, want 1", nf.count())
	}
	if !strings.Contains(nf.body[0], "alpha") {
		t.Fatalf("notification body %q does not name the building", nf.body[0])
	}
}

func TestCycleSuppressesNonPrimaryNotifications(t *testing.T) {
	st := newFakeStore()
	nf := &fakeNotifier{}
	fetcher := &fakeFetcher{doc: testDoc("red")}
	svc := newTestPoller(st, nf, fetcher)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	svc.cycle(context.Background(), "venus")

	fetcher.doc = testDoc("blue")
	svc.now = func() time.Time { return base.Add(time.Minute) }
	svc.cycle(context.Background(), "venus")

	if len(st.events) != 1 {
		t.Fatalf("events = %d, want 1 (events are recorded for all servers)", len(st.events))
	}
	if nf.count() != 0 {
		t.Fatalf("non-primary server must not notify, got %d", nf.count())
	}
}

func TestCycleSkipsOnFetchError(t *testing.T) {
	st := newFakeStore()
	nf := &fakeNotifier{}
	svc := newTestPoller(st, nf, &fakeFetcher{err: &FetchError{Server: "mars", Err: errors.New("timeout")}})

	svc.cycle(context.Background(), "mars")
	if st.snapshotCount("mars") != 0 {
		t.Fatalf("failed fetch must not write a snapshot")
	}
}

func TestCycleSkipsOnParseError(t *testing.T) {
	st := newFakeStore()
	nf := &fakeNotifier{}
	svc := newTestPoller(st, nf, &fakeFetcher{doc: &Document{Realms: map[string]DocumentRealm{
		"atlantis": {},
	}}})

	svc.cycle(context.Background(), "mars")
	if st.snapshotCount("mars") != 0 {
		t.Fatalf("unparseable document must not write a snapshot")
	}
}
