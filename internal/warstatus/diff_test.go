package warstatus

import (
	"testing"
	"time"

	"warwatch/internal/storage"
)

func snap(server string, realms map[string]storage.RealmState) *storage.WarSnapshot {
	return &storage.WarSnapshot{
		Server:  server,
		TakenAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Realms:  realms,
	}
}

func TestDiffIndexAlignedCapture(t *testing.T) {
	old := snap("mars", map[string]storage.RealmState{
		"kador": {Buildings: []storage.Building{
			{Name: "Fort Alpha", Owner: "red"},
			{Name: "Fort Beta", Owner: "blue"},
		}},
	})
	cur := snap("mars", map[string]storage.RealmState{
		"kador": {Buildings: []storage.Building{
			{Name: "Fort Alpha", Owner: "blue"},
			{Name: "Fort Beta", Owner: "blue"},
		}},
	})

	events := Diff(old, cur)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Action != storage.ActionCaptured || ev.Building != "alpha" || ev.Realm != "kador" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Message != "blue captured alpha in kador" {
		t.Fatalf("message = %q", ev.Message)
	}
}

func TestDiffSameSnapshotNoEvents(t *testing.T) {
	s := snap("mars", map[string]storage.RealmState{
		"kador": {
			Buildings: []storage.Building{{Name: "Fort Alpha", Owner: "red"}},
			Relics:    []string{"red", "blue"},
			Gems:      []string{"blue"},
		},
	})
	if events := Diff(s, s); len(events) != 0 {
		t.Fatalf("diff of identical snapshots produced %d events", len(events))
	}
}

func TestDiffCoarseRelicAndGemChange(t *testing.T) {
	old := snap("mars", map[string]storage.RealmState{
		"kador": {Relics: []string{"red", "red", "blue"}, Gems: []string{"red"}},
	})
	cur := snap("mars", map[string]storage.RealmState{
		"kador": {Relics: []string{"blue", "blue", "red"}, Gems: []string{"red"}},
	})

	events := Diff(old, cur)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 (one coarse event per category)", len(events))
	}
	if events[0].Action != storage.ActionRelicChange {
		t.Fatalf("action = %q", events[0].Action)
	}
}

func TestDiffRelicOrderInsensitive(t *testing.T) {
	old := snap("mars", map[string]storage.RealmState{
		"kador": {Relics: []string{"red", "blue"}},
	})
	cur := snap("mars", map[string]storage.RealmState{
		"kador": {Relics: []string{"blue", "red"}},
	})
	if events := Diff(old, cur); len(events) != 0 {
		t.Fatalf("reordered relic owners must not produce events, got %+v", events)
	}
}

func TestDiffSkipsRealmsWithoutBaseline(t *testing.T) {
	old := snap("mars", map[string]storage.RealmState{})
	cur := snap("mars", map[string]storage.RealmState{
		"kador": {Buildings: []storage.Building{{Name: "Fort Alpha", Owner: "red"}}},
	})
	if events := Diff(old, cur); len(events) != 0 {
		t.Fatalf("realm with no prior data must be skipped, got %+v", events)
	}
}

func TestDiffShorterPrefixOnly(t *testing.T) {
	old := snap("mars", map[string]storage.RealmState{
		"kador": {Buildings: []storage.Building{{Name: "A", Owner: "red"}}},
	})
	cur := snap("mars", map[string]storage.RealmState{
		"kador": {Buildings: []storage.Building{
			{Name: "A", Owner: "red"},
			{Name: "B", Owner: "blue"},
		}},
	})
	if events := Diff(old, cur); len(events) != 0 {
		t.Fatalf("slots beyond the shared prefix must not diff, got %+v", events)
	}
}

func TestNormalizeBuilding(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Fort Alpha", "alpha"},
		{"Castle Greyrock", "greyrock"},
		{"Mine (3)", "mine"},
		{"Great Wall of Kador", "wall"},
		{"Great Wall of Kador (2)", "wall"},
		{"Old Watch Tower", "old_watch_tower"},
		{"  Fort  Twin Peaks  ", "twin_peaks"},
		{"wall", "wall"},
	}
	for _, c := range cases {
		if got := NormalizeBuilding(c.in); got != c.want {
			t.Errorf("NormalizeBuilding(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
