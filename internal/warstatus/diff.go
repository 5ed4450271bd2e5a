package warstatus

import (
	"fmt"
	"sort"

	"warwatch/internal/storage"
)

// Diff computes the war events between two consecutive snapshots of the same
// server. It is pure: no I/O, no clock, deterministic output order (realms
// sorted, buildings in slot order).
//
// Rules:
//   - Buildings are compared index-aligned over the shared prefix; each slot
//     whose owner changed emits one captured event.
//   - Relics and gems are compared as sorted owner multisets; any difference
//     emits exactly one coarse event per realm per category.
//   - Realms absent from the old snapshot have no baseline and are skipped.
func Diff(old, cur *storage.WarSnapshot) []storage.WarEvent {
	if old == nil || cur == nil {
		return nil
	}

	realms := make([]string, 0, len(cur.Realms))
	for name := range cur.Realms {
		realms = append(realms, name)
	}
	sort.Strings(realms)

	var events []storage.WarEvent
	for _, realm := range realms {
		prev, ok := old.Realms[realm]
		if !ok {
			continue
		}
		next := cur.Realms[realm]

		n := len(prev.Buildings)
		if len(next.Buildings) < n {
			n = len(next.Buildings)
		}
		for i := 0; i < n; i++ {
			if prev.Buildings[i].Owner == next.Buildings[i].Owner {
				continue
			}
			building := NormalizeBuilding(next.Buildings[i].Name)
			events = append(events, storage.WarEvent{
				At:       cur.TakenAt,
				Server:   cur.Server,
				Realm:    realm,
				Action:   storage.ActionCaptured,
				Building: building,
				Message:  fmt.Sprintf("%s captured %s in %s", next.Buildings[i].Owner, building, realm),
			})
		}

		if !sameMultiset(prev.Relics, next.Relics) {
			events = append(events, storage.WarEvent{
				At:      cur.TakenAt,
				Server:  cur.Server,
				Realm:   realm,
				Action:  storage.ActionRelicChange,
				Message: fmt.Sprintf("relic holdings changed in %s", realm),
			})
		}
		if !sameMultiset(prev.Gems, next.Gems) {
			events = append(events, storage.WarEvent{
				At:      cur.TakenAt,
				Server:  cur.Server,
				Realm:   realm,
				Action:  storage.ActionGemChange,
				Message: fmt.Sprintf("gem holdings changed in %s", realm),
			})
		}
	}
	return events
}

func sameMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
