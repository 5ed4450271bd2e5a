package warstatus

import (
	"errors"
	"strings"

	"warwatch/internal/storage"
)

// OwnerUnknown is the sentinel owner for icons outside the faction set.
// Parsing never fails on an unrecognized icon.
const OwnerUnknown = "unknown"

// Parser turns wire documents into realm states. Realm names are matched
// case-insensitively against a closed set; realms outside it are dropped.
type Parser struct {
	realms   map[string]string // lower -> canonical
	factions map[string]string // lower icon -> canonical
}

func NewParser(realms, factions []string) *Parser {
	p := &Parser{
		realms:   make(map[string]string, len(realms)),
		factions: make(map[string]string, len(factions)),
	}
	for _, r := range realms {
		r = strings.TrimSpace(r)
		if r != "" {
			p.realms[strings.ToLower(r)] = r
		}
	}
	for _, f := range factions {
		f = strings.TrimSpace(f)
		if f != "" {
			p.factions[strings.ToLower(f)] = f
		}
	}
	return p
}

// Parse maps a document to realm states. A document with no known realm at
// all yields a *ParseError.
func (p *Parser) Parse(server string, doc *Document) (map[string]storage.RealmState, error) {
	if doc == nil {
		return nil, &ParseError{Server: server, Err: errors.New("empty document")}
	}
	out := make(map[string]storage.RealmState, len(doc.Realms))
	for name, wire := range doc.Realms {
		canonical, ok := p.realms[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		state := storage.RealmState{
			Buildings: make([]storage.Building, 0, len(wire.Buildings)),
			Relics:    p.resolveAll(wire.Relics),
			Gems:      p.resolveAll(wire.Gems),
		}
		for _, b := range wire.Buildings {
			state.Buildings = append(state.Buildings, storage.Building{
				Name:  strings.TrimSpace(b.Name),
				Owner: p.resolveOwner(b.Owner),
			})
		}
		out[canonical] = state
	}
	if len(out) == 0 {
		return nil, &ParseError{Server: server, Err: errors.New("no known realms in document")}
	}
	return out, nil
}

func (p *Parser) resolveOwner(icon string) string {
	if canonical, ok := p.factions[strings.ToLower(strings.TrimSpace(icon))]; ok {
		return canonical
	}
	return OwnerUnknown
}

func (p *Parser) resolveAll(icons []string) []string {
	out := make([]string, 0, len(icons))
	for _, icon := range icons {
		out = append(out, p.resolveOwner(icon))
	}
	return out
}
