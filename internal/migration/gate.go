package migration

import (
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
)

// Decision is the forwarding gate's verdict for one IO request.
type Decision int

const (
	// Local means the request is served locally only.
	Local Decision = iota
	// Forward means the request is served locally and mirrored to the
	// token's new owner.
	Forward
)

func (d Decision) String() string {
	if d == Forward {
		return "forward"
	}
	return "local"
}

// Gate answers routing questions for the IO path from migration state. It is
// safe for concurrent use.
type Gate struct {
	m *Manager
}

// NewGate returns the gate for m.
func NewGate(m *Manager) *Gate {
	return &Gate{m: m}
}

// Decide returns Forward when a migration is in progress, the object's token
// is being forwarded, and the request was issued under a placement version
// other than the migration target.
func (g *Gate) Decide(objectID string, reqVersion placement.Version) Decision {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	if len(g.m.forwardTargetsLocked(objectID, reqVersion)) > 0 {
		return Forward
	}
	return Local
}

// ImportSource returns the previous owner of objectID when its token is still
// being migrated in and the object has not arrived yet.
func (g *Gate) ImportSource(objectID string) (string, bool) {
	g.m.mu.Lock()
	defer g.m.mu.Unlock()
	imp, ok := g.m.imports[g.m.tokenOf(objectID)]
	if !ok || imp.has(objectID) {
		return "", false
	}
	return imp.source, true
}

// NoteLocalWrite records a local write to an importing token, so later reads
// of the object stay local.
func (g *Gate) NoteLocalWrite(objectID string) {
	g.m.noteImported(g.m.tokenOf(objectID), objectID)
}
