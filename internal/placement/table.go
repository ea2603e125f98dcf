package placement

import (
	"fmt"
	"sync"
)

// Table holds the authoritative (current) DLT and, while a change is being
// rolled out, the target DLT.
type Table struct {
	nodeID       string
	current      *DLT
	target       *DLT
	stateManager *StateManager
	mu           sync.RWMutex
}

// NewTable creates a table for the local node.
func NewTable(nodeID string, initial *DLT) *Table {
	return &Table{nodeID: nodeID, current: initial}
}

// SetStateManager enables persistence of every table change.
func (t *Table) SetStateManager(mgr *StateManager) {
	t.stateManager = mgr
}

func (t *Table) markDirty() {
	if t.stateManager != nil {
		t.stateManager.MarkDirty()
	}
}

// NodeID returns the local node id.
func (t *Table) NodeID() string {
	return t.nodeID
}

// Current returns the authoritative table.
func (t *Table) Current() *DLT {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Target returns the pending table, or nil.
func (t *Table) Target() *DLT {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.target
}

// CurrentVersion returns the authoritative version.
func (t *Table) CurrentVersion() Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return 0
	}
	return t.current.Version
}

// TargetVersion returns the pending version, or the current one when no
// change is pending.
func (t *Table) TargetVersion() Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.target != nil {
		return t.target.Version
	}
	if t.current == nil {
		return 0
	}
	return t.current.Version
}

// BitsPerToken returns the width of the current table.
func (t *Table) BitsPerToken() uint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return 0
	}
	return t.current.BitsPerToken
}

// TokenOf maps an object id using the current table.
func (t *Table) TokenOf(objectID string) Token {
	return TokenOf(objectID, t.BitsPerToken())
}

// Owners returns the current owners of the object's token.
func (t *Table) Owners(objectID string) []string {
	cur := t.Current()
	if cur == nil {
		return nil
	}
	return cur.Owners(cur.TokenOf(objectID))
}

// IsLocal reports whether this node owns the object under the current table.
func (t *Table) IsLocal(objectID string) bool {
	cur := t.Current()
	if cur == nil {
		return true
	}
	return cur.IsOwner(cur.TokenOf(objectID), t.nodeID)
}

// SetTarget installs the table the cluster is moving to and returns the
// local plan against the current table.
func (t *Table) SetTarget(next *DLT) (*Plan, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		t.current = next
		t.markDirty()
		return &Plan{TargetVersion: next.Version}, nil
	}
	if t.target != nil && t.target.Version != next.Version {
		return nil, fmt.Errorf("target version %d already pending", t.target.Version)
	}
	plan, err := ComputePlan(t.current, next, t.nodeID, false)
	if err != nil {
		return nil, err
	}
	t.target = next
	t.markDirty()
	return plan, nil
}

// RestoreTarget puts back the pending table SetTarget replaced, for a target
// whose migration could not start.
func (t *Table) RestoreTarget(prev *DLT) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.target == prev {
		return
	}
	t.target = prev
	t.markDirty()
}

// Commit makes the pending table authoritative and retires the old version.
func (t *Table) Commit(version Version) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.target == nil {
		if t.current != nil && t.current.Version == version {
			return nil
		}
		return fmt.Errorf("no pending table for version %d", version)
	}
	if t.target.Version != version {
		return fmt.Errorf("pending version is %d, not %d", t.target.Version, version)
	}
	t.current = t.target
	t.target = nil
	t.markDirty()
	return nil
}

// GetNodeID implements StateProvider.
func (t *Table) GetNodeID() string {
	return t.nodeID
}

// GetTables implements StateProvider.
func (t *Table) GetTables() (current, target *DLT) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.target
}

// RestoreState implements StateProvider.
func (t *Table) RestoreState(ps *PersistentState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps.NodeID != "" && t.nodeID != "" && ps.NodeID != t.nodeID {
		return fmt.Errorf("state belongs to node %s, not %s", ps.NodeID, t.nodeID)
	}
	t.current = ps.Current
	t.target = ps.Target
	return nil
}
