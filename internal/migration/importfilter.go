package migration

import (
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// ImportFilter remembers which objects of an importing token already reached
// this node. A false positive only means a read is served locally before the
// object arrived; a saturated filter answers true for everything.
type ImportFilter struct {
	mu        sync.Mutex
	filter    *cuckoo.Filter
	saturated bool
}

// NewImportFilter creates a filter sized for capacity objects.
func NewImportFilter(capacity uint) *ImportFilter {
	return &ImportFilter{filter: cuckoo.NewFilter(capacity)}
}

// Insert records objectID.
func (f *ImportFilter) Insert(objectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saturated {
		return
	}
	key := []byte(objectID)
	if f.filter.Lookup(key) {
		return
	}
	if !f.filter.Insert(key) {
		f.saturated = true
	}
}

// Has reports whether objectID (probably) arrived.
func (f *ImportFilter) Has(objectID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saturated || f.filter.Lookup([]byte(objectID))
}

// Count returns the number of recorded ids.
func (f *ImportFilter) Count() uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.Count()
}
