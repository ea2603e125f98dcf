package placement

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	stateFileName        = "placement-state.json"
	saveDebounceDuration = 100 * time.Millisecond
)

// CurrentStateVersion is the schema version for persistent state.
const CurrentStateVersion = 1

// PersistentState is the JSON-serializable placement state.
type PersistentState struct {
	Version int    `json:"version"`
	NodeID  string `json:"node_id"`
	Current *DLT   `json:"current,omitempty"`
	Target  *DLT   `json:"target,omitempty"`
}

// StateProvider supplies and restores the state being persisted.
type StateProvider interface {
	GetNodeID() string
	GetTables() (current, target *DLT)
	RestoreState(state *PersistentState) error
}

// StateManager persists placement state to disk. Saves are debounced so a
// burst of table changes produces one write.
type StateManager struct {
	dataDir  string
	provider StateProvider
	log      logr.Logger

	dirty atomic.Bool
	mu    sync.Mutex

	saveCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// NewStateManager creates the data directory and starts the save loop.
func NewStateManager(dataDir string, log logr.Logger) (*StateManager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	m := &StateManager{
		dataDir: dataDir,
		log:     log.WithName("placement-state"),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.saveLoop()

	return m, nil
}

// SetProvider sets the state source.
func (m *StateManager) SetProvider(provider StateProvider) {
	m.provider = provider
}

func (m *StateManager) saveLoop() {
	defer m.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-m.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(saveDebounceDuration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if m.dirty.Load() && m.provider != nil {
				if err := m.save(); err != nil {
					m.log.Error(err, "state save failed")
				}
			}

		case <-m.doneCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// MarkDirty schedules a save.
func (m *StateManager) MarkDirty() {
	if m.dirty.CompareAndSwap(false, true) {
		select {
		case m.saveCh <- struct{}{}:
		default:
		}
	}
}

// Load restores saved state into the provider. A missing file is not an error.
func (m *StateManager) Load() error {
	if m.provider == nil {
		return fmt.Errorf("provider not set")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.dataDir, stateFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}

	if state.Version != CurrentStateVersion {
		return fmt.Errorf("unsupported state version: %d", state.Version)
	}

	return m.provider.RestoreState(&state)
}

func (m *StateManager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear before reading so a change racing this save re-marks it dirty.
	m.dirty.Store(false)

	current, target := m.provider.GetTables()
	state := PersistentState{
		Version: CurrentStateVersion,
		NodeID:  m.provider.GetNodeID(),
		Current: current,
		Target:  target,
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		m.dirty.Store(true)
		return fmt.Errorf("marshal state: %w", err)
	}

	path := filepath.Join(m.dataDir, stateFileName)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		m.dirty.Store(true)
		return fmt.Errorf("write temp file: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_RDONLY, 0)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		m.dirty.Store(true)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// Save writes the state immediately.
func (m *StateManager) Save() error {
	if m.provider == nil {
		return fmt.Errorf("provider not set")
	}
	return m.save()
}

// Close stops the save loop and flushes pending changes.
func (m *StateManager) Close() error {
	close(m.doneCh)
	m.wg.Wait()

	if m.dirty.Load() && m.provider != nil {
		return m.save()
	}
	return nil
}

// FilePath returns the state file location.
func (m *StateManager) FilePath() string {
	return filepath.Join(m.dataDir, stateFileName)
}
