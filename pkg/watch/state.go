package watch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"image-harvester/pkg/utils"
)

const stateFileName = "watch_state.json"

// TaskState contains the last run information for a task
type TaskState struct {
	LastRunTime    time.Time     `json:"last_run_time"`
	LastRunSuccess bool          `json:"last_run_success"`
	ImagesSaved    int64         `json:"images_saved"`
	Duration       time.Duration `json:"duration_ns"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// WatchState contains the persistent state for the watch scheduler
type WatchState struct {
	Tasks     map[string]TaskState `json:"tasks"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// StateManager handles persisting and loading watch state
type StateManager struct {
	stateDir  string
	statePath string
	state     WatchState
	mu        sync.RWMutex
	now       func() time.Time
}

// NewStateManager creates a state manager backed by stateDir/watch_state.json
func NewStateManager(stateDir string) *StateManager {
	return &StateManager{
		stateDir:  stateDir,
		statePath: filepath.Join(stateDir, stateFileName),
		state:     WatchState{Tasks: make(map[string]TaskState)},
		now:       time.Now,
	}
}

// Path returns the state file location
func (m *StateManager) Path() string {
	return m.statePath
}

// Load loads the state from disk. A missing file is an empty state.
func (m *StateManager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state = WatchState{Tasks: make(map[string]TaskState)}
			return nil
		}
		return fmt.Errorf("%w: reading watch state: %w", utils.ErrFilesystem, err)
	}

	var loaded WatchState
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("%w: parsing watch state '%s': %w", utils.ErrParsing, m.statePath, err)
	}
	if loaded.Tasks == nil {
		loaded.Tasks = make(map[string]TaskState)
	}
	m.state = loaded
	return nil
}

// Save writes the state to disk via a temp file and rename
func (m *StateManager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.UpdatedAt = m.now()

	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating state directory: %w", utils.ErrFilesystem, err)
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watch state: %w", err)
	}

	tmpPath := m.statePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: writing watch state: %w", utils.ErrFilesystem, err)
	}
	if err := os.Rename(tmpPath, m.statePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: replacing watch state: %w", utils.ErrFilesystem, err)
	}
	return nil
}

// GetTaskState returns the state for a task
func (m *StateManager) GetTaskState(task string) (TaskState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state.Tasks[task]
	return state, ok
}

// RecordRun stores the outcome of a task run that started at startedAt
func (m *StateManager) RecordRun(task string, startedAt time.Time, imagesSaved int64, runErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := TaskState{
		LastRunTime:    startedAt,
		LastRunSuccess: runErr == nil,
		ImagesSaved:    imagesSaved,
		Duration:       m.now().Sub(startedAt),
	}
	if runErr != nil {
		state.ErrorMessage = runErr.Error()
	}
	m.state.Tasks[task] = state
}

// ShouldRun reports whether interval has passed since the task last started
func (m *StateManager) ShouldRun(task string, interval time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Tasks[task]
	if !ok {
		return true
	}
	return m.now().Sub(state.LastRunTime) >= interval
}

// GetNextRunTime returns when the task should next run
func (m *StateManager) GetNextRunTime(task string, interval time.Duration) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.state.Tasks[task]
	if !ok {
		return m.now()
	}
	return state.LastRunTime.Add(interval)
}

// GetAllTaskStates returns a copy of every task state
func (m *StateManager) GetAllTaskStates() map[string]TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]TaskState, len(m.state.Tasks))
	for k, v := range m.state.Tasks {
		result[k] = v
	}
	return result
}
