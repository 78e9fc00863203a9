// Package task tracks scrape tasks through pending, scraping, completed and failed.
package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
)

// ErrNotFound is returned for unknown task IDs.
var ErrNotFound = errors.New("task not found")

// Manager is a concurrent-safe in-memory task registry. Records are never
// evicted. Each task has a single writer, the goroutine processing it.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]scrape.Task
	ids    scrape.IDGenerator
	clock  scrape.Clock
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(ids scrape.IDGenerator, clock scrape.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tasks:  make(map[string]scrape.Task),
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// Create registers a pending task for url and returns its ID.
func (m *Manager) Create(url string) (string, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	task := scrape.Task{
		ID:        id,
		URL:       url,
		Status:    scrape.StatusPending,
		CreatedAt: m.clock.Now(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[id]; exists {
		return "", fmt.Errorf("task %s already exists", id)
	}
	m.tasks[id] = task
	m.logger.Debug("task created", zap.String("task_id", id), zap.String("url", url))
	return id, nil
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id string) (scrape.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return scrape.Task{}, false
	}
	if task.CompletedAt != nil {
		task.CompletedAt = pointerTime(*task.CompletedAt)
	}
	return task, true
}

// UpdateStatus sets the status of an existing task; unknown IDs are ignored.
func (m *Manager) UpdateStatus(id string, status scrape.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return
	}
	task.Status = status
	m.tasks[id] = task
	m.logger.Debug("task status changed", zap.String("task_id", id), zap.String("status", string(status)))
}

// SetResult completes the task with env and stamps CompletedAt.
func (m *Manager) SetResult(id string, env scrape.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return
	}
	result := env
	task.Status = scrape.StatusCompleted
	task.Result = &result
	task.Error = ""
	task.CompletedAt = pointerTime(m.clock.Now())
	m.tasks[id] = task
}

// SetError fails the task with msg.
func (m *Manager) SetError(id string, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return
	}
	task.Status = scrape.StatusFailed
	task.Error = msg
	task.Result = nil
	m.tasks[id] = task
}

// Len returns the number of tracked tasks.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
