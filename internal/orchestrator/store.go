package orchestrator

import (
	"sync"

	"github.com/a2amesh/a2amesh/internal/common/errors"
)

// Store holds workflows in memory. All mutations run under the store
// lock so executor cycles and task responses see consistent snapshots.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewStore creates an empty workflow store.
func NewStore() *Store {
	return &Store{workflows: make(map[string]*Workflow)}
}

// Put adds a workflow.
func (s *Store) Put(w *Workflow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.WorkflowID] = w
}

// With runs fn against a workflow under the store lock. fn must not
// block on network or channels.
func (s *Store) With(workflowID string, fn func(w *Workflow) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[workflowID]
	if !ok {
		return errors.NotFound("workflow", workflowID)
	}
	return fn(w)
}

// FindByTask runs fn against the workflow owning taskID.
func (s *Store) FindByTask(taskID string, fn func(w *Workflow, t *Task) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workflows {
		if t := w.Task(taskID); t != nil {
			return fn(w, t)
		}
	}
	return errors.NotFound("task", taskID)
}

// List returns all workflow ids.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of workflows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}
