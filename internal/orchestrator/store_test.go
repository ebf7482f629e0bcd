package orchestrator

import (
	"testing"

	"github.com/a2amesh/a2amesh/internal/common/errors"
)

func TestStorePutAndWith(t *testing.T) {
	s := NewStore()
	w := NewWorkflow("trade", "", nil)
	s.Put(w)

	if s.Len() != 1 {
		t.Fatalf("expected 1 workflow, got %d", s.Len())
	}

	err := s.With(w.WorkflowID, func(got *Workflow) error {
		if got != w {
			t.Error("expected the stored workflow")
		}
		got.Status = WorkflowStatusRunning
		return nil
	})
	if err != nil {
		t.Fatalf("With failed: %v", err)
	}
	if w.Status != WorkflowStatusRunning {
		t.Error("mutation under the lock was lost")
	}
}

func TestStoreWithUnknownWorkflow(t *testing.T) {
	s := NewStore()

	err := s.With("missing", func(w *Workflow) error { return nil })
	if !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestStoreFindByTask(t *testing.T) {
	s := NewStore()
	w := NewWorkflow("trade", "", nil)
	task := w.AddTask("fetch", "", nil, nil, nil)
	s.Put(w)

	err := s.FindByTask(task.TaskID, func(gotW *Workflow, gotT *Task) error {
		if gotW != w || gotT != task {
			t.Error("expected the owning workflow and task")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("FindByTask failed: %v", err)
	}

	if err := s.FindByTask("task_unknown_1", func(w *Workflow, t *Task) error { return nil }); !errors.IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestStoreList(t *testing.T) {
	s := NewStore()
	a := NewWorkflow("a", "", nil)
	b := NewWorkflow("b", "", nil)
	s.Put(a)
	s.Put(b)

	ids := s.List()
	if len(ids) != 2 {
		t.Errorf("expected 2 ids, got %v", ids)
	}
}
