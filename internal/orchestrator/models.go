// Package orchestrator owns workflows: DAGs of tasks assigned to
// capable agents and progressed to completion honoring dependencies.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle status of a workflow task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// WorkflowStatus is the lifecycle status of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusCreated   WorkflowStatus = "created"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Task is one unit of work within a workflow.
type Task struct {
	TaskID               string                 `json:"task_id"`
	WorkflowID           string                 `json:"workflow_id"`
	TaskType             string                 `json:"task_type"`
	Description          string                 `json:"description"`
	RequiredCapabilities []string               `json:"required_capabilities,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	Dependencies         []string               `json:"dependencies,omitempty"`
	Status               TaskStatus             `json:"status"`
	AssignedAgent        string                 `json:"assigned_agent,omitempty"`
	Result               map[string]interface{} `json:"result,omitempty"`
	ErrorMessage         string                 `json:"error_message,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
	StartedAt            *time.Time             `json:"started_at,omitempty"`
	CompletedAt          *time.Time             `json:"completed_at,omitempty"`
}

// Workflow is an ordered collection of tasks with a shared context.
type Workflow struct {
	WorkflowID  string                 `json:"workflow_id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Tasks       []*Task                `json:"tasks"`
	Status      WorkflowStatus         `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// NewWorkflow creates an empty workflow in the created state.
func NewWorkflow(name, description string, context map[string]interface{}) *Workflow {
	if context == nil {
		context = make(map[string]interface{})
	}
	return &Workflow{
		WorkflowID:  uuid.New().String(),
		Name:        name,
		Description: description,
		Context:     context,
		Status:      WorkflowStatusCreated,
		CreatedAt:   time.Now().UTC(),
	}
}

// AddTask appends a pending task. Task ids are deterministic:
// task_<workflow_id>_<n> where n is the insertion ordinal.
func (w *Workflow) AddTask(taskType, description string, requiredCapabilities []string, parameters map[string]interface{}, dependencies []string) *Task {
	task := &Task{
		TaskID:               fmt.Sprintf("task_%s_%d", w.WorkflowID, len(w.Tasks)+1),
		WorkflowID:           w.WorkflowID,
		TaskType:             taskType,
		Description:          description,
		RequiredCapabilities: append([]string(nil), requiredCapabilities...),
		Parameters:           parameters,
		Dependencies:         append([]string(nil), dependencies...),
		Status:               TaskStatusPending,
		CreatedAt:            time.Now().UTC(),
	}
	w.Tasks = append(w.Tasks, task)
	return task
}

// Task returns the task with the given id, or nil.
func (w *Workflow) Task(taskID string) *Task {
	for _, task := range w.Tasks {
		if task.TaskID == taskID {
			return task
		}
	}
	return nil
}

// ReadyTasks returns pending tasks whose dependencies have all
// completed, in insertion order.
func (w *Workflow) ReadyTasks() []*Task {
	var ready []*Task
	for _, task := range w.Tasks {
		if task.Status != TaskStatusPending {
			continue
		}
		if w.dependenciesCompleted(task) {
			ready = append(ready, task)
		}
	}
	return ready
}

// RunningTasks returns tasks currently assigned and running.
func (w *Workflow) RunningTasks() []*Task {
	var running []*Task
	for _, task := range w.Tasks {
		if task.Status == TaskStatusRunning {
			running = append(running, task)
		}
	}
	return running
}

func (w *Workflow) dependenciesCompleted(task *Task) bool {
	for _, dep := range task.Dependencies {
		depTask := w.Task(dep)
		if depTask == nil || depTask.Status != TaskStatusCompleted {
			return false
		}
	}
	return true
}

// IsCompleted reports whether every task is in a terminal state. Failed
// and cancelled tasks count; callers infer workflow success themselves.
func (w *Workflow) IsCompleted() bool {
	for _, task := range w.Tasks {
		if !task.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// CompletionPercentage is the share of tasks in terminal states.
func (w *Workflow) CompletionPercentage() float64 {
	if len(w.Tasks) == 0 {
		return 100
	}
	terminal := 0
	for _, task := range w.Tasks {
		if task.Status.IsTerminal() {
			terminal++
		}
	}
	return float64(terminal) / float64(len(w.Tasks)) * 100
}

// resultContextKey is the workflow context key a completed task's result
// is propagated under.
func resultContextKey(taskID string) string {
	return taskID + "_result"
}
