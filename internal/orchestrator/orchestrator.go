package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a2amesh/a2amesh/internal/auth"
	"github.com/a2amesh/a2amesh/internal/common/config"
	"github.com/a2amesh/a2amesh/internal/common/logger"
	"github.com/a2amesh/a2amesh/internal/runtime"
	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// Failure strings recorded on tasks that never reach an agent.
const (
	errNoSuitableAgents = "No suitable agents available"
	errAssignmentFailed = "Failed to send task assignment"
)

// Orchestrator runs workflows on top of an agent runtime. It discovers
// capable agents, assigns ready tasks, and folds task responses back
// into the owning workflow.
type Orchestrator struct {
	agent  *runtime.Agent
	store  *Store
	cfg    config.OrchestratorConfig
	logger *logger.Logger

	capsMu   sync.RWMutex
	peerCaps map[string][]string // capability_update cache

	wg sync.WaitGroup
}

// NewOrchestrator wires an orchestrator onto the given agent and
// installs its message handlers.
func NewOrchestrator(agent *runtime.Agent, cfg config.OrchestratorConfig, log *logger.Logger) *Orchestrator {
	o := &Orchestrator{
		agent:    agent,
		store:    NewStore(),
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		peerCaps: make(map[string][]string),
	}

	agent.RegisterMessageHandler(v1.MessageTypeTaskResponse, o.handleTaskResponse)
	agent.RegisterMessageHandler(v1.MessageTypeWorkflowStatusReq, o.handleWorkflowStatusRequest)
	agent.RegisterMessageHandler(v1.MessageTypeCapabilityUpdate, o.handleCapabilityUpdate)
	return o
}

// CreateWorkflow creates an empty workflow and returns its id.
func (o *Orchestrator) CreateWorkflow(name, description string, context map[string]interface{}) string {
	w := NewWorkflow(name, description, context)
	o.store.Put(w)
	o.logger.Info("workflow created",
		zap.String("workflow_id", w.WorkflowID),
		zap.String("name", name))
	return w.WorkflowID
}

// AddTaskToWorkflow appends a pending task and returns its id.
func (o *Orchestrator) AddTaskToWorkflow(workflowID, taskType, description string, requiredCapabilities []string, parameters map[string]interface{}, dependencies []string) (string, error) {
	var taskID string
	err := o.store.With(workflowID, func(w *Workflow) error {
		task := w.AddTask(taskType, description, requiredCapabilities, parameters, dependencies)
		taskID = task.TaskID
		return nil
	})
	return taskID, err
}

// StartWorkflow flips the workflow to running and spawns its executor.
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowID string) error {
	err := o.store.With(workflowID, func(w *Workflow) error {
		now := time.Now().UTC()
		w.Status = WorkflowStatusRunning
		w.StartedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	o.wg.Add(1)
	go o.runExecutor(ctx, workflowID)
	o.logger.Info("workflow started", zap.String("workflow_id", workflowID))
	return nil
}

// CancelWorkflow cancels every running task, notifies its assigned
// agent best-effort, and marks the workflow cancelled.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID string) error {
	type notify struct {
		agentID string
		taskID  string
	}
	var notifications []notify

	err := o.store.With(workflowID, func(w *Workflow) error {
		now := time.Now().UTC()
		for _, task := range w.Tasks {
			if task.Status == TaskStatusRunning {
				task.Status = TaskStatusCancelled
				task.CompletedAt = &now
				if task.AssignedAgent != "" {
					notifications = append(notifications, notify{task.AssignedAgent, task.TaskID})
				}
			}
		}
		w.Status = WorkflowStatusCancelled
		w.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	// Cancellation is best-effort; no acknowledgement is awaited.
	for _, n := range notifications {
		payload := map[string]interface{}{"task_id": n.taskID}
		if _, err := o.agent.SendMessage(ctx, n.agentID, v1.MessageTypeTaskCancellation, payload, ""); err != nil {
			o.logger.Warn("failed to notify task cancellation",
				zap.String("task_id", n.taskID),
				zap.String("agent_id", n.agentID),
				zap.Error(err))
		}
	}

	o.logger.Info("workflow cancelled", zap.String("workflow_id", workflowID))
	return nil
}

// GetWorkflowStatus returns a status snapshot for callers to reconcile.
func (o *Orchestrator) GetWorkflowStatus(workflowID string) (map[string]interface{}, error) {
	var status map[string]interface{}
	err := o.store.With(workflowID, func(w *Workflow) error {
		tasks := make([]map[string]interface{}, 0, len(w.Tasks))
		for _, task := range w.Tasks {
			tasks = append(tasks, map[string]interface{}{
				"task_id":        task.TaskID,
				"task_type":      task.TaskType,
				"status":         string(task.Status),
				"assigned_agent": task.AssignedAgent,
				"error_message":  task.ErrorMessage,
			})
		}
		status = map[string]interface{}{
			"workflow_id":           w.WorkflowID,
			"name":                  w.Name,
			"status":                string(w.Status),
			"completion_percentage": w.CompletionPercentage(),
			"tasks":                 tasks,
		}
		return nil
	})
	return status, err
}

// Wait blocks until every spawned executor has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// taskSpec is the snapshot handed to the assignment path outside the
// store lock.
type taskSpec struct {
	taskID       string
	taskType     string
	description  string
	capabilities []string
	parameters   map[string]interface{}
	context      map[string]interface{}
}

// runExecutor drives one workflow until it reaches a terminal state or
// gets stuck.
func (o *Orchestrator) runExecutor(ctx context.Context, workflowID string) {
	defer o.wg.Done()

	log := o.logger.WithWorkflowID(workflowID)
	log.Info("executor started")

	for {
		select {
		case <-ctx.Done():
			log.Info("executor cancelled")
			return
		default:
		}

		var (
			terminal  bool
			stuck     bool
			ready     []taskSpec
			hasActive bool
		)
		err := o.store.With(workflowID, func(w *Workflow) error {
			if w.Status != WorkflowStatusRunning {
				terminal = true
				return nil
			}
			if w.IsCompleted() {
				now := time.Now().UTC()
				w.Status = WorkflowStatusCompleted
				w.CompletedAt = &now
				terminal = true
				return nil
			}

			readyTasks := w.ReadyTasks()
			running := w.RunningTasks()
			if len(readyTasks) == 0 && len(running) == 0 {
				// No progress possible and not all tasks terminal.
				stuck = true
				return nil
			}

			hasActive = len(running) > 0
			for _, task := range readyTasks {
				ready = append(ready, taskSpec{
					taskID:       task.TaskID,
					taskType:     task.TaskType,
					description:  task.Description,
					capabilities: task.RequiredCapabilities,
					parameters:   task.Parameters,
					context:      w.Context,
				})
			}
			return nil
		})
		if err != nil {
			log.Error("executor lost its workflow", zap.Error(err))
			return
		}
		if terminal {
			log.Info("executor finished")
			return
		}
		if stuck {
			log.Warn("workflow is stuck: no ready and no running tasks")
			return
		}

		for _, spec := range ready {
			o.assignAndStartTask(ctx, workflowID, spec, log)
		}

		sleep := o.cfg.AssignmentCycleDuration()
		if len(ready) == 0 && hasActive {
			sleep = o.cfg.StallCycleDuration()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// assignAndStartTask discovers a capable agent, marks the task running,
// and sends the assignment. The orchestrator never assigns to itself.
func (o *Orchestrator) assignAndStartTask(ctx context.Context, workflowID string, spec taskSpec, log *logger.Logger) {
	candidates := o.agent.DiscoverAgents(spec.capabilities, 0)
	var assignee string
	for _, record := range candidates {
		if record.AgentID == o.agent.AgentID() {
			continue
		}
		assignee = record.AgentID
		break
	}

	if assignee == "" {
		o.failTask(workflowID, spec.taskID, errNoSuitableAgents)
		log.Warn("no suitable agents for task",
			zap.String("task_id", spec.taskID),
			zap.Strings("capabilities", spec.capabilities))
		return
	}

	err := o.store.With(workflowID, func(w *Workflow) error {
		task := w.Task(spec.taskID)
		if task == nil || task.Status != TaskStatusPending {
			return nil
		}
		now := time.Now().UTC()
		task.Status = TaskStatusRunning
		task.AssignedAgent = assignee
		task.StartedAt = &now
		return nil
	})
	if err != nil {
		return
	}

	payload := map[string]interface{}{
		"workflow_id": workflowID,
		"task_id":     spec.taskID,
		"task_type":   spec.taskType,
		"description": spec.description,
		"parameters":  spec.parameters,
		"context":     spec.context,
	}
	if _, err := o.agent.SendMessage(ctx, assignee, v1.MessageTypeTaskAssignment, payload, ""); err != nil {
		o.failTask(workflowID, spec.taskID, errAssignmentFailed)
		log.Error("task assignment send failed",
			zap.String("task_id", spec.taskID),
			zap.String("assignee", assignee),
			zap.Error(err))
		return
	}

	log.Info("task assigned",
		zap.String("task_id", spec.taskID),
		zap.String("assignee", assignee))
}

// failTask marks a task failed with the given message and releases any
// assignment.
func (o *Orchestrator) failTask(workflowID, taskID, message string) {
	_ = o.store.With(workflowID, func(w *Workflow) error {
		task := w.Task(taskID)
		if task == nil || task.Status.IsTerminal() {
			return nil
		}
		now := time.Now().UTC()
		task.Status = TaskStatusFailed
		task.ErrorMessage = message
		task.AssignedAgent = ""
		task.CompletedAt = &now
		return nil
	})
}

// handleTaskResponse folds a task_response into the owning workflow.
func (o *Orchestrator) handleTaskResponse(ctx context.Context, msg *v1.Message, _ *auth.Token) (*v1.Message, error) {
	taskID, _ := msg.Payload["task_id"].(string)
	status, _ := msg.Payload["status"].(string)
	if taskID == "" {
		return nil, nil
	}

	err := o.store.FindByTask(taskID, func(w *Workflow, task *Task) error {
		now := time.Now().UTC()
		switch status {
		case string(TaskStatusCompleted):
			task.Status = TaskStatusCompleted
			if result, ok := msg.Payload["result"].(map[string]interface{}); ok {
				task.Result = result
				w.Context[resultContextKey(task.TaskID)] = result
			}
		case string(TaskStatusFailed):
			task.Status = TaskStatusFailed
			if errMsg, ok := msg.Payload["error"].(string); ok {
				task.ErrorMessage = errMsg
			}
		default:
			return nil
		}
		task.CompletedAt = &now
		task.AssignedAgent = ""
		return nil
	})
	if err != nil {
		o.logger.Warn("task response for unknown task",
			zap.String("task_id", taskID),
			zap.String("sender_id", msg.SenderID))
		return nil, nil
	}

	o.logger.Info("task response applied",
		zap.String("task_id", taskID),
		zap.String("status", status))
	return nil, nil
}

// handleWorkflowStatusRequest answers with the current workflow status.
func (o *Orchestrator) handleWorkflowStatusRequest(ctx context.Context, msg *v1.Message, _ *auth.Token) (*v1.Message, error) {
	workflowID, _ := msg.Payload["workflow_id"].(string)
	status, err := o.GetWorkflowStatus(workflowID)
	if err != nil {
		return msg.CreateResponse(map[string]interface{}{
			"error": "workflow not found",
		}), nil
	}
	return msg.CreateResponse(status), nil
}

// handleCapabilityUpdate caches a peer's advertised capabilities.
func (o *Orchestrator) handleCapabilityUpdate(ctx context.Context, msg *v1.Message, _ *auth.Token) (*v1.Message, error) {
	caps, ok := msg.Payload["capabilities"].([]interface{})
	if !ok {
		return nil, nil
	}
	list := make([]string, 0, len(caps))
	for _, c := range caps {
		if s, ok := c.(string); ok {
			list = append(list, s)
		}
	}

	o.capsMu.Lock()
	o.peerCaps[msg.SenderID] = list
	o.capsMu.Unlock()

	o.logger.Debug("cached peer capabilities",
		zap.String("agent_id", msg.SenderID),
		zap.Strings("capabilities", list))
	return nil, nil
}

// PeerCapabilities returns the cached capabilities for an agent.
func (o *Orchestrator) PeerCapabilities(agentID string) []string {
	o.capsMu.RLock()
	defer o.capsMu.RUnlock()
	return append([]string(nil), o.peerCaps[agentID]...)
}
