package bus

// Task lifecycle topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskClaimed      = "task.claimed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskStateChanged = "task.state_changed"
)

// Workflow topics.
const (
	TopicWorkflowStarted      = "workflow.started"
	TopicWorkflowStepStarted  = "workflow.step.started"
	TopicWorkflowStepDone     = "workflow.step.completed"
	TopicWorkflowStepFailed   = "workflow.step.failed"
	TopicWorkflowGateWaiting  = "workflow.gate.waiting"
	TopicWorkflowGateResolved = "workflow.gate.resolved"
	TopicWorkflowCompleted    = "workflow.completed"
)

// Routing topics.
const (
	TopicRoutingDecision = "routing.decision"
	TopicRoutingFallback = "routing.fallback"
)

// Critic topics.
const (
	TopicCriticVeto     = "critic.veto"
	TopicCriticApproved = "critic.approved"
	TopicCriticEscalate = "critic.escalated"
)

// TaskStateChangedEvent is published on every persisted task transition.
type TaskStateChangedEvent struct {
	TaskID    string // Task ID
	AgentID   string // Assigned agent
	OldStatus string // Previous status (e.g. pending)
	NewStatus string // New status (e.g. in_progress)
}

// WorkflowStepEvent is published when a workflow step starts, completes, or fails.
type WorkflowStepEvent struct {
	WorkflowID string // Workflow execution ID
	StepName   string // Step name within the template
	TaskID     string // Subtask ID, when the step was dispatched
	AgentID    string // Agent assigned to the step
}

// GateEvent is published when a gate pauses or resumes a workflow.
type GateEvent struct {
	WorkflowID string // Workflow execution ID
	StepName   string // Gated step name
	Action     string // "done", "skip", or "fail" on resolution; "" while waiting
}

// RoutingEvent is published for every routing decision the dispatcher makes.
type RoutingEvent struct {
	MessageID string  // Routed message ID
	AgentID   string  // Winning agent (or the fallback coordinator)
	Score     float64 // Final score of the winning agent
	Fallback  bool    // True when routed below threshold
}

// CriticEvent is published for critic chain outcomes.
type CriticEvent struct {
	TaskID     string // Task under validation
	Chain      string // Chain name
	RetryCount int    // Retry counter after this verdict
	Escalated  bool   // True when the retry budget was exhausted
}
