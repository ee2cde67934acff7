package commbus

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// Event type names. Subscribers key on these strings.
const (
	EventBacklogEnqueued          = "backlog.enqueued"
	EventBacklogApprovalRequested = "backlog.approval_requested"
	EventBacklogApproved          = "backlog.approved"
	EventBacklogRejected          = "backlog.rejected"
	EventBacklogRequeued          = "backlog.requeued"
	EventCampaignStarted          = "campaign.started"
	EventCampaignCompleted        = "campaign.completed"
	EventCampaignFailed           = "campaign.failed"
	EventAgentRequiresRestart     = "agent.requires_restart"
	EventArtifactDegraded         = "artifact.degraded"

	CommandEnqueueChangeRequest = "backlog.enqueue"
	QueryBacklogStatus          = "backlog.status"
)

// =============================================================================
// BACKLOG EVENTS
// =============================================================================

// ChangeRequestEnqueued is emitted when the strategy layer adds a backlog item.
type ChangeRequestEnqueued struct {
	RequestID  string `json:"request_id"`
	Target     string `json:"target"`
	Priority   int    `json:"priority"`
	IsCritical bool   `json:"is_critical"`
	Status     string `json:"status"`
	Source     string `json:"source"`
}

func (m *ChangeRequestEnqueued) Category() string    { return string(MessageCategoryEvent) }
func (m *ChangeRequestEnqueued) MessageType() string { return EventBacklogEnqueued }

// ApprovalRequested is emitted when a critical item enters PendingApproval.
// Subscribers: operator notification channels.
type ApprovalRequested struct {
	RequestID  string `json:"request_id"`
	Target     string `json:"target"`
	Suggestion string `json:"suggestion"`
}

func (m *ApprovalRequested) Category() string    { return string(MessageCategoryEvent) }
func (m *ApprovalRequested) MessageType() string { return EventBacklogApprovalRequested }

// ChangeRequestApproved is emitted when an operator approves a critical item.
type ChangeRequestApproved struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
}

func (m *ChangeRequestApproved) Category() string    { return string(MessageCategoryEvent) }
func (m *ChangeRequestApproved) MessageType() string { return EventBacklogApproved }

// ChangeRequestRejected is emitted when an operator rejects a critical item.
type ChangeRequestRejected struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
}

func (m *ChangeRequestRejected) Category() string    { return string(MessageCategoryEvent) }
func (m *ChangeRequestRejected) MessageType() string { return EventBacklogRejected }

// ChangeRequestRequeued is emitted when an item returns to Pending.
// Reason is one of "operator", "orphaned", "stuck".
type ChangeRequestRequeued struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	Reason    string `json:"reason"`
}

func (m *ChangeRequestRequeued) Category() string    { return string(MessageCategoryEvent) }
func (m *ChangeRequestRequeued) MessageType() string { return EventBacklogRequeued }

// =============================================================================
// CAMPAIGN EVENTS
// =============================================================================

// CampaignStarted is emitted after an item is marked InProgress and persisted.
type CampaignStarted struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	Attempt   int    `json:"attempt"`
}

func (m *CampaignStarted) Category() string    { return string(MessageCategoryEvent) }
func (m *CampaignStarted) MessageType() string { return EventCampaignStarted }

// CampaignCompleted is emitted when an item reaches CompletedSuccess.
// Subscribers: telemetry, belief store.
type CampaignCompleted struct {
	RequestID     string `json:"request_id"`
	Target        string `json:"target"`
	Outcome       string `json:"outcome"`
	Cycles        int    `json:"cycles"`
	ArtifactState string `json:"artifact_state"`
	DurationMS    int64  `json:"duration_ms"`
}

func (m *CampaignCompleted) Category() string    { return string(MessageCategoryEvent) }
func (m *CampaignCompleted) MessageType() string { return EventCampaignCompleted }

// CampaignFailed is emitted when an item reaches CompletedFailure.
type CampaignFailed struct {
	RequestID     string `json:"request_id"`
	Target        string `json:"target"`
	Outcome       string `json:"outcome"`
	FailedGate    string `json:"failed_gate,omitempty"`
	Reason        string `json:"reason"`
	ArtifactState string `json:"artifact_state"`
	DurationMS    int64  `json:"duration_ms"`
}

func (m *CampaignFailed) Category() string    { return string(MessageCategoryEvent) }
func (m *CampaignFailed) MessageType() string { return EventCampaignFailed }

// AgentRequiresRestart is emitted when a self-target promotion replaced the
// running system's own control artifact.
type AgentRequiresRestart struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
}

func (m *AgentRequiresRestart) Category() string    { return string(MessageCategoryEvent) }
func (m *AgentRequiresRestart) MessageType() string { return EventAgentRequiresRestart }

// ArtifactDegraded is emitted when a promotion failure left an artifact in a
// state that could not be restored.
type ArtifactDegraded struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target"`
	Reason    string `json:"reason"`
}

func (m *ArtifactDegraded) Category() string    { return string(MessageCategoryEvent) }
func (m *ArtifactDegraded) MessageType() string { return EventArtifactDegraded }

// =============================================================================
// COMMANDS AND QUERIES
// =============================================================================

// EnqueueChangeRequest lets the strategy layer append to the backlog over the bus.
type EnqueueChangeRequest struct {
	Target     string `json:"target"`
	Suggestion string `json:"suggestion"`
	Priority   int    `json:"priority"`
	Source     string `json:"source"`
}

func (m *EnqueueChangeRequest) Category() string    { return string(MessageCategoryCommand) }
func (m *EnqueueChangeRequest) MessageType() string { return CommandEnqueueChangeRequest }

// GetBacklogStatus asks the orchestrator for its status snapshot.
type GetBacklogStatus struct{}

func (m *GetBacklogStatus) Category() string    { return string(MessageCategoryQuery) }
func (m *GetBacklogStatus) MessageType() string { return QueryBacklogStatus }
func (m *GetBacklogStatus) IsQuery()            {}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TypedMessage is implemented by messages that name their own routing type.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}
	return "Unknown"
}
