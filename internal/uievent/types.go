package uievent

// InteractionSpawnedData is the data for interaction.spawned events.
type InteractionSpawnedData struct {
	ID       string `json:"id"`
	Form     string `json:"form"`
	Depth    int    `json:"depth"`
	ParentID string `json:"parentId,omitempty"`
}

// InteractionCompletedData is the data for interaction.completed events.
type InteractionCompletedData struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}

// PhaseChangedData is the data for phase.changed events.
type PhaseChangedData struct {
	InteractionID string `json:"interactionId"`
	Phase         string `json:"phase"`
}

// ToolCallBeforeData is the data for tool_call.before events.
type ToolCallBeforeData struct {
	CallID   string         `json:"callId"`
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
}

// ToolCallAfterData is the data for tool_call.after events.
type ToolCallAfterData struct {
	CallID     string `json:"callId"`
	ToolName   string `json:"toolName"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"durationMs"`
}

// PlanCreatedData is the data for plan.created events.
type PlanCreatedData struct {
	Objective string `json:"objective"`
	TaskCount int    `json:"taskCount"`
	Revision  int    `json:"revision"`
}

// QuorumVoteData is the data for quorum.vote events.
type QuorumVoteData struct {
	Phase    string `json:"phase"`
	Model    string `json:"model"`
	Approved bool   `json:"approved"`
}

// HumanInterventionRequiredData is the data for human_intervention.required events.
type HumanInterventionRequiredData struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // "intervention" | "execution_confirmation"
	Plan      string `json:"plan,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// HumanInterventionResolvedData is the data for human_intervention.resolved events.
type HumanInterventionResolvedData struct {
	ID     string `json:"id"`
	Action string `json:"action"` // "approve" | "reject" | "edit"
}

// EnsemblePlanGeneratedData is the data for ensemble_plan.generated events.
type EnsemblePlanGeneratedData struct {
	Model string `json:"model"`
	Tasks int    `json:"tasks"`
}

// LlmChunkData is the data for llm.chunk events.
type LlmChunkData struct {
	InteractionID string `json:"interactionId"`
	Text          string `json:"text"`
}

// PermissionUpdatedData is the data for permission.required events.
type PermissionUpdatedData struct {
	ID             string   `json:"id"`
	SessionID      string   `json:"sessionID"`
	PermissionType string   `json:"permissionType"`
	Pattern        []string `json:"pattern"`
	Title          string   `json:"title"`
}

// PermissionRequiredData is an alias kept for the checker's publish call sites.
type PermissionRequiredData = PermissionUpdatedData

// PermissionRepliedData is the data for permission.replied events.
type PermissionRepliedData struct {
	PermissionID string `json:"permissionID"`
	SessionID    string `json:"sessionID"`
	Response     string `json:"response"`
}

// PermissionResolvedData is the data for permission.resolved events (legacy shape).
type PermissionResolvedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Granted   bool   `json:"granted"`
}
