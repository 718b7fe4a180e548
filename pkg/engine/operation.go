package engine

import (
	"encoding/json"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/payload"
)

// OperationKind names what the engine is asked to do.
type OperationKind string

const (
	OpExecuteFlow    OperationKind = "EXECUTE_FLOW"
	OpExecuteTrigger OperationKind = "EXECUTE_TRIGGER_HOOK"
	OpExecuteAction  OperationKind = "EXECUTE_STEP"
	OpExecuteCode    OperationKind = "EXECUTE_CODE"
	OpExecuteProp    OperationKind = "EXECUTE_PROPERTY"
	OpValidateAuth   OperationKind = "EXECUTE_VALIDATE_AUTH"
)

// Operation is one engine request. The set of operations is closed.
type Operation interface {
	Kind() OperationKind
	operation()
}

// ExecuteFlow runs, or resumes, a flow run.
type ExecuteFlow struct {
	FlowVersion    core.FlowVersion      `json:"flowVersion"`
	RunID          string                `json:"flowRunId"`
	ProjectID      string                `json:"projectId"`
	Environment    core.Environment      `json:"runEnvironment"`
	ExecutionType  payload.ExecutionType `json:"executionType"`
	TriggerPayload json.RawMessage       `json:"triggerPayload,omitempty"`
	ResumePayload  json.RawMessage       `json:"resumePayload,omitempty"`
	// ExecutionState is the log of the steps a resumed run already ran.
	ExecutionState json.RawMessage `json:"executionState,omitempty"`
	TasksSoFar     int             `json:"tasks"`
}

// TriggerHook selects which trigger lifecycle hook ExecuteTrigger calls.
type TriggerHook string

const (
	HookOnEnable  TriggerHook = "ON_ENABLE"
	HookOnDisable TriggerHook = "ON_DISABLE"
	HookRun       TriggerHook = "RUN"
	HookTest      TriggerHook = "TEST"
	HookHandshake TriggerHook = "HANDSHAKE"
)

// ExecuteTrigger calls a trigger hook of a flow version.
type ExecuteTrigger struct {
	FlowVersion    core.FlowVersion `json:"flowVersion"`
	ProjectID      string           `json:"projectId"`
	Hook           TriggerHook      `json:"hookType"`
	TriggerPayload json.RawMessage  `json:"triggerPayload,omitempty"`
	WebhookURL     string           `json:"webhookUrl,omitempty"`
	Simulate       bool             `json:"test"`
}

// ExecuteAction runs a single piece action outside a flow.
type ExecuteAction struct {
	Piece      core.PieceRef   `json:"piece"`
	ActionName string          `json:"actionName"`
	ProjectID  string          `json:"projectId"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ExecuteCode runs a code step's archive.
type ExecuteCode struct {
	Artifact core.CodeArtifact `json:"artifact"`
	Input    json.RawMessage   `json:"input,omitempty"`
}

// ExecuteProp resolves a dynamic property of an action or trigger.
type ExecuteProp struct {
	Piece        core.PieceRef   `json:"piece"`
	StepName     string          `json:"actionOrTriggerName"`
	PropertyName string          `json:"propertyName"`
	ProjectID    string          `json:"projectId"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// ValidateAuth checks a connection's credentials against a piece.
type ValidateAuth struct {
	Piece     core.PieceRef   `json:"piece"`
	ProjectID string          `json:"projectId"`
	Auth      json.RawMessage `json:"auth"`
}

func (ExecuteFlow) Kind() OperationKind    { return OpExecuteFlow }
func (ExecuteTrigger) Kind() OperationKind { return OpExecuteTrigger }
func (ExecuteAction) Kind() OperationKind  { return OpExecuteAction }
func (ExecuteCode) Kind() OperationKind    { return OpExecuteCode }
func (ExecuteProp) Kind() OperationKind    { return OpExecuteProp }
func (ValidateAuth) Kind() OperationKind   { return OpValidateAuth }

func (ExecuteFlow) operation()    {}
func (ExecuteTrigger) operation() {}
func (ExecuteAction) operation()  {}
func (ExecuteCode) operation()    {}
func (ExecuteProp) operation()    {}
func (ValidateAuth) operation()   {}

// encodeInput builds the engine input envelope: the operation's fields
// plus operationKind and apiUrl at the top level.
func encodeInput(op Operation, apiURL string) ([]byte, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(op.Kind())
	url, _ := json.Marshal(apiURL)
	fields["operationKind"] = kind
	fields["apiUrl"] = url
	return json.Marshal(fields)
}
