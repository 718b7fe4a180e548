package payload

import (
	"encoding/json"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/schedule"
)

// LatestVersion is the schema version new payloads are written with.
const LatestVersion = 3

// ExecutionType tells a consumer whether to start a run or continue one.
type ExecutionType string

const (
	Begin  ExecutionType = "BEGIN"
	Resume ExecutionType = "RESUME"
)

// Validate rejects anything outside the closed set.
func (t ExecutionType) Validate() error {
	switch t {
	case Begin, Resume:
		return nil
	}
	return core.Errorf(core.CodeValidation, "unknown execution type %q", t)
}

// V1 is the original shape. It embedded the whole flow version and left the
// execution type implicit in the kind of job that carried it.
type V1 struct {
	ProjectID      string           `json:"projectId"`
	FlowVersion    core.FlowVersion `json:"flowVersion"`
	RunID          string           `json:"runId,omitempty"`
	Testing        bool             `json:"testing,omitempty"`
	TriggerPayload json.RawMessage  `json:"triggerPayload,omitempty"`
}

// V2 flattens V1 to ids and makes execution type and environment explicit.
type V2 struct {
	RunID          string           `json:"runId,omitempty"`
	ProjectID      string           `json:"projectId"`
	FlowID         string           `json:"flowId"`
	FlowVersionID  string           `json:"flowVersionId"`
	Environment    core.Environment `json:"environment"`
	ExecutionType  ExecutionType    `json:"executionType"`
	TriggerPayload json.RawMessage  `json:"triggerPayload,omitempty"`
	ResumePayload  json.RawMessage  `json:"resumePayload,omitempty"`
}

// V3 adds the descriptor of the cron schedule registered for repeating jobs.
type V3 struct {
	V2
	Cron *schedule.Descriptor `json:"cron,omitempty"`
}

// Source describes the job a stored payload belongs to. Cron and Timezone
// name the schedule a repeating job is registered under and are empty for
// jobs that do not repeat.
type Source struct {
	Kind     core.JobKind
	Cron     string
	Timezone string
}

// executionType is what a v1 payload of this kind meant. Without a kind it
// falls back to the run id: only delayed jobs carried one.
func (s Source) executionType(runID string) ExecutionType {
	switch s.Kind {
	case core.KindOneTime, core.KindRepeating:
		return Begin
	case core.KindDelayed:
		return Resume
	}
	if runID != "" {
		return Resume
	}
	return Begin
}

func (v V1) upcast(src Source) V2 {
	env := core.EnvProduction
	if v.Testing {
		env = core.EnvTesting
	}
	exec := src.executionType(v.RunID)
	projectID := v.ProjectID
	if projectID == "" {
		projectID = v.FlowVersion.ProjectID
	}
	return V2{
		RunID:          v.RunID,
		ProjectID:      projectID,
		FlowID:         v.FlowVersion.FlowID,
		FlowVersionID:  v.FlowVersion.ID,
		Environment:    env,
		ExecutionType:  exec,
		TriggerPayload: v.TriggerPayload,
	}
}

func (v V2) upcast(src Source) (V3, error) {
	out := V3{V2: v}
	if src.Cron == "" {
		return out, nil
	}
	d, err := schedule.Describe(src.Cron, src.Timezone)
	if err != nil {
		return V3{}, err
	}
	out.Cron = &d
	return out, nil
}
