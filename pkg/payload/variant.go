package payload

import (
	"encoding/json"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/schedule"
)

// Payload is a typed job payload. The set of implementations is closed.
type Payload interface {
	Kind() core.JobKind
	envelope() V3
}

// Scheduled is a payload carried by the scheduled queue: Repeating or Delayed.
type Scheduled interface {
	Payload
	scheduled()
}

// OneTime starts or continues a flow run on the one-time queue.
type OneTime struct {
	RunID          string
	ProjectID      string
	FlowID         string
	FlowVersionID  string
	Environment    core.Environment
	ExecutionType  ExecutionType
	TriggerPayload json.RawMessage
	ResumePayload  json.RawMessage
}

func (OneTime) Kind() core.JobKind { return core.KindOneTime }

func (p OneTime) envelope() V3 {
	return V3{V2: V2{
		RunID:          p.RunID,
		ProjectID:      p.ProjectID,
		FlowID:         p.FlowID,
		FlowVersionID:  p.FlowVersionID,
		Environment:    p.Environment,
		ExecutionType:  p.ExecutionType,
		TriggerPayload: p.TriggerPayload,
		ResumePayload:  p.ResumePayload,
	}}
}

// Repeating polls a flow's trigger on a cron schedule. It always begins runs.
type Repeating struct {
	ProjectID     string
	FlowID        string
	FlowVersionID string
	Environment   core.Environment
	// Cron is set once the payload is registered under a schedule.
	Cron *schedule.Descriptor
}

func (Repeating) Kind() core.JobKind { return core.KindRepeating }
func (Repeating) scheduled()         {}

func (p Repeating) envelope() V3 {
	return V3{
		V2: V2{
			ProjectID:     p.ProjectID,
			FlowID:        p.FlowID,
			FlowVersionID: p.FlowVersionID,
			Environment:   p.Environment,
			ExecutionType: Begin,
		},
		Cron: p.Cron,
	}
}

// Delayed resumes a paused run once its delay has passed.
type Delayed struct {
	RunID         string
	ProjectID     string
	FlowID        string
	FlowVersionID string
	Environment   core.Environment
}

func (Delayed) Kind() core.JobKind { return core.KindDelayed }
func (Delayed) scheduled()         {}

func (p Delayed) envelope() V3 {
	return V3{V2: V2{
		RunID:         p.RunID,
		ProjectID:     p.ProjectID,
		FlowID:        p.FlowID,
		FlowVersionID: p.FlowVersionID,
		Environment:   p.Environment,
		ExecutionType: Resume,
	}}
}

// Encode serializes p at LatestVersion.
func Encode(p Payload) ([]byte, error) {
	return json.Marshal(p.envelope())
}

func decodeLatest(version int, raw []byte, src Source) (V3, error) {
	latest, _, err := Upcast(version, raw, src)
	if err != nil {
		return V3{}, err
	}
	var v V3
	if err := json.Unmarshal(latest, &v); err != nil {
		return V3{}, core.Wrap(core.CodeValidation, err, "decode payload")
	}
	if err := v.ExecutionType.Validate(); err != nil {
		return V3{}, err
	}
	return v, nil
}

// DecodeOneTime decodes a one-time job payload stored at version.
func DecodeOneTime(version int, raw []byte) (OneTime, error) {
	v, err := decodeLatest(version, raw, Source{Kind: core.KindOneTime})
	if err != nil {
		return OneTime{}, err
	}
	if v.RunID == "" {
		return OneTime{}, core.Errorf(core.CodeValidation, "one-time payload has no run id")
	}
	return OneTime{
		RunID:          v.RunID,
		ProjectID:      v.ProjectID,
		FlowID:         v.FlowID,
		FlowVersionID:  v.FlowVersionID,
		Environment:    v.Environment,
		ExecutionType:  v.ExecutionType,
		TriggerPayload: v.TriggerPayload,
		ResumePayload:  v.ResumePayload,
	}, nil
}

// DecodeScheduled decodes a scheduled-queue payload stored at version and
// picks its variant from the execution type.
func DecodeScheduled(version int, raw []byte, src Source) (Scheduled, error) {
	v, err := decodeLatest(version, raw, src)
	if err != nil {
		return nil, err
	}
	switch v.ExecutionType {
	case Begin:
		if v.FlowVersionID == "" {
			return nil, core.Errorf(core.CodeValidation, "repeating payload has no flow version id")
		}
		return Repeating{
			ProjectID:     v.ProjectID,
			FlowID:        v.FlowID,
			FlowVersionID: v.FlowVersionID,
			Environment:   v.Environment,
			Cron:          v.Cron,
		}, nil
	case Resume:
		if v.RunID == "" {
			return nil, core.Errorf(core.CodeValidation, "delayed payload has no run id")
		}
		return Delayed{
			RunID:         v.RunID,
			ProjectID:     v.ProjectID,
			FlowID:        v.FlowID,
			FlowVersionID: v.FlowVersionID,
			Environment:   v.Environment,
		}, nil
	}
	return nil, core.Errorf(core.CodeValidation, "unknown execution type %q", v.ExecutionType)
}
