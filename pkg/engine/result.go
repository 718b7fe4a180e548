package engine

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/jdziat/durable-flows/pkg/core"
)

// Verdict is the engine's own judgement of a completed call.
type Verdict string

const (
	VerdictSuccess Verdict = "SUCCESS"
	VerdictFailure Verdict = "FAILURE"
)

// Response is the envelope the engine writes to output.json.
type Response struct {
	Status         string          `json:"status"`
	Response       json.RawMessage `json:"response,omitempty"`
	StandardOutput string          `json:"standardOutput,omitempty"`
	StandardError  string          `json:"standardError,omitempty"`
}

// Result is a completed engine call.
type Result struct {
	Verdict Verdict
	// Output is the decoded response: a JSON value when it parses, the raw
	// string otherwise.
	Output   any
	Raw      []byte
	Stdout   string
	Stderr   string
	ExitCode int
}

// Decode unmarshals the raw response into v.
func (r *Result) Decode(v any) error {
	if len(r.Raw) == 0 || !gjson.ValidBytes(r.Raw) {
		return core.Errorf(core.CodeValidation, "engine response is not JSON")
	}
	return json.Unmarshal(r.Raw, v)
}

// parseResponse classifies what the engine left behind. The bool reports
// an engine-side timeout verdict.
func parseResponse(body []byte, exitCode int, stdout, stderr string) (*Result, bool) {
	res := &Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}

	envelope := gjson.ParseBytes(body)
	if gjson.ValidBytes(body) && envelope.IsObject() && envelope.Get("status").Exists() {
		status := envelope.Get("status").String()
		if out := envelope.Get("standardOutput"); out.Exists() {
			res.Stdout = out.String()
		}
		if errOut := envelope.Get("standardError"); errOut.Exists() {
			res.Stderr = errOut.String()
		}
		setOutput(res, envelope.Get("response"))

		switch status {
		case "OK", "SUCCESS", "SUCCEEDED":
			res.Verdict = VerdictSuccess
		case "TIMEOUT":
			return res, true
		default:
			res.Verdict = VerdictFailure
		}
		return res, false
	}

	// No envelope: the exit code is the only verdict there is.
	res.Raw = body
	res.Output = decodeBestEffort(body)
	res.Verdict = VerdictSuccess
	if exitCode != 0 {
		res.Verdict = VerdictFailure
	}
	return res, false
}

func setOutput(res *Result, resp gjson.Result) {
	if !resp.Exists() {
		return
	}
	// A string response may itself carry JSON.
	if resp.Type == gjson.String {
		res.Raw = []byte(resp.String())
		res.Output = decodeBestEffort(res.Raw)
		return
	}
	res.Raw = []byte(resp.Raw)
	res.Output = resp.Value()
}

func decodeBestEffort(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	if gjson.ValidBytes(b) {
		return gjson.ParseBytes(b).Value()
	}
	return string(b)
}

// FlowResponse is the result of an ExecuteFlow call.
type FlowResponse struct {
	Status            core.FlowRunStatus  `json:"status"`
	Tasks             int                 `json:"tasks"`
	PauseMetadata     *core.PauseMetadata `json:"pauseMetadata,omitempty"`
	Logs              json.RawMessage     `json:"logs,omitempty"`
	TerminationReason string              `json:"terminationReason,omitempty"`
	Error             json.RawMessage     `json:"error,omitempty"`
}

// DecodeFlowResponse reads a FlowResponse out of an ExecuteFlow result.
// A failure verdict without a parsable body becomes a FAILED response
// carrying the engine's stderr.
func DecodeFlowResponse(r *Result) (*FlowResponse, error) {
	var fr FlowResponse
	if err := r.Decode(&fr); err != nil {
		if r.Verdict == VerdictFailure {
			reason, _ := json.Marshal(r.Stderr)
			return &FlowResponse{Status: core.RunFailed, Error: reason}, nil
		}
		return nil, fmt.Errorf("decode flow response: %w", err)
	}
	if fr.Status == "" {
		if r.Verdict == VerdictFailure {
			fr.Status = core.RunFailed
		} else {
			fr.Status = core.RunSucceeded
		}
	}
	return &fr, nil
}

// TriggerResponse is the result of an ExecuteTrigger call.
type TriggerResponse struct {
	Success  bool
	Message  string
	Payloads []json.RawMessage
	// Response is the handshake reply, if any.
	Response json.RawMessage
}

// DecodeTriggerResponse reads a TriggerResponse out of an ExecuteTrigger result.
func DecodeTriggerResponse(r *Result) (*TriggerResponse, error) {
	if len(r.Raw) == 0 || !gjson.ValidBytes(r.Raw) {
		return &TriggerResponse{Success: r.Verdict == VerdictSuccess, Message: r.Stderr}, nil
	}
	body := gjson.ParseBytes(r.Raw)
	tr := &TriggerResponse{
		Success: r.Verdict == VerdictSuccess,
		Message: body.Get("message").String(),
	}
	if s := body.Get("success"); s.Exists() {
		tr.Success = tr.Success && s.Bool()
	}
	for _, item := range body.Get("output").Array() {
		tr.Payloads = append(tr.Payloads, json.RawMessage(item.Raw))
	}
	if resp := body.Get("response"); resp.Exists() && resp.Type != gjson.Null {
		tr.Response = json.RawMessage(resp.Raw)
	}
	return tr, nil
}
