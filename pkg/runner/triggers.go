package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/engine"
)

// Triggers runs a flow version's trigger hooks.
type Triggers interface {
	// Execute runs the trigger once and returns one payload per run to start.
	Execute(ctx context.Context, version *core.FlowVersion, payload json.RawMessage, simulate bool) ([]json.RawMessage, error)
	// TryHandshake answers a webhook handshake. It returns nil when the
	// trigger does not handle one.
	TryHandshake(ctx context.Context, version *core.FlowVersion, payload json.RawMessage) (json.RawMessage, error)
	Enable(ctx context.Context, version *core.FlowVersion) error
	Disable(ctx context.Context, version *core.FlowVersion) error
}

// EngineTriggers runs trigger hooks through the engine in a sandbox.
type EngineTriggers struct {
	sandboxes      Sandboxes
	gateway        Executor
	webhookBaseURL string
}

var _ Triggers = (*EngineTriggers)(nil)

// NewEngineTriggers creates EngineTriggers. Webhook URLs handed to triggers
// are webhookBaseURL followed by the flow id.
func NewEngineTriggers(sandboxes Sandboxes, gateway Executor, webhookBaseURL string) *EngineTriggers {
	return &EngineTriggers{
		sandboxes:      sandboxes,
		gateway:        gateway,
		webhookBaseURL: strings.TrimSuffix(webhookBaseURL, "/"),
	}
}

func (t *EngineTriggers) call(ctx context.Context, version *core.FlowVersion, hook engine.TriggerHook, payload json.RawMessage, simulate bool) (*engine.TriggerResponse, error) {
	sb, err := t.sandboxes.Prepare(ctx, version.Pieces, version.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("runner: prepare trigger sandbox for %s: %w", version.ID, err)
	}
	op := engine.ExecuteTrigger{
		FlowVersion:    *version,
		ProjectID:      version.ProjectID,
		Hook:           hook,
		TriggerPayload: payload,
		Simulate:       simulate,
	}
	if t.webhookBaseURL != "" {
		op.WebhookURL = t.webhookBaseURL + "/" + version.FlowID
	}
	res, err := t.gateway.Execute(ctx, sb, op)
	if err != nil {
		return nil, fmt.Errorf("runner: trigger %s of %s: %w", hook, version.ID, err)
	}
	return engine.DecodeTriggerResponse(res)
}

func (t *EngineTriggers) Execute(ctx context.Context, version *core.FlowVersion, payload json.RawMessage, simulate bool) ([]json.RawMessage, error) {
	hook := engine.HookRun
	if simulate {
		hook = engine.HookTest
	}
	tr, err := t.call(ctx, version, hook, payload, simulate)
	if err != nil {
		return nil, err
	}
	if !tr.Success {
		return nil, fmt.Errorf("runner: trigger of %s failed: %s", version.ID, tr.Message)
	}
	return tr.Payloads, nil
}

func (t *EngineTriggers) TryHandshake(ctx context.Context, version *core.FlowVersion, payload json.RawMessage) (json.RawMessage, error) {
	tr, err := t.call(ctx, version, engine.HookHandshake, payload, false)
	if err != nil {
		return nil, err
	}
	if !tr.Success {
		return nil, nil
	}
	return tr.Response, nil
}

func (t *EngineTriggers) Enable(ctx context.Context, version *core.FlowVersion) error {
	return t.lifecycle(ctx, version, engine.HookOnEnable)
}

func (t *EngineTriggers) Disable(ctx context.Context, version *core.FlowVersion) error {
	return t.lifecycle(ctx, version, engine.HookOnDisable)
}

func (t *EngineTriggers) lifecycle(ctx context.Context, version *core.FlowVersion, hook engine.TriggerHook) error {
	tr, err := t.call(ctx, version, hook, nil, false)
	if err != nil {
		return err
	}
	if !tr.Success {
		return fmt.Errorf("runner: trigger %s of %s failed: %s", hook, version.ID, tr.Message)
	}
	return nil
}
