package worker

import (
	"context"

	"github.com/jdziat/durable-flows/pkg/core"
	"github.com/jdziat/durable-flows/pkg/payload"
)

// Handler executes decoded job payloads. Wrapping a returned error with
// core.NoRetry fails the job permanently; core.RetryAfter picks the delay
// before the next attempt.
type Handler interface {
	HandleOneTime(ctx context.Context, p payload.OneTime) error
	HandleScheduled(ctx context.Context, p payload.Scheduled) error
}

// HandlerFuncs adapts a pair of functions to Handler. A nil function fails
// every job routed to it.
type HandlerFuncs struct {
	OneTime   func(context.Context, payload.OneTime) error
	Scheduled func(context.Context, payload.Scheduled) error
}

func (h HandlerFuncs) HandleOneTime(ctx context.Context, p payload.OneTime) error {
	if h.OneTime == nil {
		return core.NoRetry(core.Errorf(core.CodeValidation, "no handler for queue %q", core.QueueOneTime))
	}
	return h.OneTime(ctx, p)
}

func (h HandlerFuncs) HandleScheduled(ctx context.Context, p payload.Scheduled) error {
	if h.Scheduled == nil {
		return core.NoRetry(core.Errorf(core.CodeValidation, "no handler for queue %q", core.QueueScheduled))
	}
	return h.Scheduled(ctx, p)
}
