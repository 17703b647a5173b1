package domain

import (
	"context"
	"time"

	"github.com/aretw0/espalier/pkg/protocol"
)

// RequestKind names the route that drove a sandbox.
type RequestKind string

const (
	RequestCreate RequestKind = "create"
	RequestUpdate RequestKind = "update"
)

// Outcome classifies how a request ended.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeGuestError Outcome = "guest_error"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeFault      Outcome = "fault"
	OutcomeError      Outcome = "error"
)

// RequestEvent describes one create or update request.
type RequestEvent struct {
	Timestamp  time.Time            `json:"timestamp"`
	Kind       RequestKind          `json:"kind"`
	Module     string               `json:"module"`
	ProcessID  string               `json:"process_id,omitempty"`
	Outcome    Outcome              `json:"outcome,omitempty"`
	Duration   time.Duration        `json:"duration,omitempty"`
	Operations []protocol.Operation `json:"operations,omitempty"`
	Err        error                `json:"-"`
}

// LifecycleHooks defines callbacks for host observability.
type LifecycleHooks struct {
	OnRequestStart func(context.Context, *RequestEvent)
	OnRequestEnd   func(context.Context, *RequestEvent)
	OnSandboxFault func(context.Context, *RequestEvent)
}

// ChainHooks runs each set of hooks in order.
func ChainHooks(all ...LifecycleHooks) LifecycleHooks {
	run := func(pick func(LifecycleHooks) func(context.Context, *RequestEvent)) func(context.Context, *RequestEvent) {
		var fns []func(context.Context, *RequestEvent)
		for _, h := range all {
			if fn := pick(h); fn != nil {
				fns = append(fns, fn)
			}
		}
		if len(fns) == 0 {
			return nil
		}
		return func(ctx context.Context, e *RequestEvent) {
			for _, fn := range fns {
				fn(ctx, e)
			}
		}
	}
	return LifecycleHooks{
		OnRequestStart: run(func(h LifecycleHooks) func(context.Context, *RequestEvent) { return h.OnRequestStart }),
		OnRequestEnd:   run(func(h LifecycleHooks) func(context.Context, *RequestEvent) { return h.OnRequestEnd }),
		OnSandboxFault: run(func(h LifecycleHooks) func(context.Context, *RequestEvent) { return h.OnSandboxFault }),
	}
}
