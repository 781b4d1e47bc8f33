package chat

import (
	"context"

	"github.com/go-go-golems/grillo/pkg/streaming"
)

// Interceptor hooks into the request pipeline. Hooks are optional; nil
// fields are skipped. BeforeRequest hooks run in registration order and may
// rewrite the outgoing request; AfterRequest hooks run in the same order
// once the stream has settled; OnError hooks run for non-abort failures.
type Interceptor struct {
	BeforeRequest func(ctx context.Context, session *Session, req *Request) error
	AfterRequest  func(ctx context.Context, session *Session, req *Request, result *streaming.Result) error
	OnError       func(ctx context.Context, session *Session, req *Request, err error)
}

func (o *Orchestrator) runBeforeRequest(ctx context.Context, session *Session, req *Request) error {
	for _, interceptor := range o.interceptors {
		if interceptor.BeforeRequest == nil {
			continue
		}
		if err := interceptor.BeforeRequest(ctx, session, req); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runAfterRequest(ctx context.Context, session *Session, req *Request, result *streaming.Result) error {
	for _, interceptor := range o.interceptors {
		if interceptor.AfterRequest == nil {
			continue
		}
		if err := interceptor.AfterRequest(ctx, session, req, result); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runOnError(ctx context.Context, session *Session, req *Request, err error) {
	for _, interceptor := range o.interceptors {
		if interceptor.OnError != nil {
			interceptor.OnError(ctx, session, req, err)
		}
	}
}
