package chain

import (
	"context"
	"fmt"
)

// Handler executes one step in its step context.
type Handler func(ctx context.Context, sc *StepContext) error

// Middleware wraps a Handler to add behavior around step execution.
type Middleware func(next Handler) Handler

// Compose builds a single Middleware from a list, applied outermost-first:
// Compose(a, b)(h) runs a, then b, then h. The worker always places the
// framework bookkeeping middleware first, followed by per-step middleware,
// followed by chain-global middleware; callers rely on that order so the
// bookkeeping gate can short-circuit execution before anything else runs.
func Compose(mws ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// MiddlewareProvider is the descriptor-object form accepted by
// Builder.WithMiddleware.
type MiddlewareProvider interface {
	ChainMiddleware() []MiddlewareRef
}

// effectiveMiddleware merges per-step refs with chain-global refs in the
// documented order. The mandatory bookkeeping middleware is prepended by the
// worker at execution time and never persisted.
func effectiveMiddleware(step *Step, c *Chain) []MiddlewareRef {
	out := make([]MiddlewareRef, 0, len(step.Middleware)+len(c.Middleware))
	out = append(out, step.Middleware...)
	out = append(out, c.Middleware...)
	return out
}

// normalizeMiddleware resolves the accepted WithMiddleware input shapes
// (static list, names, lazy producer, descriptor object) into a plain ordered
// list, removing any runtime re-evaluation ambiguity before storage.
func normalizeMiddleware(v any) ([]MiddlewareRef, error) {
	switch input := v.(type) {
	case nil:
		return nil, nil
	case []MiddlewareRef:
		return append([]MiddlewareRef(nil), input...), nil
	case MiddlewareRef:
		return []MiddlewareRef{input}, nil
	case []string:
		out := make([]MiddlewareRef, 0, len(input))
		for _, name := range input {
			out = append(out, MiddlewareRef{Name: name})
		}
		return out, nil
	case string:
		return []MiddlewareRef{{Name: input}}, nil
	case func() []MiddlewareRef:
		if input == nil {
			return nil, nil
		}
		return append([]MiddlewareRef(nil), input()...), nil
	case MiddlewareProvider:
		return append([]MiddlewareRef(nil), input.ChainMiddleware()...), nil
	default:
		return nil, fmt.Errorf("%w: unsupported middleware input %T", ErrConfig, v)
	}
}
