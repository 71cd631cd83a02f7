package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haywire-io/haywire/core/infra/schema"
)

// Stackable is the capability contract a unit of work must implement to
// participate in a chain.
type Stackable interface {
	Execute(ctx context.Context, sc *StepContext) error
}

// FailureHandler is an optional hook a payload may implement; it is invoked
// before a failure is reported to the engine.
type FailureHandler interface {
	OnFailure(ctx context.Context, sc *StepContext, cause error)
}

// PayloadFactory rebuilds a payload value from its captured arguments.
type PayloadFactory func(args json.RawMessage) (Stackable, error)

// CallbackFunc is a chain-level callback registered by name at startup.
type CallbackFunc func(ctx context.Context, c *Chain, args json.RawMessage) error

// MiddlewareFactory rebuilds a middleware from its captured arguments.
type MiddlewareFactory func(args json.RawMessage) (Middleware, error)

type payloadEntry struct {
	factory PayloadFactory
	schema  []byte
}

// Registry resolves payloads, callbacks, and middleware by name. Serialized
// refs in storage only hold names plus captured args; registration must happen
// at process startup before chains are built or executed.
type Registry struct {
	mu          sync.RWMutex
	payloads    map[string]payloadEntry
	callbacks   map[string]CallbackFunc
	middlewares map[string]MiddlewareFactory
}

func NewRegistry() *Registry {
	return &Registry{
		payloads:    map[string]payloadEntry{},
		callbacks:   map[string]CallbackFunc{},
		middlewares: map[string]MiddlewareFactory{},
	}
}

// PayloadOption configures a payload registration.
type PayloadOption func(*payloadEntry)

// WithArgsSchema attaches a JSON schema validated against payload args at
// build time.
func WithArgsSchema(schemaDoc []byte) PayloadOption {
	return func(e *payloadEntry) { e.schema = schemaDoc }
}

// RegisterPayload registers a payload factory under a name.
func (r *Registry) RegisterPayload(name string, factory PayloadFactory, opts ...PayloadOption) {
	if name == "" || factory == nil {
		return
	}
	entry := payloadEntry{factory: factory}
	for _, opt := range opts {
		opt(&entry)
	}
	r.mu.Lock()
	r.payloads[name] = entry
	r.mu.Unlock()
}

// RegisterCallback registers a chain callback under a name.
func (r *Registry) RegisterCallback(name string, fn CallbackFunc) {
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	r.callbacks[name] = fn
	r.mu.Unlock()
}

// RegisterMiddleware registers a middleware factory under a name.
func (r *Registry) RegisterMiddleware(name string, factory MiddlewareFactory) {
	if name == "" || factory == nil {
		return
	}
	r.mu.Lock()
	r.middlewares[name] = factory
	r.mu.Unlock()
}

// ValidatePayload checks that a payload ref names a registered payload and
// that its args satisfy the payload's schema, if one was registered.
func (r *Registry) ValidatePayload(ref PayloadRef) error {
	r.mu.RLock()
	entry, ok := r.payloads[ref.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: payload %q", ErrNotRegistered, ref.Name)
	}
	if len(entry.schema) > 0 {
		if err := schema.Validate("payload:"+ref.Name, entry.schema, ref.Args); err != nil {
			return fmt.Errorf("%w: payload %q args: %v", ErrConfig, ref.Name, err)
		}
	}
	return nil
}

// ResolvePayload rebuilds the payload value for a ref.
func (r *Registry) ResolvePayload(ref PayloadRef) (Stackable, error) {
	r.mu.RLock()
	entry, ok := r.payloads[ref.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: payload %q", ErrNotRegistered, ref.Name)
	}
	payload, err := entry.factory(ref.Args)
	if err != nil {
		return nil, fmt.Errorf("build payload %q: %w", ref.Name, err)
	}
	return payload, nil
}

// HasCallback reports whether a callback name is registered.
func (r *Registry) HasCallback(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.callbacks[name]
	return ok
}

// ResolveCallback returns the callback for a ref.
func (r *Registry) ResolveCallback(ref *CallbackRef) (CallbackFunc, error) {
	if ref == nil {
		return nil, nil
	}
	r.mu.RLock()
	fn, ok := r.callbacks[ref.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: callback %q", ErrNotRegistered, ref.Name)
	}
	return fn, nil
}

// HasMiddleware reports whether a middleware name is registered.
func (r *Registry) HasMiddleware(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.middlewares[name]
	return ok
}

// ResolveMiddleware rebuilds the middleware for a ref.
func (r *Registry) ResolveMiddleware(ref MiddlewareRef) (Middleware, error) {
	r.mu.RLock()
	factory, ok := r.middlewares[ref.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: middleware %q", ErrNotRegistered, ref.Name)
	}
	mw, err := factory(ref.Args)
	if err != nil {
		return nil, fmt.Errorf("build middleware %q: %w", ref.Name, err)
	}
	return mw, nil
}
