package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Builder accumulates chain configuration and materializes it atomically.
// The first configuration error sticks and is returned by Create/Dispatch;
// nothing is persisted until Create succeeds.
type Builder struct {
	engine *Engine

	name       string
	delaySec   int64
	queue      string
	connection string
	callbacks  struct {
		then, catch, finally, paused *CallbackRef
	}
	middleware []MiddlewareRef
	steps      []*Step
	err        error
}

func newBuilder(e *Engine) *Builder {
	return &Builder{engine: e}
}

// StepOption sets per-step overrides.
type StepOption func(*Step)

// StepDelay overrides the chain delay for one step.
func StepDelay(d time.Duration) StepOption {
	return func(s *Step) {
		sec := int64(d / time.Second)
		s.DelaySec = &sec
	}
}

// StepQueue overrides the chain queue for one step.
func StepQueue(queue string) StepOption {
	return func(s *Step) { s.Queue = queue }
}

// StepConnection overrides the chain connection for one step.
func StepConnection(connection string) StepOption {
	return func(s *Step) { s.Connection = connection }
}

// StepMiddleware attaches middleware directly to one step. It runs before the
// chain-global middleware.
func StepMiddleware(refs ...MiddlewareRef) StepOption {
	return func(s *Step) { s.Middleware = append(s.Middleware, refs...) }
}

// AddStep appends one unit of work. Args are marshaled and validated against
// the payload's registered schema at Create time.
func (b *Builder) AddStep(payloadName string, args any, opts ...StepOption) *Builder {
	if b.err != nil {
		return b
	}
	raw, err := marshalArgs(args)
	if err != nil {
		b.err = fmt.Errorf("%w: step args: %v", ErrConfig, err)
		return b
	}
	step := &Step{
		ID:      uuid.NewString(),
		Order:   int64(len(b.steps)),
		Payload: PayloadRef{Name: payloadName, Args: raw},
	}
	for _, opt := range opts {
		opt(step)
	}
	if step.DelaySec != nil && *step.DelaySec < 0 {
		b.err = fmt.Errorf("%w: negative step delay", ErrConfig)
		return b
	}
	b.steps = append(b.steps, step)
	return b
}

// AddSteps appends a sequence of payload refs with no per-step overrides.
func (b *Builder) AddSteps(refs ...PayloadRef) *Builder {
	for _, ref := range refs {
		b.AddStep(ref.Name, ref.Args)
	}
	return b
}

// WithName assigns a caller label to the chain.
func (b *Builder) WithName(name string) *Builder {
	b.name = name
	return b
}

// WithDelay sets the default delay applied to steps lacking an override.
func (b *Builder) WithDelay(d time.Duration) *Builder {
	if b.err != nil {
		return b
	}
	if d < 0 {
		b.err = fmt.Errorf("%w: negative delay", ErrConfig)
		return b
	}
	b.delaySec = int64(d / time.Second)
	return b
}

// OnQueue sets the default queue.
func (b *Builder) OnQueue(queue string) *Builder {
	b.queue = queue
	return b
}

// OnConnection sets the default connection.
func (b *Builder) OnConnection(connection string) *Builder {
	b.connection = connection
	return b
}

// WithMiddleware accepts a static []MiddlewareRef, a single ref or name, a
// []string of names, a lazy func() []MiddlewareRef producer, or a
// MiddlewareProvider descriptor. All shapes are normalized to a plain ordered
// list before storage.
func (b *Builder) WithMiddleware(v any) *Builder {
	if b.err != nil {
		return b
	}
	refs, err := normalizeMiddleware(v)
	if err != nil {
		b.err = err
		return b
	}
	b.middleware = append(b.middleware, refs...)
	return b
}

// Then registers the success callback by name with captured args.
func (b *Builder) Then(name string, args any) *Builder {
	b.callbacks.then = b.callbackRef(name, args)
	return b
}

// Catch registers the failure callback.
func (b *Builder) Catch(name string, args any) *Builder {
	b.callbacks.catch = b.callbackRef(name, args)
	return b
}

// Finally registers the callback fired on any terminal transition.
func (b *Builder) Finally(name string, args any) *Builder {
	b.callbacks.finally = b.callbackRef(name, args)
	return b
}

// Paused registers the callback fired when the chain parks.
func (b *Builder) Paused(name string, args any) *Builder {
	b.callbacks.paused = b.callbackRef(name, args)
	return b
}

func (b *Builder) callbackRef(name string, args any) *CallbackRef {
	if b.err != nil {
		return nil
	}
	raw, err := marshalArgs(args)
	if err != nil {
		b.err = fmt.Errorf("%w: callback args: %v", ErrConfig, err)
		return nil
	}
	return &CallbackRef{Name: name, Args: raw}
}

// Create persists the chain (status pending) and all accumulated steps in one
// durable transaction. No dispatch occurs. A chain may be created with zero
// steps; dispatching it finishes immediately.
func (b *Builder) Create(ctx context.Context) (*Chain, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	c := &Chain{
		ID:         uuid.NewString(),
		Name:       b.name,
		Status:     StatusPending,
		DelaySec:   b.delaySec,
		Queue:      b.queue,
		Connection: b.connection,
		OnThen:     b.callbacks.then,
		OnCatch:    b.callbacks.catch,
		OnFinally:  b.callbacks.finally,
		OnPaused:   b.callbacks.paused,
		Middleware: b.middleware,
	}
	if err := b.engine.store.CreateChain(ctx, c, b.steps); err != nil {
		return nil, fmt.Errorf("create chain: %w", err)
	}
	return c, nil
}

// Dispatch is Create followed immediately by starting the chain.
func (b *Builder) Dispatch(ctx context.Context) (*Chain, error) {
	c, err := b.Create(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.engine.Start(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Builder) validate() error {
	reg := b.engine.registry
	for _, step := range b.steps {
		if err := reg.ValidatePayload(step.Payload); err != nil {
			return err
		}
		for _, ref := range step.Middleware {
			if !reg.HasMiddleware(ref.Name) {
				return fmt.Errorf("%w: middleware %q", ErrNotRegistered, ref.Name)
			}
		}
	}
	for _, ref := range b.middleware {
		if !reg.HasMiddleware(ref.Name) {
			return fmt.Errorf("%w: middleware %q", ErrNotRegistered, ref.Name)
		}
	}
	for kind, ref := range map[string]*CallbackRef{
		"then":    b.callbacks.then,
		"catch":   b.callbacks.catch,
		"finally": b.callbacks.finally,
		"paused":  b.callbacks.paused,
	} {
		if ref != nil && !reg.HasCallback(ref.Name) {
			return fmt.Errorf("%w: %s callback %q", ErrNotRegistered, kind, ref.Name)
		}
	}
	return nil
}
