package chain

import (
	"encoding/json"
	"time"
)

// Status captures the lifecycle of a chain.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// PayloadRef names a registered payload plus its captured arguments. Durable
// storage cannot hold a live value, so work units travel as name + args and
// are rebuilt by the registry on the worker.
type PayloadRef struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CallbackRef names a registered callback plus its captured arguments.
type CallbackRef struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// MiddlewareRef names a registered middleware plus its captured arguments.
type MiddlewareRef struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Chain is the persisted top-level aggregate: an ordered sequence of steps
// executed strictly one at a time.
type Chain struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status Status `json:"status"`

	// ResumeAt is non-nil only while the chain is paused.
	ResumeAt *time.Time `json:"resume_at,omitempty"`

	// Defaults applied to steps lacking overrides.
	DelaySec   int64  `json:"delay_sec,omitempty"`
	Queue      string `json:"queue,omitempty"`
	Connection string `json:"connection,omitempty"`

	OnThen    *CallbackRef `json:"on_then,omitempty"`
	OnCatch   *CallbackRef `json:"on_catch,omitempty"`
	OnFinally *CallbackRef `json:"on_finally,omitempty"`
	OnPaused  *CallbackRef `json:"on_paused,omitempty"`

	// Middleware applied to every step of the chain, after per-step middleware.
	Middleware []MiddlewareRef `json:"middleware,omitempty"`

	FailureReason   string     `json:"failure_reason,omitempty"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Terminal reports whether the chain has reached an immutable final status.
func (c *Chain) Terminal() bool {
	return c != nil && (c.Status == StatusFinished || c.Status == StatusFailed)
}

// Step is one persisted unit of work belonging to a chain. Steps are deleted
// once successfully processed, so storage stays bounded by the remaining tail.
type Step struct {
	ID      string     `json:"id"`
	ChainID string     `json:"chain_id"`
	Order   int64      `json:"order"`
	Payload PayloadRef `json:"payload"`

	// Per-step overrides; fall back to the chain defaults when absent.
	DelaySec   *int64 `json:"delay_sec,omitempty"`
	Queue      string `json:"queue,omitempty"`
	Connection string `json:"connection,omitempty"`

	Middleware []MiddlewareRef `json:"middleware,omitempty"`

	// Attempts counts dispatch attempts. Tracked for observability only;
	// no retry policy is derived from it.
	Attempts  int       `json:"attempts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EffectiveDelay returns the step delay, falling back to the chain default.
func (s *Step) EffectiveDelay(c *Chain) time.Duration {
	if s.DelaySec != nil {
		return time.Duration(*s.DelaySec) * time.Second
	}
	if c != nil {
		return time.Duration(c.DelaySec) * time.Second
	}
	return 0
}

// EffectiveQueue returns the step queue, falling back to the chain default.
func (s *Step) EffectiveQueue(c *Chain) string {
	if s.Queue != "" {
		return s.Queue
	}
	if c != nil && c.Queue != "" {
		return c.Queue
	}
	return "default"
}

// EffectiveConnection returns the step connection, falling back to the chain
// default.
func (s *Step) EffectiveConnection(c *Chain) string {
	if s.Connection != "" {
		return s.Connection
	}
	if c != nil && c.Connection != "" {
		return c.Connection
	}
	return "default"
}

// AppendSpec describes a step appended after the current tail, either from a
// running payload or through the engine's append operation.
type AppendSpec struct {
	Payload    PayloadRef `json:"payload"`
	DelaySec   *int64     `json:"delay_sec,omitempty"`
	Queue      string     `json:"queue,omitempty"`
	Connection string     `json:"connection,omitempty"`
}
