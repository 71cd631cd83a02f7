package bus

import (
	"context"
	"encoding/json"
	"time"
)

// MiddlewareSpec names a registered middleware plus its captured arguments.
type MiddlewareSpec struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Envelope is the wire form of one dispatched step. It carries everything a
// worker needs to execute the step; chain state stays in storage.
type Envelope struct {
	ID          string           `json:"id"`
	ChainID     string           `json:"chain_id"`
	StepID      string           `json:"step_id"`
	Order       int64            `json:"order"`
	PayloadName string           `json:"payload_name"`
	PayloadArgs json.RawMessage  `json:"payload_args,omitempty"`
	Middleware  []MiddlewareSpec `json:"middleware,omitempty"`
	Queue       string           `json:"queue"`
	Connection  string           `json:"connection"`
	NotBefore   time.Time        `json:"not_before,omitzero"`
}

// ResultStatus classifies a worker's report about a dispatched step.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultPaused    ResultStatus = "paused"
	ResultAppended  ResultStatus = "appended"
)

// AppendSpec describes a step appended from within a running payload.
type AppendSpec struct {
	PayloadName string          `json:"payload_name"`
	PayloadArgs json.RawMessage `json:"payload_args,omitempty"`
	DelaySec    *int64          `json:"delay_sec,omitempty"`
	Queue       string          `json:"queue,omitempty"`
	Connection  string          `json:"connection,omitempty"`
}

// Result is the wire form of a completion/failure/pause/append signal.
type Result struct {
	ChainID     string       `json:"chain_id"`
	StepID      string       `json:"step_id"`
	Status      ResultStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	ResumeAt    *time.Time   `json:"resume_at,omitempty"`
	SkipCurrent bool         `json:"skip_current,omitempty"`
	Append      *AppendSpec  `json:"append,omitempty"`
}

// Queue is the external work queue the engine submits steps to and the
// worker/listener pair communicates over.
type Queue interface {
	EnqueueStep(ctx context.Context, env *Envelope) error
	SubscribeSteps(subject, group string, handler func(*Envelope) error) error
	PublishResult(ctx context.Context, res *Result) error
	SubscribeResults(group string, handler func(*Result) error) error
}

// ResultsSubject is the subject all step results are published on.
const ResultsSubject = "hay.results"

// StepSubject builds the subject a step is enqueued on.
func StepSubject(prefix, queue string) string {
	if prefix == "" {
		prefix = "hay.steps"
	}
	if queue == "" {
		queue = "default"
	}
	return prefix + "." + queue
}
