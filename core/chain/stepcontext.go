package chain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type signalKind string

const (
	signalNext  signalKind = "next"
	signalFail  signalKind = "fail"
	signalPause signalKind = "pause"
)

type signal struct {
	kind        signalKind
	err         error
	resumeAt    time.Time
	skipCurrent bool
}

// StepContext is handed to a payload's Execute. It exposes the chain/step
// snapshot and the manual-processing signals. Appends accumulate; of the
// terminal signals (Next, Fail, the pause variants) the last one recorded
// wins.
type StepContext struct {
	chain *Chain
	step  *Step
	args  json.RawMessage

	mu      sync.Mutex
	signal  *signal
	appends []AppendSpec
	skipped bool
}

func newStepContext(c *Chain, s *Step, args json.RawMessage) *StepContext {
	return &StepContext{chain: c, step: s, args: args}
}

// Chain returns the chain snapshot loaded for this execution.
func (sc *StepContext) Chain() *Chain { return sc.chain }

// Step returns the step being executed.
func (sc *StepContext) Step() *Step { return sc.step }

// DecodeArgs unmarshals the payload's captured arguments into v.
func (sc *StepContext) DecodeArgs(v any) error {
	if len(sc.args) == 0 {
		return nil
	}
	return json.Unmarshal(sc.args, v)
}

// Next explicitly signals completion so the engine advances to the next step.
// Only needed in manual-processing mode.
func (sc *StepContext) Next() {
	sc.setSignal(&signal{kind: signalNext})
}

// Fail reports the unit of work as failed. Without it (or an Execute error in
// automatic mode) no catch/finally callback ever fires.
func (sc *StepContext) Fail(err error) {
	sc.setSignal(&signal{kind: signalFail, err: err})
}

// Pause parks the chain until resumeAt, keeping this step as the head to be
// re-dispatched on resume.
func (sc *StepContext) Pause(resumeAt time.Time) {
	sc.setSignal(&signal{kind: signalPause, resumeAt: resumeAt})
}

// PauseFor is Pause with a relative duration.
func (sc *StepContext) PauseFor(d time.Duration) {
	sc.Pause(time.Now().UTC().Add(d))
}

// CompleteAndPause marks this step done, then parks the chain until resumeAt
// before dispatching what would have been the next step.
func (sc *StepContext) CompleteAndPause(resumeAt time.Time) {
	sc.setSignal(&signal{kind: signalPause, resumeAt: resumeAt, skipCurrent: true})
}

// LongRelease is a delay bounded only by storage precision: the chain pauses
// and the resume sweep re-dispatches this step once the duration has elapsed,
// independent of the work queue's native delay ceiling.
func (sc *StepContext) LongRelease(d time.Duration) {
	sc.Pause(time.Now().UTC().Add(d))
}

// LongReleaseUntil is LongRelease with an absolute timestamp.
func (sc *StepContext) LongReleaseUntil(t time.Time) {
	sc.Pause(t)
}

// Append schedules a new step after the current tail of the chain. It does
// not end the current step; execution continues and may still complete, fail,
// or pause.
func (sc *StepContext) Append(payloadName string, args any, opts ...AppendOption) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return fmt.Errorf("%w: append args: %v", ErrConfig, err)
	}
	spec := AppendSpec{Payload: PayloadRef{Name: payloadName, Args: raw}}
	for _, opt := range opts {
		opt(&spec)
	}
	sc.mu.Lock()
	sc.appends = append(sc.appends, spec)
	sc.mu.Unlock()
	return nil
}

// AppendOption sets per-step overrides on an appended step.
type AppendOption func(*AppendSpec)

func AppendDelay(d time.Duration) AppendOption {
	return func(s *AppendSpec) {
		sec := int64(d / time.Second)
		s.DelaySec = &sec
	}
}

func AppendQueue(queue string) AppendOption {
	return func(s *AppendSpec) { s.Queue = queue }
}

func AppendConnection(connection string) AppendOption {
	return func(s *AppendSpec) { s.Connection = connection }
}

func (sc *StepContext) setSignal(sig *signal) {
	sc.mu.Lock()
	sc.signal = sig
	sc.mu.Unlock()
}

func (sc *StepContext) takeSignal() *signal {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sig := sc.signal
	sc.signal = nil
	return sig
}

func (sc *StepContext) takeAppends() []AppendSpec {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := sc.appends
	sc.appends = nil
	return out
}

func (sc *StepContext) markSkipped() {
	sc.mu.Lock()
	sc.skipped = true
	sc.mu.Unlock()
}

func (sc *StepContext) wasSkipped() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.skipped
}

func marshalArgs(args any) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
