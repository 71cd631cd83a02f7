package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/haywire-io/haywire/core/infra/config"
	"github.com/haywire-io/haywire/core/infra/logging"
)

// NatsQueue implements Queue over a NATS connection with JSON envelopes.
type NatsQueue struct {
	nc    *nats.Conn
	conns *config.ConnectionsConfig
}

var (
	errNilQueue    = errors.New("nats queue not initialized")
	errNilEnvelope = errors.New("nil step envelope")
	errNilResult   = errors.New("nil step result")
	errEmptySubj   = errors.New("empty subject")
)

// NewNatsQueue dials NATS at the provided URL.
func NewNatsQueue(url string) (*NatsQueue, error) {
	opts := []nats.Option{
		nats.Name("haywire-queue"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("queue", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("queue", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("queue", "connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsQueue{nc: nc}, nil
}

// WithConnections sets the connection map used to resolve step subjects.
// Without it, subjects derive from the connection name directly.
func (q *NatsQueue) WithConnections(conns *config.ConnectionsConfig) *NatsQueue {
	q.conns = conns
	return q
}

// Close shuts down the underlying NATS connection.
func (q *NatsQueue) Close() {
	if q != nil && q.nc != nil {
		q.nc.Close()
	}
}

// IsConnected reports whether the NATS connection is live.
func (q *NatsQueue) IsConnected() bool {
	return q != nil && q.nc != nil && q.nc.IsConnected()
}

// EnqueueStep publishes a step envelope on its computed subject.
func (q *NatsQueue) EnqueueStep(ctx context.Context, env *Envelope) error {
	if q == nil || q.nc == nil {
		return errNilQueue
	}
	if env == nil {
		return errNilEnvelope
	}
	subject := StepSubject(q.conns.SubjectPrefix(env.Connection), env.Queue)
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return q.nc.Publish(subject, data)
}

// SubscribeSteps attaches a queue-group subscription that decodes envelopes
// and invokes the handler.
func (q *NatsQueue) SubscribeSteps(subject, group string, handler func(*Envelope) error) error {
	if q == nil || q.nc == nil {
		return errNilQueue
	}
	if subject == "" {
		return errEmptySubj
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	cb := func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logging.Error("queue", "failed to unmarshal step envelope", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(&env); err != nil {
			logging.Error("queue", "step handler error", "chain_id", env.ChainID, "step_id", env.StepID, "error", err)
		}
	}
	var err error
	if group == "" {
		_, err = q.nc.Subscribe(subject, cb)
	} else {
		_, err = q.nc.QueueSubscribe(subject, group, cb)
	}
	return err
}

// PublishResult publishes a step result on the shared results subject.
func (q *NatsQueue) PublishResult(ctx context.Context, res *Result) error {
	if q == nil || q.nc == nil {
		return errNilQueue
	}
	if res == nil {
		return errNilResult
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return q.nc.Publish(ResultsSubject, data)
}

// SubscribeResults attaches a queue-group subscription for step results.
func (q *NatsQueue) SubscribeResults(group string, handler func(*Result) error) error {
	if q == nil || q.nc == nil {
		return errNilQueue
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	cb := func(msg *nats.Msg) {
		var res Result
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			logging.Error("queue", "failed to unmarshal step result", "error", err)
			return
		}
		if err := handler(&res); err != nil {
			logging.Error("queue", "result handler error", "chain_id", res.ChainID, "error", err)
		}
	}
	var err error
	if group == "" {
		_, err = q.nc.Subscribe(ResultsSubject, cb)
	} else {
		_, err = q.nc.QueueSubscribe(ResultsSubject, group, cb)
	}
	return err
}
