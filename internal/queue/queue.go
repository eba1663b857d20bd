// Package queue carries sync work between the dispatcher and the worker: a JSON envelope, a router
// from envelope kind to handler, and Kafka and in-memory transports with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind names the command carried by an Envelope.
type Kind string

const (
	KindSyncUser    Kind = "sync_user"
	KindMigrateNext Kind = "migrate_next"
)

// Envelope is the unit written to the queue.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
	// Key selects the partition; messages for one user share a key. Not serialized.
	Key string `json:"-"`
}

// NewEnvelope encodes body as the payload of a kind envelope.
func NewEnvelope(kind Kind, key string, body any) (Envelope, error) {
	env := Envelope{Kind: kind, Key: key}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("queue: encode %s body: %w", kind, err)
		}
		env.Body = raw
	}
	return env, nil
}

// Decode unmarshals the envelope body into v.
func (e Envelope) Decode(v any) error {
	if len(e.Body) == 0 {
		return Permanent(fmt.Errorf("queue: %s envelope has no body", e.Kind))
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return Permanent(fmt.Errorf("queue: decode %s body: %w", e.Kind, err))
	}
	return nil
}

// Publisher puts envelopes on the queue.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// HandlerFunc processes one envelope. A non-nil error causes redelivery unless it is Permanent.
type HandlerFunc func(ctx context.Context, env Envelope) error

// ErrUnknownKind is returned by Router for envelopes no handler is registered for.
var ErrUnknownKind = errors.New("queue: unknown envelope kind")

// Router dispatches envelopes to the handler registered for their kind.
type Router struct {
	handlers map[Kind]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[Kind]HandlerFunc)}
}

// Handle registers h for kind, replacing any previous handler.
func (r *Router) Handle(kind Kind, h HandlerFunc) {
	r.handlers[kind] = h
}

// Dispatch runs the handler for env.Kind. Unknown kinds are permanent failures.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	h, ok := r.handlers[env.Kind]
	if !ok {
		return Permanent(fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind))
	}
	return h(ctx, env)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
