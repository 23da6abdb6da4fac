// Package eventbus defines the port for announcing experiment state
// transitions to out-of-process subscribers (payment, analytics, UI).
package eventbus

import "context"

// Handler processes one received event. Returning an error causes redelivery
// where the transport supports it.
type Handler func(subject string, data []byte) error

// Bus is the port interface for emitting and consuming experiment events.
type Bus interface {
	// Emit publishes payload (JSON-marshalled) under the given subject. The
	// payload must validate against the subject's schema.
	Emit(ctx context.Context, subject string, payload any) error

	// Subscribe registers a handler for the subject and returns a stop
	// function.
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)
}
