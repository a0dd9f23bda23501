// Package backend defines the interface the router uses to talk to a model
// execution endpoint, plus adapters for the supported endpoint kinds. The
// router treats backends as opaque: one prompt in, one completion out.
package backend

import "context"

// Client is a callable model endpoint.
type Client interface {
	// Name returns the endpoint's configured identifier.
	Name() string

	// Generate produces a completion for the prompt. It must honor ctx
	// cancellation and deadlines.
	Generate(ctx context.Context, prompt string) (string, error)

	// Ping is a lightweight liveness probe used by the health monitor.
	Ping(ctx context.Context) error
}
