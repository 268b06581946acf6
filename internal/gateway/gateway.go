// Package gateway defines the interface shared by the long-running entry
// points of the server.
package gateway

import "context"

// Gateway is a network entry point started by serve (the HTTP API today).
type Gateway interface {
	// Start serves until ctx is canceled or the listener fails. It returns
	// nil on a clean shutdown.
	Start(ctx context.Context) error

	// Stop shuts down gracefully. The context carries the drain deadline.
	Stop(ctx context.Context) error
}
