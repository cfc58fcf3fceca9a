// Package transport defines how a node reaches the controller network.
// Implementations live in the subpackages.
package transport

import (
	"context"

	"nodemanager-go/types"
)

// Transport sends outbound messages and exposes inbound ones. Inbound is
// closed once the transport is closed or its source ends.
type Transport interface {
	Send(ctx context.Context, m types.Message) error
	Inbound() <-chan types.Message
	Close() error
}

// DefaultQueue is the inbound buffer length used by the implementations.
const DefaultQueue = 16
