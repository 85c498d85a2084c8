package rpcpool

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEndpoints is a startup error: the pool needs at least one endpoint.
	ErrNoEndpoints = errors.New("no rpc endpoints configured")
	// ErrCircuitOpen is returned when every endpoint circuit refuses traffic.
	ErrCircuitOpen = errors.New("all rpc endpoint circuits are open")
)

// Error is returned once an operation exhausted its attempts.
type Error struct {
	Op       string
	Attempts int
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("rpc %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rpc %s failed after %d attempts (last endpoint %s): %v", e.Op, e.Attempts, e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
