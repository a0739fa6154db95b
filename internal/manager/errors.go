package manager

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrAlreadyRunning is returned when a name or port is already taken by
	// a registered instance. A *ServerError for an OS "address already in
	// use" bind failure also matches it.
	ErrAlreadyRunning = errors.New("proxy already running")
	// ErrNotFound is returned for an unknown instance name.
	ErrNotFound = errors.New("proxy not found")
)

// ServerError reports a listener failure for a named instance.
type ServerError struct {
	Name string
	Op   string
	Err  error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("proxy %q: %s: %v", e.Name, e.Op, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

func (e *ServerError) Is(target error) bool {
	return target == ErrAlreadyRunning && errors.Is(e.Err, syscall.EADDRINUSE)
}
