package coordinator

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for coordinator operations.
var (
	// ErrCoordinatorStartFailed indicates the coordinator process could not
	// be spawned or never published a usable endpoint. It is fatal and not
	// retried at this layer.
	ErrCoordinatorStartFailed = errors.New("coordinator start failed")

	// ErrQueryFailed indicates the coordinator could not be queried. This is
	// distinct from a successful query reporting zero members.
	ErrQueryFailed = errors.New("coordinator query failed")
)

// StartError describes why a coordinator never became usable.
type StartError struct {
	// Stage is where start gave up: "spawn", "port_file", "liveness".
	Stage string

	// Tail holds the last lines of coordinator output, when available.
	Tail []string

	Err error
}

func (e *StartError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrCoordinatorStartFailed, e.Stage)
	}
	return fmt.Sprintf("%s: %s: %v", ErrCoordinatorStartFailed, e.Stage, e.Err)
}

func (e *StartError) Is(target error) bool {
	return target == ErrCoordinatorStartFailed
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// QueryError wraps a failed coordinator query with context.
type QueryError struct {
	// Op is the query: "list", "checkpoint", "status", "quit".
	Op       string
	Endpoint Endpoint
	Output   string
	Err      error
}

func (e *QueryError) Error() string {
	msg := fmt.Sprintf("%s %s %s: %v", ErrQueryFailed, e.Op, e.Endpoint, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + firstLine(out)
	}
	return msg
}

func (e *QueryError) Is(target error) bool {
	return target == ErrQueryFailed
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsQueryFailed returns true if err is a coordinator query failure.
func IsQueryFailed(err error) bool {
	return errors.Is(err, ErrQueryFailed)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
