package conclave

import (
	"errors"
	"fmt"
)

// Store sentinels. Implementations wrap these with context so callers can
// match with errors.Is.
var (
	// ErrNotFound reports a lookup that matched no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a uniqueness violation (agent or team name).
	ErrDuplicate = errors.New("duplicate")
	// ErrInvalidState reports an invariant violation, e.g. an agent with
	// no active version or an attempt to remove a team's Chief.
	ErrInvalidState = errors.New("invalid state")
)

// ErrDisposed reports a request against a disposed Runtime.
var ErrDisposed = errors.New("runtime disposed")

// ErrTransport is a network or protocol-level failure talking to the
// completion endpoint (connection errors, 5xx, timeouts). Retryable by
// the caller.
type ErrTransport struct {
	Op  string
	Err error
}

func (e *ErrTransport) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *ErrTransport) Unwrap() error { return e.Err }

// ErrProtocol is a malformed SSE stream or response body.
type ErrProtocol struct {
	Message string
}

func (e *ErrProtocol) Error() string { return "protocol: " + e.Message }

// ErrRemote is a well-formed error event decoded from the completion
// endpoint. Not retryable without a policy decision.
type ErrRemote struct {
	Type    string
	Message string
}

func (e *ErrRemote) Error() string { return fmt.Sprintf("remote %s: %s", e.Type, e.Message) }

// ErrStorage wraps a storage-engine failure. The aborted operation is a
// no-op.
type ErrStorage struct {
	Op  string
	Err error
}

func (e *ErrStorage) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *ErrStorage) Unwrap() error { return e.Err }

// ParseError is a malformed Chief directive. The session reports it back
// to the Chief as a correction prompt on the next turn.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return "directive parse: " + e.Message }

// CycleError reports a dependency cycle among activations within a single
// phase. The whole block fails without running any activation.
type CycleError struct {
	Phase  int
	Agents []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle in phase %d involving %v", e.Phase, e.Agents)
}
