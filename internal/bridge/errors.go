package bridge

import (
	"errors"
	"fmt"
	"time"
)

// Lifecycle-error sentinels (error handling design kind 2): a caller may
// retry these after a fresh Connect.
var (
	ErrNotConnected      = errors.New("bridge: not connected")
	ErrDisconnected      = errors.New("bridge: disconnected")
	ErrAlreadyDead       = errors.New("bridge: session already dead")
	ErrUnknownActionType = errors.New("bridge: unknown action type")
)

// ProtocolError wraps an IRC numeric failure surfaced verbatim as its
// symbolic name, e.g. "err_bannedfromchan".
type ProtocolError struct {
	Code string
}

func (e *ProtocolError) Error() string { return e.Code }

// TimeoutError reports an operation that exceeded its hard deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}
