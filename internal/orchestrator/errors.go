package orchestrator

import (
	"errors"

	"github.com/matheus3301/mlschat/internal/channel"
	"github.com/matheus3301/mlschat/internal/engine"
	"github.com/matheus3301/mlschat/internal/wire"
)

// Error taxonomy. Match with errors.Is.
var (
	ErrNotConnected         = channel.ErrNotConnected
	ErrProtocol             = wire.ErrProtocol
	ErrEngine               = engine.ErrEngine
	ErrNotFound             = errors.New("not found")
	ErrTimeout              = errors.New("request timed out")
	ErrDuplicateApplication = errors.New("duplicate application")

	ErrAlreadyJoined   = errors.New("already in group")
	ErrNoActiveGroup   = errors.New("no active group")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrRejected        = errors.New("rejected by delivery service")
	ErrStopped         = errors.New("orchestrator stopped")
)

// IntentError is the failure of one intent. Error returns the short
// user-facing line; the wrapped error carries the taxonomy.
type IntentError struct {
	Op      string
	GroupID string
	Msg     string
	Err     error
}

func (e *IntentError) Error() string { return e.Msg }

func (e *IntentError) Unwrap() error { return e.Err }

func intentErr(op, groupID string, err error, msg string) *IntentError {
	return &IntentError{Op: op, GroupID: groupID, Msg: msg, Err: err}
}
