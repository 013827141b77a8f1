// Package engine declares the group-protocol capability the orchestrator
// drives. Implementations own all cryptography; callers only decide when
// each operation runs.
package engine

import (
	"errors"
	"fmt"
)

// State is an opaque per-group handle. A State belongs to exactly one
// session and is never shared between sessions.
type State interface {
	GroupID() string
	Epoch() uint64
	Members() []string
}

// Plaintext is a decrypted application message.
type Plaintext struct {
	Sender string
	Body   []byte
}

// Engine performs group-protocol operations for one local identity.
// Calls must not mutate state shared between groups.
type Engine interface {
	// CreateGroup starts a new group with the local identity as sole member.
	CreateGroup(groupID string) (State, error)
	// GroupInfo exports the public material published with create_group.
	GroupInfo(st State) ([]byte, error)
	// GenerateKeyPackage returns serialized key-package material for identity.
	GenerateKeyPackage(identity string) ([]byte, error)
	// ProcessWelcome materializes group state from a Welcome artifact.
	ProcessWelcome(welcome []byte) (State, error)
	// Encrypt seals an application message under the group's current epoch.
	Encrypt(st State, plaintext []byte) ([]byte, error)
	// Decrypt opens an application message for the group.
	Decrypt(st State, ciphertext []byte) (Plaintext, error)
}

// ErrEngine wraps every failure reported by an engine operation.
var ErrEngine = errors.New("engine error")

// OpError names the engine operation that failed.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return fmt.Sprintf("engine %s: %v", e.Op, e.Err) }

func (e *OpError) Unwrap() []error { return []error{ErrEngine, e.Err} }

// Wrap returns err annotated with op, or nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}
