package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol marks envelopes that could not be understood. The stream stays
// usable after such an error.
var ErrProtocol = errors.New("protocol error")

// ProtocolError describes a rejected envelope.
type ProtocolError struct {
	Type   Type
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error in %s: %s", e.Type, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// Marshal encodes e as a JSON object with its "type" tag first.
func Marshal(e Envelope) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.EnvelopeType(), err)
	}
	tag, err := json.Marshal(e.EnvelopeType())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(tag) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

func newEnvelope(t Type) Envelope {
	switch t {
	case TypeCreateGroup:
		return &CreateGroup{}
	case TypeJoinGroup:
		return &JoinGroup{}
	case TypeSendMessage:
		return &SendMessage{}
	case TypeFetchMessages:
		return &FetchMessages{}
	case TypePublishKeyPackage:
		return &PublishKeyPackage{}
	case TypeFetchKeyPackages:
		return &FetchKeyPackages{}
	case TypeGroupCreated:
		return &GroupCreated{}
	case TypeGroupJoined:
		return &GroupJoined{}
	case TypeMessageReceived:
		return &MessageReceived{}
	case TypeKeyPackagePublished:
		return &KeyPackagePublished{}
	case TypeKeyPackagesFetched:
		return &KeyPackagesFetched{}
	case TypeError:
		return &Error{}
	}
	return nil
}

// Unmarshal decodes one envelope. Every failure is a *ProtocolError.
func Unmarshal(data []byte) (Envelope, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &ProtocolError{Reason: "malformed json: " + err.Error()}
	}
	if head.Type == "" {
		return nil, &ProtocolError{Reason: "missing type"}
	}
	env := newEnvelope(head.Type)
	if env == nil {
		return nil, &ProtocolError{Type: head.Type, Reason: "unknown type"}
	}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, &ProtocolError{Type: head.Type, Reason: err.Error()}
	}
	if err := validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

func validate(env Envelope) error {
	if gs, ok := env.(GroupScoped); ok && gs.Group() == "" {
		return &ProtocolError{Type: env.EnvelopeType(), Reason: "missing group_id"}
	}
	switch e := env.(type) {
	case *FetchKeyPackages:
		if e.Identity == "" {
			return &ProtocolError{Type: e.EnvelopeType(), Reason: "missing identity"}
		}
	case *KeyPackagesFetched:
		if e.Identity == "" {
			return &ProtocolError{Type: e.EnvelopeType(), Reason: "missing identity"}
		}
	case *MessageReceived:
		if len(e.Message) == 0 {
			return &ProtocolError{Type: e.EnvelopeType(), Reason: "empty message"}
		}
	case *SendMessage:
		if len(e.Message) == 0 {
			return &ProtocolError{Type: e.EnvelopeType(), Reason: "empty message"}
		}
	}
	return nil
}
