// Package wire defines the delivery-service envelopes. Every envelope is a
// JSON object tagged by "type"; binary fields travel as standard base64.
package wire

// Type is the value of an envelope's "type" field.
type Type string

// Client to server.
const (
	TypeCreateGroup       Type = "create_group"
	TypeJoinGroup         Type = "join_group"
	TypeSendMessage       Type = "send_message"
	TypeFetchMessages     Type = "fetch_messages"
	TypePublishKeyPackage Type = "publish_key_package"
	TypeFetchKeyPackages  Type = "fetch_key_packages"
)

// Server to client.
const (
	TypeGroupCreated        Type = "group_created"
	TypeGroupJoined         Type = "group_joined"
	TypeMessageReceived     Type = "message_received"
	TypeKeyPackagePublished Type = "key_package_published"
	TypeKeyPackagesFetched  Type = "key_packages_fetched"
	TypeError               Type = "error"
)

// Envelope is implemented by every message on the wire.
type Envelope interface {
	EnvelopeType() Type
}

type CreateGroup struct {
	GroupID   string `json:"group_id"`
	GroupInfo []byte `json:"group_info"`
}

type JoinGroup struct {
	GroupID    string `json:"group_id"`
	KeyPackage []byte `json:"key_package"`
}

type SendMessage struct {
	GroupID string `json:"group_id"`
	Message []byte `json:"message"`
}

type FetchMessages struct {
	GroupID string `json:"group_id"`
}

type PublishKeyPackage struct {
	KeyPackage []byte `json:"key_package"`
}

type FetchKeyPackages struct {
	Identity string `json:"identity"`
}

type GroupCreated struct {
	GroupID string `json:"group_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type GroupJoined struct {
	GroupID        string `json:"group_id"`
	WelcomeMessage []byte `json:"welcome_message"`
	Error          string `json:"error,omitempty"`
}

type MessageReceived struct {
	GroupID string `json:"group_id"`
	Message []byte `json:"message"`
}

type KeyPackagePublished struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type KeyPackagesFetched struct {
	Identity    string   `json:"identity"`
	KeyPackages [][]byte `json:"key_packages"`
}

type Error struct {
	Message string `json:"message"`
}

func (*CreateGroup) EnvelopeType() Type         { return TypeCreateGroup }
func (*JoinGroup) EnvelopeType() Type           { return TypeJoinGroup }
func (*SendMessage) EnvelopeType() Type         { return TypeSendMessage }
func (*FetchMessages) EnvelopeType() Type       { return TypeFetchMessages }
func (*PublishKeyPackage) EnvelopeType() Type   { return TypePublishKeyPackage }
func (*FetchKeyPackages) EnvelopeType() Type    { return TypeFetchKeyPackages }
func (*GroupCreated) EnvelopeType() Type        { return TypeGroupCreated }
func (*GroupJoined) EnvelopeType() Type         { return TypeGroupJoined }
func (*MessageReceived) EnvelopeType() Type     { return TypeMessageReceived }
func (*KeyPackagePublished) EnvelopeType() Type { return TypeKeyPackagePublished }
func (*KeyPackagesFetched) EnvelopeType() Type  { return TypeKeyPackagesFetched }
func (*Error) EnvelopeType() Type               { return TypeError }

// GroupScoped is implemented by envelopes that name a group.
type GroupScoped interface {
	Envelope
	Group() string
}

func (e *CreateGroup) Group() string     { return e.GroupID }
func (e *JoinGroup) Group() string       { return e.GroupID }
func (e *SendMessage) Group() string     { return e.GroupID }
func (e *FetchMessages) Group() string   { return e.GroupID }
func (e *GroupCreated) Group() string    { return e.GroupID }
func (e *GroupJoined) Group() string     { return e.GroupID }
func (e *MessageReceived) Group() string { return e.GroupID }
