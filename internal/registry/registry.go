// Package registry holds the live group sessions. It is owned by the
// orchestrator goroutine and is not safe for concurrent use.
package registry

import (
	"errors"
	"slices"
	"time"

	"github.com/matheus3301/mlschat/internal/engine"
)

var (
	ErrDuplicateGroup = errors.New("group already exists")
	ErrUnknownGroup   = errors.New("unknown group")
)

// Mode says whether a session is known to the delivery service.
type Mode int

const (
	Local Mode = iota
	Linked
)

func (m Mode) String() string {
	if m == Linked {
		return "linked"
	}
	return "local"
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) Mode {
	if s == "linked" {
		return Linked
	}
	return Local
}

// Message is one entry of a session's history.
type Message struct {
	ID        string
	GroupID   string
	Sender    string
	Body      string
	Timestamp time.Time
	FromMe    bool
	Delivered bool
}

// Undelivered pairs a message with the reason the delivery service did
// not get it.
type Undelivered struct {
	Message Message
	Reason  string
}

// GroupSession is the registry's record for one group.
type GroupSession struct {
	GroupID     string
	DisplayName string
	Mode        Mode
	CreatedAt   time.Time

	state   engine.State
	members []string
	history []Message
	seen    map[string]struct{}
}

// NewSession builds a session around st. st must not be shared with any
// other session.
func NewSession(groupID, displayName string, mode Mode, st engine.State) *GroupSession {
	return &GroupSession{
		GroupID:     groupID,
		DisplayName: displayName,
		Mode:        mode,
		CreatedAt:   time.Now(),
		state:       st,
		seen:        make(map[string]struct{}),
	}
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	GroupID     string
	DisplayName string
	Mode        Mode
	CreatedAt   time.Time
	Epoch       uint64
	Members     []string
	History     []Message
}

// Registry stores sessions in creation order.
type Registry struct {
	sessions []*GroupSession
	index    map[string]int
}

func New() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Create adds s. A second session for the same group id is rejected.
func (r *Registry) Create(s *GroupSession) error {
	if _, ok := r.index[s.GroupID]; ok {
		return ErrDuplicateGroup
	}
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	r.index[s.GroupID] = len(r.sessions)
	r.sessions = append(r.sessions, s)
	return nil
}

// Upsert replaces the metadata of an existing session, keeping its
// position, engine state and history, or creates it.
func (r *Registry) Upsert(s *GroupSession) {
	i, ok := r.index[s.GroupID]
	if !ok {
		_ = r.Create(s)
		return
	}
	cur := r.sessions[i]
	cur.DisplayName = s.DisplayName
	cur.Mode = s.Mode
	if s.state != nil {
		cur.state = s.state
	}
}

func (r *Registry) Has(id string) bool {
	_, ok := r.index[id]
	return ok
}

func (r *Registry) Get(id string) (Snapshot, bool) {
	s := r.lookup(id)
	if s == nil {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// FindByName returns the first session with the given display name.
func (r *Registry) FindByName(name string) (Snapshot, bool) {
	for _, s := range r.sessions {
		if s.DisplayName == name {
			return s.snapshot(), true
		}
	}
	return Snapshot{}, false
}

// EngineState returns the session's engine handle.
func (r *Registry) EngineState(id string) (engine.State, bool) {
	s := r.lookup(id)
	if s == nil || s.state == nil {
		return nil, false
	}
	return s.state, true
}

// AppendMessage adds m to the session history. It returns false when a
// message with the same id was already appended.
func (r *Registry) AppendMessage(id string, m Message) (bool, error) {
	s := r.lookup(id)
	if s == nil {
		return false, ErrUnknownGroup
	}
	if m.ID != "" {
		if _, dup := s.seen[m.ID]; dup {
			return false, nil
		}
		s.seen[m.ID] = struct{}{}
	}
	m.GroupID = id
	s.history = append(s.history, m)
	if m.Sender != "" && !slices.Contains(s.members, m.Sender) {
		s.members = append(s.members, m.Sender)
	}
	return true, nil
}

// Seen reports whether a message id was already appended to the session.
func (r *Registry) Seen(id, msgID string) bool {
	s := r.lookup(id)
	if s == nil {
		return false
	}
	_, ok := s.seen[msgID]
	return ok
}

// SetMode changes the session mode.
func (r *Registry) SetMode(id string, mode Mode) error {
	s := r.lookup(id)
	if s == nil {
		return ErrUnknownGroup
	}
	s.Mode = mode
	return nil
}

// MarkDelivered flags a history entry as delivered or not.
func (r *Registry) MarkDelivered(id, msgID string, delivered bool) error {
	s := r.lookup(id)
	if s == nil {
		return ErrUnknownGroup
	}
	for i := range s.history {
		if s.history[i].ID == msgID {
			s.history[i].Delivered = delivered
			return nil
		}
	}
	return ErrUnknownGroup
}

// Undelivered returns the session's undelivered messages in history order.
func (r *Registry) Undelivered(id string) []Message {
	s := r.lookup(id)
	if s == nil {
		return nil
	}
	var out []Message
	for _, m := range s.history {
		if !m.Delivered {
			out = append(out, m)
		}
	}
	return out
}

// ListOrdered returns snapshots in creation order.
func (r *Registry) ListOrdered() []Snapshot {
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Count returns the number of sessions per mode.
func (r *Registry) Count() (local, linked int) {
	for _, s := range r.sessions {
		if s.Mode == Linked {
			linked++
		} else {
			local++
		}
	}
	return local, linked
}

func (r *Registry) Len() int { return len(r.sessions) }

func (r *Registry) lookup(id string) *GroupSession {
	i, ok := r.index[id]
	if !ok {
		return nil
	}
	return r.sessions[i]
}

func (s *GroupSession) snapshot() Snapshot {
	snap := Snapshot{
		GroupID:     s.GroupID,
		DisplayName: s.DisplayName,
		Mode:        s.Mode,
		CreatedAt:   s.CreatedAt,
		History:     slices.Clone(s.history),
	}
	members := slices.Clone(s.members)
	if s.state != nil {
		snap.Epoch = s.state.Epoch()
		for _, m := range s.state.Members() {
			if !slices.Contains(members, m) {
				members = append(members, m)
			}
		}
	}
	snap.Members = members
	return snap
}
