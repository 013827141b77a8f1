package api

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/orchestrator"
	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/status"
)

type CommandRequest struct {
	Line string `json:"line"`
}

type CommandResponse struct {
	Text        string     `json:"text"`
	Warning     bool       `json:"warning,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	Groups      []*Group   `json:"groups,omitempty"`
	Messages    []*Message `json:"messages,omitempty"`
	KeyPackages [][]byte   `json:"key_packages,omitempty"`
}

type Group struct {
	GroupID         string   `json:"group_id"`
	Name            string   `json:"name"`
	Mode            string   `json:"mode"`
	Epoch           uint64   `json:"epoch"`
	Members         []string `json:"members"`
	CreatedAtUnixMs int64    `json:"created_at_unix_ms"`
}

type GroupList struct {
	Groups []*Group `json:"groups"`
}

type Message struct {
	ID              string `json:"id"`
	GroupID         string `json:"group_id"`
	Sender          string `json:"sender"`
	Body            string `json:"body"`
	TimestampUnixMs int64  `json:"timestamp_unix_ms"`
	FromMe          bool   `json:"from_me"`
	Delivered       bool   `json:"delivered"`
}

// MessagesRequest lists a group's history, or searches it when Query is
// set. An empty GroupID means the active group for history and every group
// for search.
type MessagesRequest struct {
	GroupID string `json:"group_id,omitempty"`
	Query   string `json:"query,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type MessageList struct {
	Messages []*Message `json:"messages"`
}

type StatusResponse struct {
	State       string `json:"state"`
	SinceUnixMs int64  `json:"since_unix_ms"`
	Address     string `json:"address"`
	Username    string `json:"username"`
	Fingerprint string `json:"fingerprint"`
	ActiveGroup string `json:"active_group,omitempty"`
	Groups      int    `json:"groups"`
	Linked      int    `json:"linked"`
	Local       int    `json:"local"`
	Pending     int    `json:"pending"`
	Text        string `json:"text"`
}

// WatchRequest selects events by kind prefix. Empty means everything.
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// Event is a bus event as seen by API clients. Only the fields matching
// Kind are set.
type Event struct {
	Kind       string                 `json:"kind"`
	GroupID    string                 `json:"group_id,omitempty"`
	OccurredAt *timestamppb.Timestamp `json:"occurred_at"`
	Level      string                 `json:"level,omitempty"`
	Text       string                 `json:"text,omitempty"`
	State      string                 `json:"state,omitempty"`
	Group      *Group                 `json:"group,omitempty"`
	Message    *Message               `json:"message,omitempty"`
}

func groupFromSnapshot(s registry.Snapshot) *Group {
	return &Group{
		GroupID:         s.GroupID,
		Name:            s.DisplayName,
		Mode:            s.Mode.String(),
		Epoch:           s.Epoch,
		Members:         s.Members,
		CreatedAtUnixMs: s.CreatedAt.UnixMilli(),
	}
}

func messageFromRegistry(m registry.Message) *Message {
	return &Message{
		ID:              m.ID,
		GroupID:         m.GroupID,
		Sender:          m.Sender,
		Body:            m.Body,
		TimestampUnixMs: m.Timestamp.UnixMilli(),
		FromMe:          m.FromMe,
		Delivered:       m.Delivered,
	}
}

func messagesFromRegistry(ms []registry.Message) []*Message {
	out := make([]*Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, messageFromRegistry(m))
	}
	return out
}

func commandResponse(res orchestrator.Result) *CommandResponse {
	resp := &CommandResponse{
		Text:        res.Text,
		Warning:     res.Warning,
		GroupID:     res.GroupID,
		KeyPackages: res.KeyPackages,
	}
	for _, g := range res.Groups {
		resp.Groups = append(resp.Groups, groupFromSnapshot(g))
	}
	if len(res.Messages) > 0 {
		resp.Messages = messagesFromRegistry(res.Messages)
	}
	return resp
}

func statusResponse(res orchestrator.Result) *StatusResponse {
	resp := &StatusResponse{Text: res.Text}
	if s := res.Status; s != nil {
		resp.State = string(s.State)
		resp.SinceUnixMs = s.Since.UnixMilli()
		resp.Address = s.Address
		resp.Username = s.Username
		resp.Fingerprint = s.Fingerprint
		resp.ActiveGroup = s.ActiveGroup
		resp.Groups = s.Groups
		resp.Linked = s.Linked
		resp.Local = s.Local
		resp.Pending = s.Pending
	}
	return resp
}

func eventFromBus(evt bus.Event) *Event {
	out := &Event{
		Kind:       evt.Kind,
		GroupID:    evt.GroupID,
		OccurredAt: timestamppb.New(evt.Timestamp),
	}
	switch p := evt.Payload.(type) {
	case registry.Snapshot:
		out.Group = groupFromSnapshot(p)
	case registry.Message:
		out.Message = messageFromRegistry(p)
	case registry.Undelivered:
		out.Message = messageFromRegistry(p.Message)
		out.Text = p.Reason
	case bus.Notice:
		out.Level = p.Level
		out.Text = p.Text
	case status.Change:
		out.State = string(p.To)
	case orchestrator.KeysFetched:
		out.Text = p.Identity
	}
	return out
}

// Time returns the event time, or the zero time when unset.
func (e *Event) Time() time.Time {
	if e.OccurredAt == nil {
		return time.Time{}
	}
	return e.OccurredAt.AsTime()
}
