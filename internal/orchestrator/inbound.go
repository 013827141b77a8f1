package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/status"
	"github.com/matheus3301/mlschat/internal/store"
	"github.com/matheus3301/mlschat/internal/wire"
)

const maxServerText = 120

func (o *Orchestrator) handleEnvelope(env wire.Envelope) {
	switch e := env.(type) {
	case *wire.GroupCreated:
		o.onGroupCreated(e)
	case *wire.GroupJoined:
		o.onGroupJoined(e)
	case *wire.MessageReceived:
		if !o.reg.Has(e.GroupID) {
			o.buffer("group:"+e.GroupID, e)
			return
		}
		o.receive(e)
	case *wire.KeyPackagePublished:
		o.onKeyPackagePublished(e)
	case *wire.KeyPackagesFetched:
		o.onKeyPackagesFetched(e)
	case *wire.Error:
		o.onError(e)
	default:
		o.log.Warn("dropping unexpected envelope", zap.String("type", string(env.EnvelopeType())), zap.Error(ErrProtocol))
	}
}

func (o *Orchestrator) onGroupCreated(e *wire.GroupCreated) {
	p := o.pending.forGroup(opCreate, e.GroupID)
	if p == nil {
		o.log.Warn("group_created without pending request", zap.String("group_id", e.GroupID), zap.Error(ErrDuplicateApplication))
		o.metrics.DuplicateIgnored()
		return
	}
	o.answered(p.seq)
	if !e.Success && !(p.linking() && strings.Contains(e.Error, "already exists")) {
		reason := "delivery service refused"
		if e.Error != "" {
			reason = shorten(e.Error)
		}
		o.createFailed(p, reason)
		return
	}
	if snap, ok := o.reg.Get(e.GroupID); ok && snap.Mode != registry.Linked {
		_ = o.reg.SetMode(e.GroupID, registry.Linked)
		snap.Mode = registry.Linked
		o.publishGroup(bus.KindGroupUpdated, snap)
	}
	o.finish(p, Outcome{Result: Result{
		GroupID: e.GroupID,
		Text:    fmt.Sprintf("Created and published group: %s (ID: %s)", p.name, e.GroupID),
	}})
}

// onGroupJoined applies a Welcome at most once: only a pending join for
// the group can consume it, and the pending entry is gone afterwards.
func (o *Orchestrator) onGroupJoined(e *wire.GroupJoined) {
	p := o.pending.forGroup(opJoin, e.GroupID)
	if p == nil || o.reg.Has(e.GroupID) {
		o.log.Warn("ignoring welcome", zap.String("group_id", e.GroupID), zap.Error(ErrDuplicateApplication))
		o.metrics.DuplicateIgnored()
		if p != nil {
			o.answered(p.seq)
			o.finish(p, Outcome{Result: Result{GroupID: e.GroupID, Text: fmt.Sprintf("Already in group: %s", e.GroupID)}})
		}
		return
	}
	o.answered(p.seq)
	notFound := func() {
		o.finish(p, Outcome{Err: intentErr("join", e.GroupID, ErrNotFound,
			fmt.Sprintf("Group %s not found or access denied.", e.GroupID))})
	}
	if e.Error != "" || len(e.WelcomeMessage) == 0 {
		o.log.Info("join refused", zap.String("group_id", e.GroupID), zap.String("error", e.Error))
		notFound()
		return
	}

	st, err := o.eng.ProcessWelcome(e.WelcomeMessage)
	if err != nil {
		o.log.Warn("welcome rejected by engine", zap.String("group_id", e.GroupID), zap.Uint64("attempt", p.attempt), zap.Error(err))
		o.finish(p, Outcome{Err: intentErr("join", e.GroupID, err, fmt.Sprintf("Could not process welcome for group %s.", e.GroupID))})
		return
	}
	if st.GroupID() != e.GroupID {
		o.log.Warn("welcome names another group", zap.String("group_id", e.GroupID), zap.String("welcome_group", st.GroupID()))
		o.finish(p, Outcome{Err: intentErr("join", e.GroupID, ErrEngine, fmt.Sprintf("Welcome for group %s names a different group.", e.GroupID))})
		return
	}

	o.log.Info("welcome applied", zap.String("group_id", e.GroupID), zap.Uint64("attempt", p.attempt), zap.String("request_id", p.id))
	o.finish(p, Outcome{Result: Result{GroupID: e.GroupID, Text: fmt.Sprintf("Joined group: %s", e.GroupID)}})
	o.register(registry.NewSession(e.GroupID, "Group "+e.GroupID, registry.Linked, st))
}

func (o *Orchestrator) onKeyPackagePublished(e *wire.KeyPackagePublished) {
	p := o.pending.get(opPublish, "self")
	if p == nil {
		o.log.Debug("key_package_published without pending request")
		return
	}
	o.answered(p.seq)
	if e.Success {
		o.published = true
		o.finish(p, Outcome{Result: Result{Text: "Key package published."}})
		return
	}
	o.log.Warn("key package not published", zap.String("error", e.Error))
	o.finish(p, Outcome{Err: intentErr("publish", "", ErrRejected, "Key package not published: "+shorten(e.Error))})
}

func (o *Orchestrator) onKeyPackagesFetched(e *wire.KeyPackagesFetched) {
	scope := "identity:" + e.Identity
	p := o.pending.get(opFetchKeys, scope)
	if p == nil {
		o.buffer(scope, e)
		return
	}
	o.answered(p.seq)
	o.bus.Publish(bus.Event{Kind: bus.KindKeysFetched, Payload: KeysFetched{Identity: e.Identity, Count: len(e.KeyPackages)}})
	o.finish(p, Outcome{Result: keysResult(e.Identity, e.KeyPackages)})
}

// KeysFetched is the payload of keys.fetched events.
type KeysFetched struct {
	Identity string
	Count    int
}

// receive decrypts and appends one message. Repeats and undecryptable
// messages leave the session untouched.
func (o *Orchestrator) receive(e *wire.MessageReceived) {
	id := digest(e.Message)
	if o.reg.Seen(e.GroupID, id) {
		o.metrics.DuplicateIgnored()
		o.log.Debug("duplicate delivery ignored", zap.String("group_id", e.GroupID), zap.String("msg_id", id))
		return
	}
	st, ok := o.reg.EngineState(e.GroupID)
	if !ok {
		return
	}
	pt, err := o.eng.Decrypt(st, e.Message)
	if err != nil {
		o.log.Warn("dropping undecryptable message", zap.String("group_id", e.GroupID), zap.Error(err))
		return
	}
	o.appendMessage(registry.Message{
		ID:        id,
		GroupID:   e.GroupID,
		Sender:    pt.Sender,
		Body:      string(pt.Body),
		Timestamp: o.now(),
		FromMe:    pt.Sender == o.id.Name,
		Delivered: true,
	})
}

func (o *Orchestrator) buffer(key string, env wire.Envelope) {
	evicted := o.pushes.add(key, env, o.now())
	o.metrics.PushBuffered()
	o.log.Debug("push buffered", zap.String("key", key), zap.String("type", string(env.EnvelopeType())))
	if evicted > 0 {
		o.discarded(key, evicted)
	}
}

func (o *Orchestrator) discarded(key string, n int) {
	if n == 0 {
		return
	}
	o.metrics.PushDiscarded(n)
	o.log.Warn("discarding buffered pushes", zap.String("key", key), zap.Int("count", n))
}

func (o *Orchestrator) handleState(st status.State) {
	addr := o.ch.Addr()
	switch st {
	case status.Connected:
		o.log.Info("delivery service connected", zap.String("addr", addr))
		o.notify("info", fmt.Sprintf("Connected to delivery service at %s", addr))
	case status.Disconnected:
		o.published = false
		o.unacked = nil
		o.notify("warn", fmt.Sprintf("Disconnected from delivery service at %s. New groups will be local only.", addr))
		// nothing sent on the old connection will be answered
		for _, p := range o.pending.all() {
			if p.kind == opCreate {
				o.createFailed(p, "connection lost")
				continue
			}
			o.finish(p, Outcome{Err: intentErr(string(p.kind), p.groupID, ErrNotConnected,
				fmt.Sprintf("Connection lost; %s cancelled.", p.kind))})
		}
	}
}

func (o *Orchestrator) poll() {
	if !o.connected() {
		return
	}
	for _, s := range o.reg.ListOrdered() {
		if s.Mode != registry.Linked {
			continue
		}
		if err := o.sendUnacked(&wire.FetchMessages{GroupID: s.GroupID}, unacked{groupID: s.GroupID, poll: true}); err != nil {
			o.log.Debug("poll skipped", zap.Error(err))
			return
		}
	}
}

func (o *Orchestrator) sweep() {
	now := o.now()
	for _, p := range o.pending.expired(now) {
		o.log.Warn("request timed out", zap.String("kind", string(p.kind)), zap.String("group_id", p.groupID), zap.String("request_id", p.id), zap.Duration("after", now.Sub(p.issued)))
		switch p.kind {
		case opCreate:
			o.createFailed(p, "delivery service did not answer")
		case opJoin:
			o.finish(p, Outcome{Err: intentErr("join", p.groupID, ErrTimeout, fmt.Sprintf("Join of group %s timed out; try again.", p.groupID))})
		case opPublish:
			o.finish(p, Outcome{Err: intentErr("publish", "", ErrTimeout, "Key package publish timed out.")})
		case opFetchKeys:
			o.finish(p, Outcome{Err: intentErr("keys", "", ErrTimeout, fmt.Sprintf("Key package fetch for %s timed out.", p.identity))})
		}
	}
	o.expireUnacked()
	for key, n := range o.pushes.expire(now) {
		o.discarded(key, n)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func shorten(s string) string {
	if utf8.RuneCountInString(s) <= maxServerText {
		return s
	}
	r := []rune(s)
	return string(r[:maxServerText]) + "…"
}

func fromStore(m store.Message) registry.Message {
	return registry.Message{
		ID:        m.MsgID,
		GroupID:   m.GroupID,
		Sender:    m.Sender,
		Body:      m.Body,
		Timestamp: time.UnixMilli(m.Timestamp),
		FromMe:    m.FromMe,
		Delivered: m.Delivered,
	}
}
