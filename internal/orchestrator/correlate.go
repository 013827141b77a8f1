package orchestrator

import (
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/wire"
)

const maxUnacked = 256

// unacked is a request the delivery service only answers when it fails:
// send_message and fetch_messages. They share the issue sequence with
// pending requests so an uncorrelated error can be charged in order.
type unacked struct {
	seq     uint64
	typ     wire.Type
	groupID string
	msgID   string
	payload []byte
	poll    bool
	issued  int64
}

// sendUnacked sends env and remembers it until a later answer shows the
// service got past it, or the request timeout passes.
func (o *Orchestrator) sendUnacked(env wire.Envelope, u unacked) error {
	if err := o.send(env); err != nil {
		return err
	}
	o.seq++
	u.seq = o.seq
	u.typ = env.EnvelopeType()
	u.issued = o.now().UnixNano()
	o.unacked = append(o.unacked, u)
	if over := len(o.unacked) - maxUnacked; over > 0 {
		o.unacked = o.unacked[over:]
	}
	return nil
}

// answered drops unacked requests issued before seq. The service answers in
// order, so an answer to seq means none of them failed.
func (o *Orchestrator) answered(seq uint64) {
	i := 0
	for i < len(o.unacked) && o.unacked[i].seq < seq {
		i++
	}
	o.unacked = o.unacked[i:]
}

func (o *Orchestrator) expireUnacked() {
	cutoff := o.now().Add(-o.opts.RequestTimeout).UnixNano()
	i := 0
	for i < len(o.unacked) && o.unacked[i].issued <= cutoff {
		i++
	}
	o.unacked = o.unacked[i:]
}

// mentions splits an error text into identifier-like words.
func mentions(text string) map[string]bool {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' && r != '@'
	})
	out := make(map[string]bool, len(words))
	for _, w := range words {
		out[strings.TrimRight(w, ".")] = true
	}
	return out
}

// onError charges an error envelope to the request that caused it. A
// request whose group or identity the text names wins. Otherwise the
// earliest unanswered request, pending or unacked, takes it.
func (o *Orchestrator) onError(e *wire.Error) {
	text := shorten(e.Message)
	named := mentions(e.Message)

	for _, p := range o.pending.all() {
		if (p.groupID != "" && named[p.groupID]) || (p.identity != "" && named[p.identity]) {
			o.failPending(p, e.Message, text)
			return
		}
	}
	for i, u := range o.unacked {
		if named[u.groupID] {
			o.unacked = o.unacked[i+1:]
			o.failUnacked(u, e.Message, text)
			return
		}
	}

	p := o.pending.oldest()
	if len(o.unacked) > 0 && (p == nil || o.unacked[0].seq < p.seq) {
		u := o.unacked[0]
		o.unacked = o.unacked[1:]
		o.failUnacked(u, e.Message, text)
		return
	}
	if p == nil {
		o.log.Warn("delivery service error", zap.String("message", e.Message))
		o.notify("warn", "Delivery service error: "+text)
		return
	}
	o.failPending(p, e.Message, text)
}

func (o *Orchestrator) failPending(p *pendingReq, raw, text string) {
	o.answered(p.seq)
	o.log.Warn("request failed", zap.String("kind", string(p.kind)), zap.String("group_id", p.groupID), zap.String("request_id", p.id), zap.String("message", raw))
	switch p.kind {
	case opCreate:
		o.createFailed(p, text)
	case opJoin:
		o.finish(p, Outcome{Err: intentErr("join", p.groupID, ErrNotFound, fmt.Sprintf("Group %s not found or access denied.", p.groupID))})
	case opPublish:
		o.finish(p, Outcome{Err: intentErr("publish", "", ErrRejected, "Key package not published: "+text)})
	case opFetchKeys:
		o.finish(p, Outcome{Err: intentErr("keys", "", ErrRejected, fmt.Sprintf("Could not fetch key packages for %s: %s", p.identity, text))})
	}
}

// failUnacked handles a refused send or fetch. A refused message goes back
// to undelivered so retry can resend it.
func (o *Orchestrator) failUnacked(u unacked, raw, text string) {
	o.log.Warn("delivery service refused request", zap.String("type", string(u.typ)), zap.String("group_id", u.groupID), zap.String("message", raw))
	switch u.typ {
	case wire.TypeSendMessage:
		if err := o.reg.MarkDelivered(u.groupID, u.msgID, false); err != nil {
			return
		}
		o.unsent[u.msgID] = u.payload
		if snap, ok := o.reg.Get(u.groupID); ok {
			for _, m := range snap.History {
				if m.ID == u.msgID {
					o.bus.Publish(bus.Event{
						Kind:    bus.KindMessageUndelivered,
						GroupID: u.groupID,
						Payload: registry.Undelivered{Message: m, Reason: text},
					})
					break
				}
			}
		}
		o.notify("warn", fmt.Sprintf("Message to %s not delivered: %s", u.groupID, text))
	case wire.TypeFetchMessages:
		if !u.poll {
			o.notify("warn", fmt.Sprintf("Fetch for %s failed: %s", u.groupID, text))
		}
	}
}
