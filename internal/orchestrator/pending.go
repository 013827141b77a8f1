package orchestrator

import (
	"slices"
	"strings"
	"time"
)

type opKind string

const (
	opCreate    opKind = "create"
	opJoin      opKind = "join"
	opPublish   opKind = "publish"
	opFetchKeys opKind = "fetch_keys"
)

// pendingReq is a request awaiting a delivery service response. It is
// resolved exactly once and removed from the table on resolution.
type pendingReq struct {
	id       string
	kind     opKind
	scope    string
	groupID  string
	name     string
	identity string
	attempt  uint64
	seq      uint64
	issued   time.Time
	deadline time.Time
	waiters  []chan<- Outcome
}

// linking reports whether p publishes an existing session rather than a
// freshly created one.
func (p *pendingReq) linking() bool {
	return p.kind == opCreate && strings.HasPrefix(p.scope, "group:")
}

func (p *pendingReq) resolve(out Outcome) {
	for _, w := range p.waiters {
		w <- out
	}
	p.waiters = nil
}

// pendingTable keeps requests in issue order. At most one request exists
// per (scope, kind).
type pendingTable struct {
	order []*pendingReq
}

func (t *pendingTable) get(kind opKind, scope string) *pendingReq {
	for _, p := range t.order {
		if p.kind == kind && p.scope == scope {
			return p
		}
	}
	return nil
}

func (t *pendingTable) forGroup(kind opKind, groupID string) *pendingReq {
	for _, p := range t.order {
		if p.kind == kind && p.groupID == groupID {
			return p
		}
	}
	return nil
}

func (t *pendingTable) add(p *pendingReq) {
	t.order = append(t.order, p)
}

func (t *pendingTable) remove(p *pendingReq) bool {
	i := slices.Index(t.order, p)
	if i < 0 {
		return false
	}
	t.order = slices.Delete(t.order, i, i+1)
	return true
}

func (t *pendingTable) oldest() *pendingReq {
	if len(t.order) == 0 {
		return nil
	}
	return t.order[0]
}

func (t *pendingTable) expired(now time.Time) []*pendingReq {
	var out []*pendingReq
	for _, p := range t.order {
		if !now.Before(p.deadline) {
			out = append(out, p)
		}
	}
	return out
}

func (t *pendingTable) all() []*pendingReq {
	return slices.Clone(t.order)
}

func (t *pendingTable) len() int { return len(t.order) }
