package orchestrator

import (
	"time"

	"github.com/matheus3301/mlschat/internal/wire"
)

const (
	DefaultPushPerKey = 64
	DefaultPushTotal  = 256
)

type bufferedPush struct {
	env wire.Envelope
	at  time.Time
}

// pushBuffer holds unsolicited pushes that arrived before anything could
// consume them, keyed by group or identity.
type pushBuffer struct {
	window time.Duration
	perKey int
	total  int

	entries map[string][]bufferedPush
	count   int
}

func newPushBuffer(window time.Duration, perKey, total int) *pushBuffer {
	return &pushBuffer{
		window:  window,
		perKey:  perKey,
		total:   total,
		entries: make(map[string][]bufferedPush),
	}
}

// add stores env under key and returns how many older entries were evicted
// to make room.
func (b *pushBuffer) add(key string, env wire.Envelope, now time.Time) int {
	evicted := 0
	if q := b.entries[key]; len(q) >= b.perKey {
		b.entries[key] = q[1:]
		b.count--
		evicted++
	}
	for b.count >= b.total {
		b.evictOldest()
		evicted++
	}
	b.entries[key] = append(b.entries[key], bufferedPush{env: env, at: now})
	b.count++
	return evicted
}

// take removes and returns the live entries for key in arrival order,
// along with the number of expired entries dropped.
func (b *pushBuffer) take(key string, now time.Time) ([]wire.Envelope, int) {
	q, ok := b.entries[key]
	if !ok {
		return nil, 0
	}
	delete(b.entries, key)
	b.count -= len(q)

	out := make([]wire.Envelope, 0, len(q))
	expired := 0
	for _, p := range q {
		if now.Sub(p.at) > b.window {
			expired++
			continue
		}
		out = append(out, p.env)
	}
	return out, expired
}

// expire drops entries older than the window and reports the count per key.
func (b *pushBuffer) expire(now time.Time) map[string]int {
	var dropped map[string]int
	for key, q := range b.entries {
		i := 0
		for i < len(q) && now.Sub(q[i].at) > b.window {
			i++
		}
		if i == 0 {
			continue
		}
		if dropped == nil {
			dropped = make(map[string]int)
		}
		dropped[key] = i
		b.count -= i
		if i == len(q) {
			delete(b.entries, key)
		} else {
			b.entries[key] = q[i:]
		}
	}
	return dropped
}

func (b *pushBuffer) evictOldest() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for key, q := range b.entries {
		if len(q) == 0 {
			continue
		}
		if oldestKey == "" || q[0].at.Before(oldestAt) {
			oldestKey, oldestAt = key, q[0].at
		}
	}
	if oldestKey == "" {
		b.count = 0
		return
	}
	q := b.entries[oldestKey][1:]
	if len(q) == 0 {
		delete(b.entries, oldestKey)
	} else {
		b.entries[oldestKey] = q
	}
	b.count--
}

func (b *pushBuffer) len() int { return b.count }
