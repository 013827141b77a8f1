package orchestrator

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/config"
	"github.com/matheus3301/mlschat/internal/engine"
	"github.com/matheus3301/mlschat/internal/engine/devengine"
	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/status"
	"github.com/matheus3301/mlschat/internal/store"
	"github.com/matheus3301/mlschat/internal/wire"
)

type fakeChannel struct {
	mu      sync.Mutex
	state   status.State
	since   time.Time
	addr    string
	sendErr error
	sent    []wire.Envelope
	redials []string

	sentCh  chan wire.Envelope
	inbound chan wire.Envelope
	states  chan status.State
}

func newFakeChannel(connected bool) *fakeChannel {
	st := status.Disconnected
	if connected {
		st = status.Connected
	}
	return &fakeChannel{
		state:   st,
		since:   time.Now(),
		addr:    "127.0.0.1:8080",
		sentCh:  make(chan wire.Envelope, 256),
		inbound: make(chan wire.Envelope, 64),
		states:  make(chan status.State, 16),
	}
}

func (f *fakeChannel) Send(_ context.Context, env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != status.Connected {
		return ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, env)
	f.sentCh <- env
	return nil
}

func (f *fakeChannel) Inbound() <-chan wire.Envelope { return f.inbound }
func (f *fakeChannel) States() <-chan status.State   { return f.states }

func (f *fakeChannel) State() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) Since() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since
}

func (f *fakeChannel) Addr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

func (f *fakeChannel) Redial(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addr = addr
	f.redials = append(f.redials, addr)
}

func (f *fakeChannel) setState(st status.State) {
	f.mu.Lock()
	f.state = st
	f.since = time.Now()
	f.mu.Unlock()
	f.states <- st
}

func (f *fakeChannel) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeChannel) count(typ wire.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.sent {
		if env.EnvelopeType() == typ {
			n++
		}
	}
	return n
}

// countingEngine records how often a Welcome was processed.
type countingEngine struct {
	engine.Engine
	welcomes atomic.Int32
}

func (c *countingEngine) ProcessWelcome(b []byte) (engine.State, error) {
	c.welcomes.Add(1)
	return c.Engine.ProcessWelcome(b)
}

type harness struct {
	t   *testing.T
	o   *Orchestrator
	ch  *fakeChannel
	eng *countingEngine
	bus *bus.Bus
}

func newHarness(t *testing.T, connected bool, tweak func(*Options)) *harness {
	t.Helper()
	return startHarness(t, connected, tweak, nil)
}

func startHarness(t *testing.T, connected bool, tweak func(*Options), save func(config.Settings) error) *harness {
	t.Helper()
	return startHarnessWith(t, connected, tweak, func(d *Deps) { d.SaveSettings = save })
}

func startHarnessWith(t *testing.T, connected bool, tweak func(*Options), deps func(*Deps)) *harness {
	t.Helper()
	id, err := engine.NewIdentity("bob")
	require.NoError(t, err)
	eng := &countingEngine{Engine: devengine.New(id)}
	ch := newFakeChannel(connected)
	b := bus.New()

	opts := Options{DisablePoll: true, SweepInterval: 10 * time.Millisecond}
	if tweak != nil {
		tweak(&opts)
	}
	d := Deps{
		Engine:   eng,
		Identity: id,
		Channel:  ch,
		Bus:      b,
		Log:      zaptest.NewLogger(t),
	}
	if deps != nil {
		deps(&d)
	}
	o := New(d, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-o.Done()
	})
	return &harness{t: t, o: o, ch: ch, eng: eng, bus: b}
}

func (h *harness) do(in Intent) (Result, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.o.Do(ctx, in)
}

func (h *harness) submit(in Intent) <-chan Outcome {
	h.t.Helper()
	reply, err := h.o.Submit(context.Background(), in)
	require.NoError(h.t, err)
	return reply
}

func (h *harness) await(reply <-chan Outcome) Outcome {
	h.t.Helper()
	select {
	case out := <-reply:
		return out
	case <-time.After(5 * time.Second):
		h.t.Fatal("intent not resolved")
		return Outcome{}
	}
}

// waitSent returns the next sent envelope of type typ.
func (h *harness) waitSent(typ wire.Type) wire.Envelope {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-h.ch.sentCh:
			if env.EnvelopeType() == typ {
				return env
			}
		case <-deadline:
			h.t.Fatalf("no %s sent", typ)
			return nil
		}
	}
}

func (h *harness) push(env wire.Envelope) {
	h.ch.inbound <- env
}

// eventually polls cond through the orchestrator until it holds.
func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func (h *harness) history(gid string) []registry.Message {
	h.t.Helper()
	res, err := h.do(Intent{Kind: IntentHistory, GroupID: gid})
	require.NoError(h.t, err)
	return res.Messages
}

func (h *harness) snapshot(gid string) registry.Snapshot {
	h.t.Helper()
	res, err := h.do(Intent{Kind: IntentListGroups})
	require.NoError(h.t, err)
	for _, g := range res.Groups {
		if g.GroupID == gid {
			return g
		}
	}
	h.t.Fatalf("group %s not registered", gid)
	return registry.Snapshot{}
}

func (h *harness) groups() []string {
	h.t.Helper()
	res, err := h.do(Intent{Kind: IntentListGroups})
	require.NoError(h.t, err)
	ids := make([]string, 0, len(res.Groups))
	for _, g := range res.Groups {
		ids = append(ids, g.GroupID)
	}
	return ids
}

// laggingHistory stands in for a journal that has not caught up yet.
type laggingHistory struct {
	mu   sync.Mutex
	rows []store.Message
}

func (l *laggingHistory) add(m store.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, m)
}

// ListMessages returns newest first, like the store.
func (l *laggingHistory) ListMessages(groupID string, _ int64, limit int) ([]store.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []store.Message
	for i := len(l.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if l.rows[i].GroupID == groupID {
			out = append(out, l.rows[i])
		}
	}
	return out, nil
}

func (l *laggingHistory) SearchMessages(query, groupID string, limit int) ([]store.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []store.Message
	for i := len(l.rows) - 1; i >= 0 && len(out) < limit; i-- {
		r := l.rows[i]
		if (groupID == "" || r.GroupID == groupID) && strings.Contains(r.Body, query) {
			out = append(out, r)
		}
	}
	return out, nil
}

// peer is a second participant driving a group from outside the
// orchestrator.
type peer struct {
	eng *devengine.Engine
}

func newPeer(t *testing.T, name string) *peer {
	t.Helper()
	id, err := engine.NewIdentity(name)
	require.NoError(t, err)
	return &peer{eng: devengine.New(id)}
}

func (p *peer) group(t *testing.T, gid string) (engine.State, []byte) {
	t.Helper()
	st, err := p.eng.CreateGroup(gid)
	require.NoError(t, err)
	info, err := p.eng.GroupInfo(st)
	require.NoError(t, err)
	return st, info
}

func (p *peer) encrypt(t *testing.T, st engine.State, text string) []byte {
	t.Helper()
	ct, err := p.eng.Encrypt(st, []byte(text))
	require.NoError(t, err)
	return ct
}

// joinVia makes h join gid with the given welcome.
func (h *harness) joinVia(gid string, welcome []byte) Outcome {
	h.t.Helper()
	reply := h.submit(Intent{Kind: IntentJoin, GroupID: gid})
	h.waitSent(wire.TypeJoinGroup)
	h.push(&wire.GroupJoined{GroupID: gid, WelcomeMessage: welcome})
	return h.await(reply)
}
