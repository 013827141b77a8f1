// Package orchestrator binds the group engine, the delivery channel and the
// session registry. One goroutine owns all session state and handles user
// intents, inbound envelopes, connection changes and timers in turn.
package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/config"
	"github.com/matheus3301/mlschat/internal/engine"
	"github.com/matheus3301/mlschat/internal/metrics"
	"github.com/matheus3301/mlschat/internal/registry"
	"github.com/matheus3301/mlschat/internal/status"
	"github.com/matheus3301/mlschat/internal/store"
	"github.com/matheus3301/mlschat/internal/wire"
)

const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultPushWindow     = 5 * time.Second
	DefaultSweepInterval  = time.Second
)

// Channel is the delivery channel as the orchestrator uses it.
type Channel interface {
	Send(ctx context.Context, env wire.Envelope) error
	Inbound() <-chan wire.Envelope
	States() <-chan status.State
	State() status.State
	Since() time.Time
	Addr() string
	Redial(addr string)
}

// History reads the persisted journal.
type History interface {
	ListMessages(groupID string, beforeTs int64, limit int) ([]store.Message, error)
	SearchMessages(query, groupID string, limit int) ([]store.Message, error)
}

// Deps are the collaborators. Engine, Identity and Channel are required.
type Deps struct {
	Engine       engine.Engine
	Identity     *engine.Identity
	Channel      Channel
	Bus          *bus.Bus
	Log          *zap.Logger
	Metrics      *metrics.Metrics
	History      History
	SaveSettings func(config.Settings) error
}

// Options tune timing and limits. Zero values take the defaults.
type Options struct {
	Settings         config.Settings
	RequestTimeout   time.Duration
	PollInterval     time.Duration
	PushBufferWindow time.Duration
	SweepInterval    time.Duration
	PushPerKey       int
	PushTotal        int
	// DisablePoll turns off the periodic fetch.
	DisablePoll bool
	Now         func() time.Time
}

type request struct {
	intent Intent
	reply  chan Outcome
}

// Orchestrator runs the session state machine.
type Orchestrator struct {
	eng     engine.Engine
	id      *engine.Identity
	ch      Channel
	bus     *bus.Bus
	log     *zap.Logger
	metrics *metrics.Metrics
	history History
	save    func(config.Settings) error
	opts    Options
	now     func() time.Time

	intents chan request
	done    chan struct{}

	// owned by the Run goroutine
	ctx         context.Context
	reg         *registry.Registry
	pending     pendingTable
	pushes      *pushBuffer
	active      string
	settings    config.Settings
	published   bool
	joinAttempt uint64
	unsent      map[string][]byte
	seq         uint64
	unacked     []unacked
}

// New builds an orchestrator. Call Run to start it.
func New(d Deps, opts Options) *Orchestrator {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Bus == nil {
		d.Bus = bus.New()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PushBufferWindow <= 0 {
		opts.PushBufferWindow = DefaultPushWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.PushPerKey <= 0 {
		opts.PushPerKey = DefaultPushPerKey
	}
	if opts.PushTotal <= 0 {
		opts.PushTotal = DefaultPushTotal
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	settings := opts.Settings
	if settings.Username == "" {
		settings.Username = d.Identity.Name
	}
	if settings.DeliveryServiceAddress == "" {
		settings.DeliveryServiceAddress = d.Channel.Addr()
	}
	return &Orchestrator{
		eng:      d.Engine,
		id:       d.Identity,
		ch:       d.Channel,
		bus:      d.Bus,
		log:      d.Log.Named("orchestrator"),
		metrics:  d.Metrics,
		history:  d.History,
		save:     d.SaveSettings,
		opts:     opts,
		now:      opts.Now,
		intents:  make(chan request, 64),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		reg:      registry.New(),
		pushes:   newPushBuffer(opts.PushBufferWindow, opts.PushPerKey, opts.PushTotal),
		settings: settings,
		unsent:   make(map[string][]byte),
	}
}

// Submit queues an intent. The returned channel receives exactly one
// Outcome.
func (o *Orchestrator) Submit(ctx context.Context, in Intent) (<-chan Outcome, error) {
	req := request{intent: in, reply: make(chan Outcome, 1)}
	select {
	case o.intents <- req:
		return req.reply, nil
	case <-o.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Do submits an intent and waits for its outcome.
func (o *Orchestrator) Do(ctx context.Context, in Intent) (Result, error) {
	reply, err := o.Submit(ctx, in)
	if err != nil {
		return Result{}, err
	}
	select {
	case out := <-reply:
		return out.Result, out.Err
	case <-o.done:
		select {
		case out := <-reply:
			return out.Result, out.Err
		default:
			return Result{}, ErrStopped
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Execute parses a command line and runs it.
func (o *Orchestrator) Execute(ctx context.Context, line string) (Result, error) {
	in, err := ParseCommand(line)
	if err != nil {
		return Result{}, err
	}
	return o.Do(ctx, in)
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Run drives the state machine until ctx is done. Outstanding requests are
// failed on the way out and engine state is dropped.
func (o *Orchestrator) Run(ctx context.Context) {
	o.ctx = ctx
	defer close(o.done)
	defer o.shutdown()

	sweep := time.NewTicker(o.opts.SweepInterval)
	defer sweep.Stop()

	var pollC <-chan time.Time
	if !o.opts.DisablePoll {
		poll := time.NewTicker(o.opts.PollInterval)
		defer poll.Stop()
		pollC = poll.C
	}

	inbound := o.ch.Inbound()
	states := o.ch.States()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-o.intents:
			o.handleIntent(req)
		case env, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			o.handleEnvelope(env)
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			o.handleState(st)
		case <-pollC:
			o.poll()
		case <-sweep.C:
			o.sweep()
		}
	}
}

func (o *Orchestrator) shutdown() {
	for _, p := range o.pending.all() {
		o.pending.remove(p)
		p.resolve(Outcome{Err: intentErr(string(p.kind), p.groupID, ErrStopped, "Shutting down; request cancelled.")})
	}
	for {
		select {
		case req := <-o.intents:
			req.reply <- Outcome{Err: ErrStopped}
		default:
			o.metrics.SetPending(0)
			o.log.Info("orchestrator stopped", zap.Int("sessions", o.reg.Len()))
			return
		}
	}
}

func (o *Orchestrator) connected() bool {
	return o.ch.State() == status.Connected
}

func (o *Orchestrator) send(env wire.Envelope) error {
	return o.ch.Send(o.ctx, env)
}

func (o *Orchestrator) addPending(p *pendingReq) {
	now := o.now()
	o.seq++
	p.seq = o.seq
	p.issued = now
	p.deadline = now.Add(o.opts.RequestTimeout)
	o.pending.add(p)
	o.metrics.SetPending(o.pending.len())
}

// finish removes p from the table and resolves it.
func (o *Orchestrator) finish(p *pendingReq, out Outcome) {
	if !o.pending.remove(p) {
		return
	}
	outcome := "success"
	switch {
	case out.Err == nil:
	case isTimeout(out.Err):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	o.metrics.Resolved(string(p.kind), outcome)
	o.metrics.SetPending(o.pending.len())
	p.resolve(out)
}

func (o *Orchestrator) publishGroup(kind string, snap registry.Snapshot) {
	snap.History = nil
	o.bus.Publish(bus.Event{Kind: kind, GroupID: snap.GroupID, Payload: snap})
	local, linked := o.reg.Count()
	o.metrics.SetSessions(local, linked)
}

func (o *Orchestrator) notify(level, text string) {
	o.bus.Notify(level, text)
}
