// Package channel maintains the persistent connection to the delivery
// service. It owns the connection state; everything else observes it.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/metrics"
	"github.com/matheus3301/mlschat/internal/status"
	"github.com/matheus3301/mlschat/internal/wire"
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("not connected to delivery service")

const (
	DefaultDialTimeout    = 5 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second

	inboundBuffer = 256
	statesBuffer  = 16
)

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Options configures a Channel. Zero values take the defaults above.
type Options struct {
	Bus            *bus.Bus
	Log            *zap.Logger
	Metrics        *metrics.Metrics
	Dial           DialFunc
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Channel is a reconnecting, line-framed JSON connection.
type Channel struct {
	opts    Options
	log     *zap.Logger
	machine *status.Machine

	mu   sync.Mutex
	addr string
	conn net.Conn
	enc  *wire.Encoder

	inbound chan wire.Envelope
	states  chan status.State
	redial  chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a channel for addr. Nothing is dialed until Start.
func New(addr string, opts Options) *Channel {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Channel{
		opts:    opts,
		log:     opts.Log.Named("channel"),
		machine: status.NewMachine(opts.Bus),
		addr:    addr,
		inbound: make(chan wire.Envelope, inboundBuffer),
		states:  make(chan status.State, statesBuffer),
		redial:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start makes the first connection attempt and then keeps the connection
// alive in the background until ctx is done or Stop is called. A failed
// first attempt is not an error: the channel stays Disconnected and retries.
func (c *Channel) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		conn := c.connect(ctx)
		go c.supervise(ctx, conn)
	})
}

// Stop closes the connection and waits for the supervisor to exit. The
// Inbound and States channels are closed afterwards.
func (c *Channel) Stop() {
	c.startOnce.Do(func() {
		close(c.inbound)
		close(c.states)
		close(c.done)
	})
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	<-c.done
}

// Inbound delivers every envelope that parsed.
func (c *Channel) Inbound() <-chan wire.Envelope { return c.inbound }

// States delivers every connection state change in order.
func (c *Channel) States() <-chan status.State { return c.states }

// State returns the current connection state.
func (c *Channel) State() status.State { return c.machine.Current() }

// Since returns when the current state was entered.
func (c *Channel) Since() time.Time { return c.machine.Since() }

// Addr returns the delivery service address currently in use.
func (c *Channel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Redial switches to addr, dropping any current connection and skipping
// the remaining backoff.
func (c *Channel) Redial(addr string) {
	c.mu.Lock()
	c.addr = addr
	c.mu.Unlock()
	c.log.Info("redialing", zap.String("addr", addr))
	select {
	case c.redial <- struct{}{}:
	default:
	}
	c.closeConn()
}

// Send writes env as one frame. It fails fast with ErrNotConnected when no
// connection is up; a write failure also reports ErrNotConnected and
// tears the connection down for the supervisor to replace.
func (c *Channel) Send(ctx context.Context, env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.enc.Encode(env); err != nil {
		c.log.Warn("write failed", zap.String("type", string(env.EnvelopeType())), zap.Error(err))
		_ = c.conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.opts.Metrics.EnvelopeSent(string(env.EnvelopeType()))
	return nil
}

func (c *Channel) supervise(ctx context.Context, conn net.Conn) {
	defer func() {
		close(c.inbound)
		close(c.states)
		close(c.done)
	}()

	delay := c.opts.InitialBackoff
	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-c.redial:
				delay = c.opts.InitialBackoff
			case <-time.After(delay):
				delay = min(delay*2, c.opts.MaxBackoff)
			}
			if conn = c.connect(ctx); conn == nil {
				continue
			}
			c.opts.Metrics.Reconnected()
		}

		start := time.Now()
		c.readLoop(ctx, conn)
		c.closeConn()
		c.setState(ctx, status.Disconnected)
		conn = nil
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > c.opts.InitialBackoff {
			delay = c.opts.InitialBackoff
		}
		c.log.Info("connection lost, will reconnect", zap.Duration("delay", delay))
	}
}

// connect performs one dial attempt and returns nil on failure.
func (c *Channel) connect(ctx context.Context) net.Conn {
	addr := c.Addr()
	c.setState(ctx, status.Connecting)

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.opts.Dial(dctx, addr)
	cancel()
	if err != nil {
		c.log.Warn("dial failed", zap.String("addr", addr), zap.Error(err))
		c.setState(ctx, status.Disconnected)
		return nil
	}
	if ctx.Err() != nil {
		_ = conn.Close()
		c.setState(ctx, status.Disconnected)
		return nil
	}

	c.mu.Lock()
	c.conn = conn
	c.enc = wire.NewEncoder(conn)
	c.mu.Unlock()
	c.log.Info("connected", zap.String("addr", addr))
	c.setState(ctx, status.Connected)
	return conn
}

func (c *Channel) readLoop(ctx context.Context, conn net.Conn) {
	dec := wire.NewDecoder(conn)
	for {
		env, err := dec.Next()
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				c.log.Warn("dropping inbound envelope",
					zap.String("type", string(perr.Type)),
					zap.String("reason", perr.Reason))
				c.opts.Metrics.EnvelopeDropped()
				continue
			}
			if ctx.Err() == nil {
				c.log.Debug("read ended", zap.Error(err))
			}
			return
		}
		c.opts.Metrics.EnvelopeReceived(string(env.EnvelopeType()))
		select {
		case c.inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.enc = nil
	}
}

func (c *Channel) setState(ctx context.Context, to status.State) {
	if c.machine.Current() == to {
		return
	}
	if err := c.machine.Transition(to); err != nil {
		c.log.Error("state transition", zap.Error(err))
		return
	}
	c.opts.Metrics.SetConnected(to == status.Connected)
	select {
	case c.states <- to:
	case <-ctx.Done():
	}
}
