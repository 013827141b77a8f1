// Package relay is an in-memory delivery service speaking the wire
// protocol. It exists for local development and tests: nothing is
// persisted and group state is trusted as sent by the creator.
package relay

import (
	"errors"
	"net"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/engine/devengine"
	"github.com/matheus3301/mlschat/internal/wire"
)

const (
	DefaultMaxBacklog     = 1000
	DefaultMaxKeyPackages = 16
	DefaultWriteTimeout   = 5 * time.Second
	keepAlivePeriod       = 30 * time.Second
)

// Options configures a Server. Zero values take the defaults.
type Options struct {
	Log            *zap.Logger
	MaxBacklog     int
	MaxKeyPackages int
	WriteTimeout   time.Duration
}

type group struct {
	info []byte
	// backlog[i] has absolute index base+i
	backlog [][]byte
	base    int
	subs    map[*conn]struct{}
}

func (g *group) end() int { return g.base + len(g.backlog) }

// Server accepts delivery-service connections.
type Server struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*conn]struct{}
	groups map[string]*group
	keys   map[string][][]byte
	closed bool

	wg sync.WaitGroup
}

// New creates a server. Call Listen and Serve, or Start.
func New(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = DefaultMaxBacklog
	}
	if opts.MaxKeyPackages <= 0 {
		opts.MaxKeyPackages = DefaultMaxKeyPackages
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Server{
		opts:   opts,
		log:    opts.Log.Named("relay"),
		conns:  make(map[*conn]struct{}),
		groups: make(map[string]*group),
		keys:   make(map[string][][]byte),
	}
}

// Listen binds addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	go func() { _ = s.Serve() }()
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("relay: Serve before Listen")
	}
	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error("accept failure", zap.Error(err))
			return err
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
		}
		s.onNewConn(nc)
	}
}

func (s *Server) onNewConn(nc net.Conn) {
	c := newConn(s, nc)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("accepted connection", zap.String("remote", nc.RemoteAddr().String()))
	go c.worker()
}

func (s *Server) onClosedConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	for _, g := range s.groups {
		delete(g.subs, c)
	}
	s.mu.Unlock()
	s.wg.Done()
}

// Close stops accepting, drops every connection and waits for their
// workers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.nc.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handle(c *conn, env wire.Envelope) {
	switch e := env.(type) {
	case *wire.CreateGroup:
		c.send(s.createGroup(c, e))
	case *wire.JoinGroup:
		c.send(s.joinGroup(c, e))
	case *wire.SendMessage:
		s.sendMessage(c, e)
	case *wire.FetchMessages:
		s.fetchMessages(c, e)
	case *wire.PublishKeyPackage:
		c.send(s.publishKeyPackage(e))
	case *wire.FetchKeyPackages:
		c.send(s.fetchKeyPackages(e))
	default:
		c.send(&wire.Error{Message: "unexpected " + string(env.EnvelopeType())})
	}
}

func (s *Server) createGroup(c *conn, e *wire.CreateGroup) wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[e.GroupID]; ok {
		return &wire.GroupCreated{GroupID: e.GroupID, Error: "group already exists"}
	}
	s.groups[e.GroupID] = &group{
		info: slices.Clone(e.GroupInfo),
		subs: map[*conn]struct{}{c: {}},
	}
	c.cursor[e.GroupID] = 0
	s.log.Info("group created", zap.String("group_id", e.GroupID))
	return &wire.GroupCreated{GroupID: e.GroupID, Success: true}
}

// joinGroup answers with the stored group info as the Welcome. The
// joiner's history starts at the current end of the backlog.
func (s *Server) joinGroup(c *conn, e *wire.JoinGroup) wire.Envelope {
	identity, err := devengine.VerifyKeyPackage(e.KeyPackage)
	if err != nil {
		return &wire.GroupJoined{GroupID: e.GroupID, Error: "invalid key package"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[e.GroupID]
	if !ok {
		return &wire.GroupJoined{GroupID: e.GroupID, Error: "group not found"}
	}
	g.subs[c] = struct{}{}
	c.cursor[e.GroupID] = g.end()
	s.log.Info("member joined", zap.String("group_id", e.GroupID), zap.String("identity", identity))
	return &wire.GroupJoined{GroupID: e.GroupID, WelcomeMessage: slices.Clone(g.info)}
}

func (s *Server) sendMessage(c *conn, e *wire.SendMessage) {
	s.mu.Lock()
	g, ok := s.groups[e.GroupID]
	if !ok {
		s.mu.Unlock()
		c.send(&wire.Error{Message: "group not found: " + e.GroupID})
		return
	}
	g.backlog = append(g.backlog, slices.Clone(e.Message))
	if over := len(g.backlog) - s.opts.MaxBacklog; over > 0 {
		g.backlog = slices.Clone(g.backlog[over:])
		g.base += over
	}
	g.subs[c] = struct{}{}
	end := g.end()
	var targets []*conn
	for sub := range g.subs {
		// only caught-up subscribers get the live push; the rest pick it
		// up on their next fetch
		if sub.cursor[e.GroupID] != end-1 {
			continue
		}
		sub.cursor[e.GroupID] = end
		if sub != c {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	out := &wire.MessageReceived{GroupID: e.GroupID, Message: e.Message}
	for _, t := range targets {
		t.send(out)
	}
}

func (s *Server) fetchMessages(c *conn, e *wire.FetchMessages) {
	s.mu.Lock()
	g, ok := s.groups[e.GroupID]
	if !ok {
		s.mu.Unlock()
		c.send(&wire.Error{Message: "group not found: " + e.GroupID})
		return
	}
	g.subs[c] = struct{}{}
	from := max(c.cursor[e.GroupID], g.base)
	pending := slices.Clone(g.backlog[from-g.base:])
	c.cursor[e.GroupID] = g.end()
	s.mu.Unlock()

	for _, m := range pending {
		c.send(&wire.MessageReceived{GroupID: e.GroupID, Message: m})
	}
}

func (s *Server) publishKeyPackage(e *wire.PublishKeyPackage) wire.Envelope {
	identity, err := devengine.VerifyKeyPackage(e.KeyPackage)
	if err != nil {
		return &wire.KeyPackagePublished{Error: "invalid key package"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kps := append(s.keys[identity], slices.Clone(e.KeyPackage))
	if over := len(kps) - s.opts.MaxKeyPackages; over > 0 {
		kps = kps[over:]
	}
	s.keys[identity] = kps
	return &wire.KeyPackagePublished{Success: true}
}

func (s *Server) fetchKeyPackages(e *wire.FetchKeyPackages) wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &wire.KeyPackagesFetched{Identity: e.Identity, KeyPackages: slices.Clone(s.keys[e.Identity])}
}
