package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/wire"
)

type conn struct {
	s   *Server
	nc  net.Conn
	log *zap.Logger

	wmu sync.Mutex
	enc *wire.Encoder

	// next backlog index to deliver, per group; guarded by s.mu
	cursor map[string]int
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		s:      s,
		nc:     nc,
		log:    s.log.With(zap.String("remote", nc.RemoteAddr().String())),
		enc:    wire.NewEncoder(nc),
		cursor: make(map[string]int),
	}
}

func (c *conn) worker() {
	defer func() {
		_ = c.nc.Close()
		c.s.onClosedConn(c)
		c.log.Debug("connection closed")
	}()

	dec := wire.NewDecoder(c.nc)
	for {
		env, err := dec.Next()
		if err != nil {
			var pe *wire.ProtocolError
			if errors.As(err, &pe) {
				c.log.Warn("dropping bad envelope", zap.Error(err))
				c.send(&wire.Error{Message: err.Error()})
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.s.handle(c, env)
	}
}

// send writes env, closing the connection if the peer does not keep up.
func (c *conn) send(env wire.Envelope) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(c.s.opts.WriteTimeout))
	if err := c.enc.Encode(env); err != nil {
		c.log.Warn("write failed", zap.String("type", string(env.EnvelopeType())), zap.Error(err))
		_ = c.nc.Close()
	}
}
