package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheus3301/mlschat/internal/api"
	"github.com/matheus3301/mlschat/internal/lock"
)

// Server serves the local API on the profile's Unix socket.
type Server struct {
	grpc   *grpc.Server
	lis    net.Listener
	path   string
	logger *zap.Logger
}

// NewServer binds the API socket. It takes the profile lock so that a
// refused second daemon never touches the live socket.
func NewServer(p Params, _ *lock.Lock, logger *zap.Logger, svc *api.Service) (*Server, error) {
	path := p.socketPath()
	lis, err := listenUnix(path)
	if err != nil {
		return nil, err
	}

	logger = logger.Named("api")
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(logUnary(logger)),
		grpc.ChainStreamInterceptor(logStream(logger)),
	)
	api.Register(srv, svc)

	return &Server{grpc: srv, lis: lis, path: path, logger: logger}, nil
}

// listenUnix listens on path with owner-only permissions. A leftover socket
// from a crashed daemon is replaced; any other file at path is an error.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	switch fi, err := os.Lstat(path); {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("stat socket: %w", err)
	case fi.Mode()&fs.ModeSocket == 0:
		return nil, fmt.Errorf("socket path %s exists and is not a socket", path)
	default:
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return lis, nil
}

func logUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start))}
		if err != nil {
			logger.Debug("call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("call", fields...)
		}
		return resp, err
	}
}

func logStream(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		logger.Debug("stream opened", zap.String("method", info.FullMethod))
		err := handler(srv, ss)
		logger.Debug("stream closed", zap.String("method", info.FullMethod), zap.Error(err))
		return err
	}
}

// SocketPath returns where the server listens.
func (s *Server) SocketPath() string { return s.path }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api listening", zap.String("socket", s.path))
	return s.grpc.Serve(s.lis)
}

// Stop drains in-flight calls. Event streams never finish on their own, so
// the server is stopped hard once ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api stopping")
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	_ = os.Remove(s.path)
}
