// Package api exposes the orchestrator to local clients over gRPC on the
// profile's Unix socket.
package api

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/matheus3301/mlschat/internal/bus"
	"github.com/matheus3301/mlschat/internal/orchestrator"
)

const ServiceName = "mlschat.v1.Orchestrator"

// Backend is the part of the orchestrator the service calls.
type Backend interface {
	Execute(ctx context.Context, line string) (orchestrator.Result, error)
	Do(ctx context.Context, in orchestrator.Intent) (orchestrator.Result, error)
}

// OrchestratorServer is the server side of mlschat.v1.Orchestrator.
type OrchestratorServer interface {
	Execute(context.Context, *CommandRequest) (*CommandResponse, error)
	ListGroups(context.Context, *emptypb.Empty) (*GroupList, error)
	ListMessages(context.Context, *MessagesRequest) (*MessageList, error)
	GetStatus(context.Context, *emptypb.Empty) (*StatusResponse, error)
	WatchEvents(*WatchRequest, grpc.ServerStream) error
}

// Service implements OrchestratorServer on top of a Backend and the bus.
type Service struct {
	backend Backend
	bus     *bus.Bus
	log     *zap.Logger
}

// NewService creates the API service.
func NewService(backend Backend, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{backend: backend, bus: b, log: logger.Named("api")}
}

// Register attaches the service to srv.
func Register(srv *grpc.Server, s OrchestratorServer) {
	srv.RegisterService(&serviceDesc, s)
}

func (s *Service) Execute(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	res, err := s.backend.Execute(ctx, req.Line)
	if err != nil {
		s.log.Debug("command failed", zap.String("line", req.Line), zap.Error(err))
		return nil, toStatus(err)
	}
	return commandResponse(res), nil
}

func (s *Service) ListGroups(ctx context.Context, _ *emptypb.Empty) (*GroupList, error) {
	res, err := s.backend.Do(ctx, orchestrator.Intent{Kind: orchestrator.IntentListGroups})
	if err != nil {
		return nil, toStatus(err)
	}
	out := &GroupList{Groups: make([]*Group, 0, len(res.Groups))}
	for _, g := range res.Groups {
		out.Groups = append(out.Groups, groupFromSnapshot(g))
	}
	return out, nil
}

func (s *Service) ListMessages(ctx context.Context, req *MessagesRequest) (*MessageList, error) {
	in := orchestrator.Intent{Kind: orchestrator.IntentHistory, GroupID: req.GroupID, Limit: req.Limit}
	if req.Query != "" {
		in.Kind = orchestrator.IntentSearch
		in.Text = req.Query
	}
	res, err := s.backend.Do(ctx, in)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MessageList{Messages: messagesFromRegistry(res.Messages)}, nil
}

func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*StatusResponse, error) {
	res, err := s.backend.Do(ctx, orchestrator.Intent{Kind: orchestrator.IntentStatus})
	if err != nil {
		return nil, toStatus(err)
	}
	return statusResponse(res), nil
}

func (s *Service) WatchEvents(req *WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := stream.SendMsg(eventFromBus(evt)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// toStatus maps the orchestrator's error taxonomy onto gRPC codes. The
// status message is the user-facing line.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, orchestrator.ErrInvalidArgument), errors.Is(err, orchestrator.ErrUnknownCommand):
		code = codes.InvalidArgument
	case errors.Is(err, orchestrator.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, orchestrator.ErrAlreadyJoined):
		code = codes.AlreadyExists
	case errors.Is(err, orchestrator.ErrNoActiveGroup), errors.Is(err, orchestrator.ErrRejected):
		code = codes.FailedPrecondition
	case errors.Is(err, orchestrator.ErrNotConnected), errors.Is(err, orchestrator.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, orchestrator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Error(code, err.Error())
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrchestratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "ListGroups", Handler: listGroupsHandler},
		{MethodName: "ListMessages", Handler: listMessagesHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: "mlschat/v1/orchestrator",
}

// unary adapts one typed method to the grpc.MethodDesc handler shape.
func unary[Req, Resp any](method string, call func(OrchestratorServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrchestratorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrchestratorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	executeHandler = unary("Execute", func(s OrchestratorServer, ctx context.Context, in *CommandRequest) (*CommandResponse, error) {
		return s.Execute(ctx, in)
	})
	listGroupsHandler = unary("ListGroups", func(s OrchestratorServer, ctx context.Context, in *emptypb.Empty) (*GroupList, error) {
		return s.ListGroups(ctx, in)
	})
	listMessagesHandler = unary("ListMessages", func(s OrchestratorServer, ctx context.Context, in *MessagesRequest) (*MessageList, error) {
		return s.ListMessages(ctx, in)
	})
	getStatusHandler = unary("GetStatus", func(s OrchestratorServer, ctx context.Context, in *emptypb.Empty) (*StatusResponse, error) {
		return s.GetStatus(ctx, in)
	})
)

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(OrchestratorServer).WatchEvents(in, stream)
}
