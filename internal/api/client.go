package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Client talks to a daemon's API.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// Execute runs one command line.
func (c *Client) Execute(ctx context.Context, line string) (*CommandResponse, error) {
	out := new(CommandResponse)
	if err := c.invoke(ctx, "Execute", &CommandRequest{Line: line}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListGroups(ctx context.Context) ([]*Group, error) {
	out := new(GroupList)
	if err := c.invoke(ctx, "ListGroups", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

func (c *Client) ListMessages(ctx context.Context, req *MessagesRequest) ([]*Message, error) {
	out := new(MessageList)
	if err := c.invoke(ctx, "ListMessages", req, out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	out := new(StatusResponse)
	if err := c.invoke(ctx, "GetStatus", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchEvents streams events whose kind starts with prefix to fn until ctx
// is done, the stream ends, or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(*Event) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchRequest{Prefix: prefix}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(Event)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
