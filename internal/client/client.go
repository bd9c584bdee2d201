// Package client is a small Go client for the CrabDb gRPC service.
package client

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/matteso1/crabdb/internal/server"
	pb "github.com/matteso1/crabdb/proto"
)

// DefaultTimeout bounds each call when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// Client talks to a CrabDb server.
type Client struct {
	conn    *grpc.ClientConn
	rpc     pb.CrabDbClient
	timeout time.Duration
}

// Dial connects to address. Extra dial options are appended after the
// defaults, so tests can swap the transport.
func Dial(ctx context.Context, address string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.DialContext(ctx, address, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}
	return &Client{
		conn:    conn,
		rpc:     pb.NewCrabDbClient(conn),
		timeout: DefaultTimeout,
	}, nil
}

// Write stores data under key and returns the server's message.
func (c *Client) Write(ctx context.Context, key string, data []byte) (string, error) {
	ctx, cancel := c.prepare(ctx)
	defer cancel()

	resp, err := c.rpc.Write(ctx, &pb.WriteRequest{Key: key, Data: data})
	if err != nil {
		return "", errors.Wrapf(err, "write %q", key)
	}
	return resp.Message, nil
}

// Read fetches key. found is false when the key does not exist.
func (c *Client) Read(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := c.prepare(ctx)
	defer cancel()

	resp, err := c.rpc.Read(ctx, &pb.ReadRequest{Key: key})
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %q", key)
	}
	return resp.Data, resp.Found, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) prepare(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = metadata.AppendToOutgoingContext(ctx, server.RequestIDHeader, uuid.NewString())
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
