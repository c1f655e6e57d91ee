package server

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote execution server over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the server at target ("host:port"). A leading
// http:// is accepted and ignored.
func Dial(target string) (*Client, error) {
	target = strings.TrimPrefix(target, "http://")
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run executes a program remotely.
func (c *Client) Run(ctx context.Context, req RunRequest) (*RunResponse, error) {
	in, err := req.toStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, RunProcedure, in, out); err != nil {
		return nil, err
	}
	return runResponseFrom(out), nil
}

// GetRun fetches a retained run.
func (c *Client) GetRun(ctx context.Context, runID string) (*RunResponse, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"run_id": runID})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, GetRunProcedure, in, out); err != nil {
		return nil, err
	}
	return runResponseFrom(out), nil
}

// Check validates source remotely.
func (c *Client) Check(ctx context.Context, source string) (*CheckResponse, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"source": source})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, CheckProcedure, in, out); err != nil {
		return nil, err
	}
	return checkResponseFrom(out), nil
}

// Format returns source in canonical layout.
func (c *Client) Format(ctx context.Context, source string) (string, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"source": source})
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FormatProcedure, in, out); err != nil {
		return "", err
	}
	return stringField(out, "formatted"), nil
}
