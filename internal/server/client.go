package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/logbus/internal/gc"
	"github.com/ChuLiYu/logbus/internal/node"
	"github.com/ChuLiYu/logbus/pkg/types"
)

// Client talks to the admin service of a running node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the admin address without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Status(ctx context.Context) (node.Status, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodStatus, &emptypb.Empty{}, out); err != nil {
		return node.Status{}, err
	}
	var st node.Status
	if err := fromStruct(out, &st); err != nil {
		return node.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (c *Client) TriggerGC(ctx context.Context) (gc.Result, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodTriggerGC, &emptypb.Empty{}, out); err != nil {
		return gc.Result{}, err
	}
	var res gc.Result
	if err := fromStruct(out, &res); err != nil {
		return gc.Result{}, fmt.Errorf("decode gc result: %w", err)
	}
	return res, nil
}

func (c *Client) CheckFile(ctx context.Context, path string, hosts []types.PeerID) error {
	in, err := checkRequest(path, hosts)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, methodCheckFile, in, &emptypb.Empty{})
}
