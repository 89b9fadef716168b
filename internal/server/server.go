package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/logbus/internal/ackcall"
	"github.com/ChuLiYu/logbus/internal/gc"
	"github.com/ChuLiYu/logbus/internal/node"
	"github.com/ChuLiYu/logbus/pkg/types"
)

// Backend is the node surface exposed over the admin service.
type Backend interface {
	Status() node.Status
	TriggerGC(ctx context.Context) (gc.Result, error)
	CheckFile(ctx context.Context, path string, hosts []types.PeerID) error
}

// Server implements AdminServer on top of a running node.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

// NewServer creates a new admin server instance.
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		logger:  logger.With("component", "admin"),
	}
}

// NewGRPCServer creates a gRPC server with the recovery and logging
// interceptors and registers s on it.
func NewGRPCServer(s *Server) *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(s.logger),
			LoggingInterceptor(s.logger),
		),
	)
	RegisterAdminServer(srv, s)
	return srv
}

// Status returns the node status as a struct.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.backend.Status())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

// TriggerGC runs one GC cycle initiated by this node.
func (s *Server) TriggerGC(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	res, err := s.backend.TriggerGC(ctx)
	if err != nil {
		return nil, toStatusError(err)
	}
	out, err := toStruct(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

// CheckFile expects {"path": string, "hosts": [string]}.
func (s *Server) CheckFile(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	path, hosts, err := parseCheckRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.backend.CheckFile(ctx, path, hosts); err != nil {
		return nil, toStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Helpers

func parseCheckRequest(req *structpb.Struct) (string, []types.PeerID, error) {
	fields := req.GetFields()
	path := fields["path"].GetStringValue()
	if path == "" {
		return "", nil, errors.New("path is required")
	}

	list := fields["hosts"].GetListValue().GetValues()
	if len(list) == 0 {
		return "", nil, errors.New("hosts is required")
	}
	hosts := make([]types.PeerID, 0, len(list))
	for _, v := range list {
		h, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok || h.StringValue == "" {
			return "", nil, fmt.Errorf("invalid host %v", v)
		}
		hosts = append(hosts, types.PeerID(h.StringValue))
	}
	return path, hosts, nil
}

func checkRequest(path string, hosts []types.PeerID) (*structpb.Struct, error) {
	list := make([]any, len(hosts))
	for i, h := range hosts {
		list[i] = h.String()
	}
	return structpb.NewStruct(map[string]any{"path": path, "hosts": list})
}

// toStatusError maps node errors to gRPC codes.
func toStatusError(err error) error {
	switch {
	case errors.Is(err, ackcall.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, gc.ErrSuspended), errors.Is(err, gc.ErrInProgress):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct is the inverse of toStruct.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
