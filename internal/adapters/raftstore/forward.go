package raftstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/eleven-am/clusterddl/internal/xjson"
)

const (
	forwardServiceName = "clusterddl.raftstore.Forward"
	forwardApplyMethod = "/" + forwardServiceName + "/Apply"
)

// ForwardServer applies an encoded command on behalf of a follower and returns the encoded
// CommandResult.
type ForwardServer interface {
	ApplyForwarded(ctx context.Context, command []byte) ([]byte, error)
}

var forwardServiceDesc = grpc.ServiceDesc{
	ServiceName: forwardServiceName,
	HandlerType: (*ForwardServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Apply", Handler: forwardApplyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clusterddl/raftstore/forward",
}

func forwardApplyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}

	call := func(ctx context.Context, req interface{}) (interface{}, error) {
		out, err := srv.(ForwardServer).ApplyForwarded(ctx, req.(*wrapperspb.BytesValue).GetValue())
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		return wrapperspb.Bytes(out), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: forwardApplyMethod}
	return interceptor(ctx, in, info, call)
}

type forwardServer struct {
	server   *grpc.Server
	listener net.Listener
	logger   *slog.Logger
	done     chan struct{}
}

func startForwardServer(addr string, handler ForwardServer, logger *slog.Logger) (*forwardServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for forwarded commands on %s: %w", addr, err)
	}

	logger = logger.With("component", "forward-server")
	s := &forwardServer{
		server:   grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger))),
		listener: listener,
		logger:   logger,
		done:     make(chan struct{}),
	}
	s.server.RegisterService(&forwardServiceDesc, handler)

	go func() {
		defer close(s.done)
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("forward server stopped", "error", err)
		}
	}()

	s.logger.Info("forward server listening", "address", listener.Addr().String())
	return s, nil
}

func (s *forwardServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *forwardServer) Stop() {
	s.server.GracefulStop()
	<-s.done
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("forwarded call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		} else {
			logger.Debug("forwarded call", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}

// forwarder delivers a command to the node listening on a forward address.
type forwarder interface {
	Forward(ctx context.Context, addr string, command []byte) (*CommandResult, error)
	Close() error
}

type grpcForwarder struct {
	mu     sync.Mutex
	conns  map[string]*grpc.ClientConn
	logger *slog.Logger
}

func newGRPCForwarder(logger *slog.Logger) *grpcForwarder {
	return &grpcForwarder{
		conns:  make(map[string]*grpc.ClientConn),
		logger: logger.With("component", "forward-client"),
	}
}

func (f *grpcForwarder) conn(addr string) (*grpc.ClientConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if conn, ok := f.conns[addr]; ok {
		return conn, nil
	}

	f.logger.Debug("creating connection", "address", addr)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	f.conns[addr] = conn
	return conn, nil
}

func (f *grpcForwarder) Forward(ctx context.Context, addr string, command []byte) (*CommandResult, error) {
	conn, err := f.conn(addr)
	if err != nil {
		return nil, err
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, forwardApplyMethod, wrapperspb.Bytes(command), out); err != nil {
		return nil, err
	}

	var result CommandResult
	if err := xjson.Unmarshal(out.GetValue(), &result); err != nil {
		return nil, fmt.Errorf("decode forwarded result: %w", err)
	}
	return &result, nil
}

func (f *grpcForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for addr, conn := range f.conns {
		if err := conn.Close(); err != nil {
			f.logger.Warn("failed to close connection", "address", addr, "error", err)
		}
	}
	f.conns = make(map[string]*grpc.ClientConn)
	return nil
}
