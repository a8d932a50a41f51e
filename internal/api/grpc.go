package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"quantlab/internal/domain"
	"quantlab/internal/events"
)

// Messages are google.protobuf.Struct values holding the same JSON objects
// as the HTTP API.
const serviceName = "quantlab.v1.BacktestService"

// BacktestServiceServer is the server API for the backtest service.
type BacktestServiceServer interface {
	RunBacktest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamBacktest(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	Optimize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListStrategies(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// BacktestServiceDesc describes the backtest service for grpc.Server.
var BacktestServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BacktestServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunBacktest", Handler: unaryHandler("RunBacktest", BacktestServiceServer.RunBacktest)},
		{MethodName: "Optimize", Handler: unaryHandler("Optimize", BacktestServiceServer.Optimize)},
		{MethodName: "ListStrategies", Handler: unaryHandler("ListStrategies", BacktestServiceServer.ListStrategies)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamBacktest", Handler: streamBacktestHandler, ServerStreams: true},
	},
	Metadata: "quantlab/v1/backtest.proto",
}

func unaryHandler[Req any](method string, call func(BacktestServiceServer, context.Context, *Req) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + serviceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BacktestServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BacktestServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamBacktestHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BacktestServiceServer).StreamBacktest(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// RegisterGRPC registers the backtest service on gs.
func (s *Server) RegisterGRPC(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&BacktestServiceDesc, &grpcService{s: s})
}

// grpcService adapts Server to BacktestServiceServer.
type grpcService struct {
	s *Server
}

func (g *grpcService) RunBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.BacktestRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rep, err := g.s.engine.RunBacktest(ctx, req, nil)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(rep)
}

// StreamBacktest sends one message per run event, then a final message
// {"type": "result", "report": ...}.
func (g *grpcService) StreamBacktest(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var req domain.BacktestRequest
	if err := FromStruct(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	run := g.s.startStream(ctx, req)
	first, ok := <-run.events
	if !ok {
		if _, err := run.wait(); err != nil {
			return grpcError(err)
		}
	} else {
		done := g.s.telemetry.StreamOpened()
		defer done()
		if err := sendEvent(stream, first); err != nil {
			return err
		}
		for e := range run.events {
			if err := sendEvent(stream, e); err != nil {
				g.s.log.Debug("grpc stream closed", "error", err)
				return err
			}
		}
	}

	rep, err := run.wait()
	if err != nil {
		return grpcError(err)
	}
	msg, err := ToStruct(map[string]any{"type": "result", "report": rep})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(msg)
}

func sendEvent(stream grpc.ServerStreamingServer[structpb.Struct], e events.Event) error {
	msg, err := ToStruct(e)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(msg)
}

func (g *grpcService) Optimize(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.OptimizationRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rep, err := g.s.engine.Optimize(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return ToStruct(rep)
}

func (g *grpcService) ListStrategies(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return ToStruct(map[string]any{"strategies": g.s.engine.Strategies()})
}

// grpcError maps engine errors onto status codes.
func grpcError(err error) error {
	code := codes.Internal
	switch {
	case domain.IsClientError(err):
		code = codes.InvalidArgument
	case domain.IsNotFound(err):
		code = codes.NotFound
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// ToStruct converts v to a Struct through its JSON encoding. v must encode
// as a JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("converting message: %w", err)
	}
	return out, nil
}

// FromStruct decodes s into v through its JSON encoding.
func FromStruct(s *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("converting message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

// BacktestClient is a client for the backtest service.
type BacktestClient struct {
	cc grpc.ClientConnInterface
}

// NewBacktestClient creates a client on cc.
func NewBacktestClient(cc grpc.ClientConnInterface) *BacktestClient {
	return &BacktestClient{cc: cc}
}

// RunBacktest calls the unary RunBacktest method.
func (c *BacktestClient) RunBacktest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/RunBacktest", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Optimize calls the unary Optimize method.
func (c *BacktestClient) Optimize(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Optimize", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListStrategies calls the unary ListStrategies method.
func (c *BacktestClient) ListStrategies(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/ListStrategies", &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamBacktest opens the server-streaming StreamBacktest method.
func (c *BacktestClient) StreamBacktest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &BacktestServiceDesc.Streams[0], "/"+serviceName+"/StreamBacktest", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
