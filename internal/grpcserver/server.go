// Package grpcserver exposes job submission and the master registry over
// gRPC. Messages are google.protobuf.Struct values keyed like the JSON API.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"frameforge/internal/calib"
	"frameforge/internal/frame"
	"frameforge/internal/jobsource"
	"frameforge/internal/pipeline"
	"frameforge/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "frameforge.v1.Jobs"

// JobsServer is the server side of the Jobs service.
type JobsServer interface {
	Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListMasters(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Submitter accepts jobs without blocking.
type Submitter interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
}

// MasterLister reads the master registry.
type MasterLister interface {
	ListMasters(ctx context.Context, f storage.MasterFilter) ([]calib.MasterRecord, error)
}

// Server implements JobsServer on top of the pipeline and registry.
type Server struct {
	queue   Submitter
	masters MasterLister
	log     *slog.Logger
	health  *health.Server
	grpc    *grpc.Server
}

var _ JobsServer = (*Server)(nil)

// New builds a gRPC server with the Jobs and health services registered.
func New(queue Submitter, masters MasterLister, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{queue: queue, masters: masters, log: log, health: health.NewServer()}
	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.ChainUnaryInterceptor(s.logCalls),
	)
	s.grpc.RegisterService(&jobsServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr and serves until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s.Serve(lis)
}

// Stop marks the service not serving and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debug("grpc call", "method", info.FullMethod, "duration", time.Since(start), "code", status.Code(err))
	return resp, err
}

func (s *Server) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := jobsource.JobFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	job, err = s.queue.Submit(job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return jobsource.JobToStruct(job)
}

func (s *Server) ListMasters(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	f := storage.MasterFilter{
		Epoch:             fields["epoch"].GetStringValue(),
		IncludeSuperseded: fields["all"].GetBoolValue(),
		Limit:             int(fields["limit"].GetNumberValue()),
	}
	if k := fields["kind"].GetStringValue(); k != "" {
		kind, err := frame.ParseObservationType(k)
		if err != nil || !kind.IsCalibration() {
			return nil, status.Errorf(codes.InvalidArgument, "kind %q is not a calibration kind", k)
		}
		f.Kind = kind
	}
	recs, err := s.masters.ListMasters(ctx, f)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"masters": list})
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobsServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Submit"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(JobsServer).Submit(ctx, req.(*structpb.Struct))
	})
}

func listMastersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobsServer).ListMasters(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/ListMasters"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(JobsServer).ListMasters(ctx, req.(*structpb.Struct))
	})
}

var jobsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "ListMasters", Handler: listMastersHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "frameforge/jobs",
}
