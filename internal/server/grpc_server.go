package server

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/matteso1/crabdb/internal/engine"
	"github.com/matteso1/crabdb/internal/metrics"
	pb "github.com/matteso1/crabdb/proto"
)

// RequestIDHeader carries the caller's request id in gRPC metadata.
const RequestIDHeader = "x-request-id"

// Server implements the CrabDb gRPC service on top of a storage actor.
type Server struct {
	pb.UnimplementedCrabDbServer

	handle  engine.Handle
	grpc    *grpc.Server
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// ServerConfig configures the server.
type ServerConfig struct {
	Metrics *metrics.Metrics
	Logger  *logrus.Entry
}

// NewServer creates a server that forwards requests to handle.
func NewServer(handle engine.Handle, config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "grpc")
	}
	s := &Server{
		handle:  handle,
		metrics: config.Metrics,
		log:     config.Logger,
	}
	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(pb.Codec{}),
		grpc.UnaryInterceptor(s.intercept),
	)
	pb.RegisterCrabDbServer(s.grpc, s)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Infof("CrabDb server listening on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil {
		return errors.Wrap(err, "serve grpc")
	}
	return nil
}

// ListenAndServe listens on address and serves.
func (s *Server) ListenAndServe(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", address)
	}
	return s.Serve(lis)
}

// Stop gracefully stops the server. The storage actor is left running.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Write handles write requests.
func (s *Server) Write(ctx context.Context, req *pb.WriteRequest) (*pb.WriteResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	if err := s.handle.Write(ctx, req.Key, req.Data); err != nil {
		return nil, toStatus(err)
	}
	return &pb.WriteResponse{Message: "Wrote " + req.Key}, nil
}

// Read handles read requests. A missing key is reported with Found=false.
func (s *Server) Read(ctx context.Context, req *pb.ReadRequest) (*pb.ReadResponse, error) {
	if req.Key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}
	value, found, err := s.handle.Read(ctx, req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &pb.ReadResponse{Data: value, Found: found}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, engine.ErrActorUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "storage: %v", err)
	}
}

func (s *Server) intercept(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	requestID := requestIDFrom(ctx)
	start := time.Now()

	s.metrics.RequestStarted()
	resp, err := handler(ctx, req)
	s.metrics.RequestFinished()

	entry := s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     info.FullMethod,
		"code":       status.Code(err).String(),
		"duration":   time.Since(start),
	})
	if err != nil && status.Code(err) == codes.Internal {
		entry.WithError(err).Error("request failed")
	} else {
		entry.Debug("request handled")
	}
	return resp, err
}

func requestIDFrom(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDHeader); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.NewString()
}
