package telemetry

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health is a gRPC server carrying only the standard health service. The
// overall status starts as NOT_SERVING.
type Health struct {
	grpc *grpc.Server
	hs   *health.Server
	lis  net.Listener
}

func StartHealth(addr string) (*Health, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	h := &Health{
		grpc: grpc.NewServer(),
		hs:   health.NewServer(),
		lis:  lis,
	}
	h.hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(h.grpc, h.hs)
	return h, nil
}

func (h *Health) Addr() net.Addr { return h.lis.Addr() }

func (h *Health) Serve() error {
	return h.grpc.Serve(h.lis)
}

// SetServing flips the overall status.
func (h *Health) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", st)
}

func (h *Health) Stop() {
	h.hs.Shutdown()
	h.grpc.GracefulStop()
}
