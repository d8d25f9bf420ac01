package health

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// DefaultServices are the names relay serve publishes. The empty name is the
// aggregate.
var DefaultServices = []string{"", "agents", "monitor", "cache", "breakers"}

// RemoteStatus is one service status read from a running relay.
type RemoteStatus struct {
	Service string          `json:"service"`
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Serving reports whether the service answered SERVING.
func (r RemoteStatus) Serving() bool {
	return r.Status == healthpb.HealthCheckResponse_SERVING.String()
}

// Probe asks the gRPC health service at addr for each service. Per-service
// failures are reported in the result; only a failed connection is an error.
// Without dial options the connection is plaintext.
func Probe(ctx context.Context, addr string, services []string, opts ...grpc.DialOption) ([]RemoteStatus, error) {
	if len(services) == 0 {
		services = DefaultServices
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	marshal := protojson.MarshalOptions{EmitUnpopulated: true}
	out := make([]RemoteStatus, 0, len(services))
	for _, svc := range services {
		rs := RemoteStatus{Service: svc}
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			rs.Status = healthpb.HealthCheckResponse_UNKNOWN.String()
			rs.Error = err.Error()
			out = append(out, rs)
			continue
		}
		rs.Status = resp.GetStatus().String()
		if raw, err := marshal.Marshal(resp); err == nil {
			rs.Raw = raw
		}
		out = append(out, rs)
	}
	return out, nil
}
