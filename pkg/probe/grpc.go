// Package probe implements the gateway's health source against a gRPC
// health-checking endpoint (grpc.health.v1.Health).
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth probes a gRPC health endpoint and renders the result as the
// opaque health object carried in hello-ok snapshots and health responses.
type GRPCHealth struct {
	target string
	conn   *grpc.ClientConn
	client grpc_health_v1.HealthClient
}

// Dial creates a GRPCHealth for target. The connection is lazy; failures
// surface on the first Health call.
func Dial(target string) (*GRPCHealth, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", target, err)
	}
	return &GRPCHealth{
		target: target,
		conn:   conn,
		client: grpc_health_v1.NewHealthClient(conn),
	}, nil
}

// Health checks the endpoint and returns {target, status, checkedAt}.
func (p *GRPCHealth) Health(ctx context.Context) (json.RawMessage, error) {
	resp, err := p.client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		return nil, fmt.Errorf("health check against %s failed: %w", p.target, err)
	}
	return json.Marshal(map[string]any{
		"target":    p.target,
		"status":    resp.GetStatus().String(),
		"checkedAt": time.Now().UnixMilli(),
	})
}

// Close releases the underlying connection.
func (p *GRPCHealth) Close() error {
	return p.conn.Close()
}
