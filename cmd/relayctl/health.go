package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/rmacdonaldsmith/relaymesh/internal/healthrpc"
)

func newHealthCommand() *cobra.Command {
	var grpcAddr string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check node health",
		Long: `Check the health of a relay node over its HTTP API, or with --grpc over
the grpc.health.v1 service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if grpcAddr != "" {
				return runGRPCHealth(cmd, grpcAddr)
			}
			return runHealth(cmd)
		},
	}

	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "Address of the node's gRPC health service")
	return cmd
}

func runHealth(cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	health, err := client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	out := cmd.OutOrStdout()
	if health.Healthy {
		fmt.Fprintf(out, "Node %s is healthy\n", health.NodeID)
	} else {
		fmt.Fprintf(out, "Node %s is not healthy\n", health.NodeID)
	}
	fmt.Fprintf(out, "Cluster: %t\n", health.ClusterHealthy)
	fmt.Fprintf(out, "Cache: %t (%d/%d online)\n", health.CacheHealthy, health.CacheLoad, health.LoadLimit)
	fmt.Fprintf(out, "Connected Peers: %d\n", health.ConnectedPeers)
	fmt.Fprintf(out, "Pending Intake: %d\n", health.PendingIntake)
	fmt.Fprintf(out, "Pending Deliveries: %d\n", health.PendingDeliveries)
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}
	if !health.Healthy {
		return fmt.Errorf("node %s is not healthy", health.NodeID)
	}
	return nil
}

func runGRPCHealth(cmd *cobra.Command, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create gRPC client: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthrpc.ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	b, err := protojson.MarshalOptions{Multiline: true}.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("node is %s", resp.GetStatus())
	}
	return nil
}
