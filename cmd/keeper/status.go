package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/arenakeeper/keeper-server-go/internal/server"
)

// errUnhealthy makes the status command exit non-zero after printing its report.
var errUnhealthy = errors.New("keeper is unhealthy")

func newStatusCommand() *cobra.Command {
	var (
		addr     string
		grpcAddr string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:          "status",
		Short:        "Print the status report of a running keeper",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if grpcAddr != "" {
				return printHealth(ctx, cmd.OutOrStdout(), grpcAddr)
			}

			report, err := fetchStatus(ctx, addr)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Healthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8090", "status endpoint base url")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "query the gRPC health service at this address instead")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (*server.Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch status: unexpected status %d", resp.StatusCode)
	}
	var report server.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, nil
}

// printHealth checks every keeper health service and prints one protojson line per service.
func printHealth(ctx context.Context, w io.Writer, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	healthy := true
	for _, service := range []string{"", server.ServiceEventBus, server.ServiceSupervisor} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return fmt.Errorf("check %q: %w", service, err)
		}
		out, err := protojson.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode %q: %w", service, err)
		}
		name := service
		if name == "" {
			name = "keeper"
		}
		fmt.Fprintf(w, "%s %s\n", name, out)
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			healthy = false
		}
	}
	if !healthy {
		return errUnhealthy
	}
	return nil
}
