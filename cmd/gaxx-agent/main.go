package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/gaxx-rpc/internal/agent"
	"github.com/3cpo-dev/gaxx-rpc/pkg/api"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gaxx-agent",
		Short:         "Register with a gaxx-rpc backend and answer its liveness probes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	hostname, _ := os.Hostname()
	cmd.Flags().String("backend", "tcp://127.0.0.1:9002", "backend RPC endpoint")
	cmd.Flags().String("id", hostname, "agent id")
	cmd.Flags().String("address", "127.0.0.1", "address the backend reaches this agent on")
	cmd.Flags().String("address6", "", "optional IPv6 address")
	cmd.Flags().Int("rpc-port", 9001, "agent RPC port")
	cmd.Flags().Int("ping-port", 9003, "port answering liveness probes")
	cmd.Flags().StringP("log", "l", "info", "Set log level")
	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	backendURL, _ := cmd.Flags().GetString("backend")
	id, _ := cmd.Flags().GetString("id")
	address, _ := cmd.Flags().GetString("address")
	address6, _ := cmd.Flags().GetString("address6")
	rpcPort, _ := cmd.Flags().GetInt("rpc-port")
	pingPort, _ := cmd.Flags().GetInt("ping-port")
	if levelStr, _ := cmd.Flags().GetString("log"); levelStr != "" {
		if level, err := zerolog.ParseLevel(levelStr); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	responder := &agent.Responder{Endpoint: fmt.Sprintf("tcp://0.0.0.0:%d", pingPort)}
	g.Go(func() error { return responder.Serve(gctx) })

	info := api.ClientInfo{
		MercuryID:  id,
		RPCAddress: address,
		RPCPort:    rpcPort,
		PingPort:   pingPort,
		Capabilities: map[string]any{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
			"cpus": runtime.NumCPU(),
		},
	}
	if address6 != "" {
		info.RPCAddress6 = &address6
	}
	client := agent.NewClient(backendURL)
	if err := client.Register(gctx, info); err != nil {
		stop()
		g.Wait()
		return fmt.Errorf("register: %w", err)
	}
	log.Info().Str("backend", backendURL).Str("mercury_id", id).Msg("gaxx-agent registered")

	err := g.Wait()
	log.Info().Msg("gaxx-agent shutting down")
	return err
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	root := newRootCmd()
	root.SetContext(context.Background())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
