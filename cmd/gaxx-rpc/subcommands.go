package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/gaxx-rpc/internal/backend"
	"github.com/3cpo-dev/gaxx-rpc/internal/config"
	"github.com/3cpo-dev/gaxx-rpc/internal/monitor"
	"github.com/3cpo-dev/gaxx-rpc/internal/ping"
	"github.com/3cpo-dev/gaxx-rpc/internal/registry"
	"github.com/3cpo-dev/gaxx-rpc/internal/store"
	"github.com/3cpo-dev/gaxx-rpc/internal/telemetry"
	"github.com/3cpo-dev/gaxx-rpc/internal/transport"
)

// Load the config, letting it set the log level unless --log was given
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, err
	}
	if !cmd.Flags().Changed("log") {
		setLevel(cfg.Log.Level)
	}
	return cfg, nil
}

// Run the backend service
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the RPC backend",
		Long:  "Run the RPC backend. Without --standalone the liveness prober and the job monitor run alongside the request loop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			standalone, _ := cmd.Flags().GetBool("standalone")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, standalone)
		},
	}
	cmd.Flags().Bool("standalone", false, "run only the request loop, without prober and monitor")
	return cmd
}

func serve(parent context.Context, cfg config.Config, standalone bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := telemetry.InitGlobal(cfg.Telemetry.Enabled, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.FlushInterval)
	defer func() {
		if err := telemetry.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := registry.New()
	be := backend.New(reg, db, db)
	if _, err := be.Reacquire(ctx); err != nil {
		return err
	}

	mon, err := monitor.New(db, cfg.Monitor.Options())
	if err != nil {
		return err
	}

	svc := transport.NewService(cfg.Backend.ServiceURL, be, transport.WithCollector(collector))
	defer svc.Destroy()
	if err := svc.Bind(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Start(gctx) })

	perf := telemetry.NewPerformanceMonitor(collector, 0)
	if cfg.Telemetry.Enabled {
		g.Go(func() error { return perf.Run(gctx) })
	}

	if !standalone {
		prober := ping.New(reg, db, ping.ZMQPinger{}, cfg.Ping)
		if cfg.Telemetry.Enabled {
			prober.SetRecorder(perf)
		}
		g.Go(func() error { return prober.Run(gctx) })
		g.Go(func() error { return mon.Run(gctx) })
	}

	if cfg.Monitoring.Enabled {
		ms := telemetry.NewMonitoringServer(cfg.Monitoring.Address, collector, func() any { return reg.Snapshot() })
		ms.RegisterHealthCheck("registry", func() telemetry.HealthCheck {
			n := reg.Len()
			return telemetry.HealthCheck{
				Name:    "registry",
				Status:  telemetry.HealthStatusHealthy,
				Message: fmt.Sprintf("%d active agents", n),
			}
		})
		ms.RegisterHealthCheck("database", func() telemetry.HealthCheck {
			check := telemetry.HealthCheck{Name: "database", Status: telemetry.HealthStatusHealthy, Message: "ok"}
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := db.Ping(pctx); err != nil {
				check.Status = telemetry.HealthStatusUnhealthy
				check.Message = err.Error()
			}
			return check
		})
		ms.RegisterHealthCheck("goroutines", telemetry.GoroutineCheck(1000, 10000))
		g.Go(ms.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Shutdown(sctx)
		})
	}

	if cfg.Monitoring.ProfilingAddress != "" {
		ps := telemetry.NewProfilingServer(cfg.Monitoring.ProfilingAddress)
		g.Go(ps.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ps.Shutdown(sctx)
		})
	}

	log.Info().
		Str("endpoint", svc.Endpoint()).
		Bool("standalone", standalone).
		Str("version", version).
		Msg("gaxx-rpc started")
	err = g.Wait()
	log.Info().Msg("gaxx-rpc stopped")
	return err
}

// List the agent inventory
func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents in the inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			activeOnly, _ := cmd.Flags().GetBool("active")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			var records []store.InventoryRecord
			if activeOnly {
				records, err = db.QueryActive(cmd.Context())
			} else {
				records, err = db.ListInventory(cmd.Context())
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MERCURY ID\tACTIVE\tRPC ADDRESS\tUPDATED")
			for _, rec := range records {
				addr := "-"
				if rec.Active != nil {
					addr = fmt.Sprintf("%v:%v", rec.Active["rpc_address"], rec.Active["rpc_port"])
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", rec.MercuryID, rec.Active != nil, addr, rec.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("active", false, "only list agents flagged active")
	return cmd
}
