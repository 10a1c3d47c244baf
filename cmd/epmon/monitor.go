package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"epmon/internal/admin"
	"epmon/internal/alerting"
	"epmon/internal/analytics"
	"epmon/internal/bus"
	"epmon/internal/config"
	"epmon/internal/engine"
	"epmon/internal/export"
	"epmon/internal/logging"
	"epmon/internal/monitor"
	"epmon/internal/recorder"
	"epmon/internal/sau"
)

var (
	monConfigPath string
	monSchemaPath string
	monTick       time.Duration
	monAdminAddr  string
	monTUI        bool
	monJSON       bool
	monPrintOnly  bool
	monSeed       int64
	monCold       bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the live engine monitor with a simulated SAU",
	Long:  "monitor wires a simulated sensor acquisition unit to the full DPU pipeline: bus receiver, 10 Hz aggregator, flight recorder, alert evaluator, and lean-assist analytics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(monConfigPath, monSchemaPath)
		if err != nil {
			return err
		}

		logger := logging.New()
		ctx, cancel := context.WithCancel(logging.NewContext(context.Background(), logger))
		defer cancel()

		tick := monTick
		if envTick := os.Getenv("TICK_INTERVAL"); envTick != "" {
			d, err := time.ParseDuration(envTick)
			if err != nil {
				return err
			}
			tick = d
		}

		// Simulated SAU feeding the bus through an in-process pipe.
		busRead, busWrite := io.Pipe()
		gen := sau.NewGenerator(cfg, monSeed)
		unit := sau.NewUnit(cfg, gen, busWrite)
		rx := bus.NewReceiver(busRead, cfg.Bus.QueueDepth)

		rec, err := recorder.New(cfg, tick, logger)
		if err != nil {
			return err
		}
		eval := alerting.NewEvaluator(cfg, logger, rec)
		eval.FlightID = rec.ActiveFlightID
		lean := analytics.New(cfg)

		// Fixed fan-out order: recorder persists a snapshot before the
		// evaluator or analytics act on it.
		consumers := []engine.SnapshotConsumer{rec, eval, lean}

		var tui *monitor.TUIWriter
		switch {
		case monTUI:
			tui = monitor.NewTUIWriter(cfg, lean.Result, rec.ActiveFlight, eval.Current)
			consumers = append(consumers, tui)
			eval.AddSink(tui)
		case monJSON:
			w := &monitor.JSONWriter{}
			consumers = append(consumers, w)
			eval.AddSink(w)
		default:
			w := monitor.NewColorWriter(cfg)
			consumers = append(consumers, w)
			eval.AddSink(w)
		}

		if endpoint := os.Getenv("GREPTIMEDB_ENDPOINT"); endpoint != "" && !monPrintOnly {
			db := os.Getenv("GREPTIMEDB_DATABASE")
			if db == "" {
				db = "public"
			}
			gw, err := export.NewWriter(endpoint, db, cfg, logger)
			if err != nil {
				return err
			}
			gw.FlightID = rec.ActiveFlightID
			consumers = append(consumers, gw)
			eval.AddSink(gw)
			logger.Info("live GreptimeDB sink enabled", "endpoint", endpoint, "database", db)
		}

		agg := engine.NewAggregator(cfg, tick, consumers...)

		srv := &admin.Server{
			Agg:       agg,
			Eval:      eval,
			Rec:       rec,
			Lean:      lean,
			Bus:       rx,
			Gen:       gen,
			FlightDir: cfg.Recorder.Dir,
		}
		go func() {
			logger.Info("admin server listening", "addr", monAdminAddr)
			if err := srv.Start(ctx, monAdminAddr); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server failed", "err", err)
			}
		}()

		if !monCold {
			gen.Start(time.Now().UTC())
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			rec.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			if err := rx.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("bus receiver failed", "err", err)
			}
		}()
		go unit.Run(ctx)
		go agg.Run(ctx, rx)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs

		cancel()
		busWrite.Close()
		wg.Wait()
		if tui != nil {
			tui.Close()
		}
		logger.Info("engine monitor stopped")
		return nil
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monConfigPath, "config", "config/epmon.yaml", "Path to monitor configuration YAML")
	monitorCmd.Flags().StringVar(&monSchemaPath, "schema", "schemas/epmon.cue", "Path to CUE schema file")
	monitorCmd.Flags().DurationVar(&monTick, "tick", 100*time.Millisecond, "Snapshot tick period (10 Hz default)")
	monitorCmd.Flags().StringVar(&monAdminAddr, "admin", ":8080", "Admin server listen address")
	monitorCmd.Flags().BoolVar(&monTUI, "tui", false, "Render the live TUI instead of stdout lines")
	monitorCmd.Flags().BoolVar(&monJSON, "json", false, "Print snapshots as JSON lines")
	monitorCmd.Flags().BoolVar(&monPrintOnly, "print-only", false, "Disable the GreptimeDB sink even if GREPTIMEDB_ENDPOINT is set")
	monitorCmd.Flags().Int64Var(&monSeed, "seed", 0, "Simulator random seed (0 = time-based)")
	monitorCmd.Flags().BoolVar(&monCold, "cold", false, "Start with the engine off; use the admin /engine/start endpoint")
}
