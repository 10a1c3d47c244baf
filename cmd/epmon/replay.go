package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"epmon/internal/alerting"
	"epmon/internal/analytics"
	"epmon/internal/config"
	"epmon/internal/logging"
	"epmon/internal/monitor"
	"epmon/internal/recorder"
)

var (
	replayFlight     string
	replayInput      string
	replaySpeed      float64
	replayJSON       bool
	replayConfigPath string
	replaySchemaPath string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded flight through the pipeline",
	Long:  "replay feeds a stored flight's snapshots through a fresh alert evaluator and lean-assist analytics, then checks the recomputed alerts against the recorded ones.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(replayConfigPath, replaySchemaPath)
		if err != nil {
			return err
		}
		logger := logging.New()

		path := replayInput
		if path == "" {
			if replayFlight == "" {
				return fmt.Errorf("either --flight or --input is required")
			}
			path, err = recorder.LogPath(cfg.Recorder.Dir, replayFlight)
			if err != nil {
				return err
			}
		}
		data, err := recorder.ReadFlight(path)
		if err != nil {
			return err
		}

		eval := alerting.NewEvaluator(cfg, logger)
		eval.FlightID = func() string { return data.Flight.ID }
		lean := analytics.New(cfg)

		var jw *monitor.JSONWriter
		var cw *monitor.ColorWriter
		if replayJSON {
			jw = &monitor.JSONWriter{}
			eval.AddSink(jw)
		} else {
			cw = monitor.NewColorWriter(cfg)
			eval.AddSink(cw)
		}

		var prev time.Time
		for _, snap := range data.Snapshots {
			if !prev.IsZero() && replaySpeed > 0 {
				diff := snap.Timestamp.Sub(prev)
				if replaySpeed != 1 {
					diff = time.Duration(float64(diff) / replaySpeed)
				}
				if diff > 0 {
					time.Sleep(diff)
				}
			}
			prev = snap.Timestamp

			_ = eval.Consume(snap)
			_ = lean.Consume(snap)
			if jw != nil {
				_ = jw.Consume(snap)
			} else if cw != nil {
				_ = cw.Consume(snap)
			}
		}

		recomputed := eval.Events()
		fmt.Printf("\nflight %s: %d snapshots, %d recorded alerts, %d recomputed\n",
			data.Flight.ID, len(data.Snapshots), len(data.Alerts), len(recomputed))
		if mismatch := compareAlerts(data.Alerts, recomputed); mismatch != "" {
			fmt.Println("alert replay mismatch:", mismatch)
		}
		res := lean.Result()
		fmt.Printf("final EGT spread %.1f°F\n", res.SpreadEGT)
		return nil
	},
}

// compareAlerts checks that replaying produced the same alert sequence as
// the recorded flight: same order of (severity, parameter, value, bound).
// Event ids differ by construction.
func compareAlerts(recorded, recomputed []alerting.Event) string {
	if len(recorded) != len(recomputed) {
		return fmt.Sprintf("recorded %d events, recomputed %d", len(recorded), len(recomputed))
	}
	for i := range recorded {
		a, b := recorded[i], recomputed[i]
		if a.Severity != b.Severity || a.Parameter != b.Parameter || a.Value != b.Value || a.Bound != b.Bound {
			return fmt.Sprintf("event %d: recorded %s %s=%.2f, recomputed %s %s=%.2f",
				i, a.Severity, a.Parameter, a.Value, b.Severity, b.Parameter, b.Value)
		}
	}
	return ""
}

func init() {
	replayCmd.Flags().StringVar(&replayFlight, "flight", "", "Flight id (or prefix) to replay from the recorder directory")
	replayCmd.Flags().StringVar(&replayInput, "input", "", "Path to a flight log file")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Playback speed multiplier (0 = as fast as possible)")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "Print snapshots as JSON lines")
	replayCmd.Flags().StringVar(&replayConfigPath, "config", "config/epmon.yaml", "Path to monitor configuration YAML")
	replayCmd.Flags().StringVar(&replaySchemaPath, "schema", "schemas/epmon.cue", "Path to CUE schema file")
}
