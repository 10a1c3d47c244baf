package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"epmon/internal/config"
	"epmon/internal/export"
	"epmon/internal/logging"
	"epmon/internal/recorder"
)

var (
	exportFlight     string
	exportInput      string
	exportEndpoint   string
	exportDatabase   string
	exportConfigPath string
	exportSchemaPath string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a recorded flight to GreptimeDB",
	Long:  "export pushes a stored flight log into the engine_data, flights, and alerts_log tables for external consumers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(exportConfigPath, exportSchemaPath)
		if err != nil {
			return err
		}
		logger := logging.New()

		endpoint := exportEndpoint
		if endpoint == "" {
			endpoint = os.Getenv("GREPTIMEDB_ENDPOINT")
		}
		if endpoint == "" {
			return fmt.Errorf("no GreptimeDB endpoint: set --endpoint or GREPTIMEDB_ENDPOINT")
		}

		path := exportInput
		if path == "" {
			if exportFlight == "" {
				return fmt.Errorf("either --flight or --input is required")
			}
			path, err = recorder.LogPath(cfg.Recorder.Dir, exportFlight)
			if err != nil {
				return err
			}
		}
		data, err := recorder.ReadFlight(path)
		if err != nil {
			return err
		}

		w, err := export.NewWriter(endpoint, exportDatabase, cfg, logger)
		if err != nil {
			return err
		}
		return w.ExportFlight(context.Background(), data)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFlight, "flight", "", "Flight id (or prefix) to export from the recorder directory")
	exportCmd.Flags().StringVar(&exportInput, "input", "", "Path to a flight log file")
	exportCmd.Flags().StringVar(&exportEndpoint, "endpoint", "", "GreptimeDB endpoint (defaults to GREPTIMEDB_ENDPOINT)")
	exportCmd.Flags().StringVar(&exportDatabase, "db", "public", "GreptimeDB database")
	exportCmd.Flags().StringVar(&exportConfigPath, "config", "config/epmon.yaml", "Path to monitor configuration YAML")
	exportCmd.Flags().StringVar(&exportSchemaPath, "schema", "schemas/epmon.cue", "Path to CUE schema file")
}
