package main

import (
	"github.com/spf13/cobra"

	"epmon/internal/dashboard"
)

var dashboardOut string

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render Grafana dashboards for the flight database",
	Long:  "dashboard renders the Grafana dashboard templates against the current environment (GREPTIMEDB_DATASOURCE_UID) so they can be imported directly.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return dashboard.Render(dashboardOut)
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardOut, "out", "dashboards", "Output directory for rendered dashboards")
}
