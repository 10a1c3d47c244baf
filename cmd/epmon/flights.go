package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"epmon/internal/recorder"
)

var flightsDir string

var flightsCmd = &cobra.Command{
	Use:   "flights",
	Short: "List recorded flights",
	RunE: func(cmd *cobra.Command, args []string) error {
		flights, err := recorder.List(flightsDir)
		if err != nil {
			return err
		}
		if len(flights) == 0 {
			fmt.Println("no recorded flights")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTART\tDURATION\tSNAPSHOTS\tALERTS\tFUEL (gal)\tCLOSED")
		for _, f := range flights {
			dur := "-"
			if f.Closed {
				dur = fmt.Sprintf("%.0fs", f.DurationS)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.2f\t%v\n",
				f.ID[:8], f.StartTime.Format("2006-01-02 15:04:05"), dur,
				f.SnapshotCount, f.AlertCount, f.FuelUsedGal, f.Closed)
		}
		return tw.Flush()
	},
}

func init() {
	flightsCmd.Flags().StringVar(&flightsDir, "dir", "data/flights", "Recorder directory")
}
