// GreptimeDB persistence for engine data, flights, and alerts
package export

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"epmon/internal/alerting"
	"epmon/internal/config"
	"epmon/internal/recorder"
	"epmon/internal/telemetry"
)

// Table names of the persisted schema.
const (
	EngineDataTable = "engine_data"
	FlightsTable    = "flights"
	AlertsTable     = "alerts_log"
)

// greptimeClient abstracts the ingester client for testing.
type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// Writer ships engine snapshots, flight summaries, and alert events to
// GreptimeDB. It serves both as a live sink on the tick path and as the
// export target for stored flight logs.
type Writer struct {
	client greptimeClient
	cfg    *config.Config
	log    *slog.Logger

	// FlightID, when set, tags live rows with the active flight.
	FlightID func() string
}

// NewWriter connects to a GreptimeDB endpoint.
func NewWriter(endpoint, database string, cfg *config.Config, log *slog.Logger) (*Writer, error) {
	gcfg := greptime.NewConfig(endpoint).WithDatabase(database)
	if host, portStr, err := net.SplitHostPort(endpoint); err == nil {
		gcfg = greptime.NewConfig(host).WithDatabase(database)
		if port, err := strconv.Atoi(portStr); err == nil {
			gcfg = gcfg.WithPort(port)
		}
	}
	client, err := greptime.NewClient(gcfg)
	if err != nil {
		return nil, err
	}
	return &Writer{client: client, cfg: cfg, log: log}, nil
}

// Consume implements engine.SnapshotConsumer, writing one engine_data row
// per tick.
func (w *Writer) Consume(snap telemetry.Snapshot) error {
	flightID := ""
	if w.FlightID != nil {
		flightID = w.FlightID()
	}
	tbl, err := w.engineDataTable([]telemetry.Snapshot{snap}, flightID)
	if err != nil {
		return err
	}
	if _, err := w.client.Write(context.Background(), tbl); err != nil {
		w.log.Warn("engine_data write failed", "err", err)
		return err
	}
	return nil
}

// RecordAlert implements alerting.EventSink.
func (w *Writer) RecordAlert(ev alerting.Event) error {
	tbl, err := alertsTable([]alerting.Event{ev})
	if err != nil {
		return err
	}
	if _, err := w.client.Write(context.Background(), tbl); err != nil {
		w.log.Warn("alerts_log write failed", "err", err)
		return err
	}
	return nil
}

// ExportFlight pushes a stored flight log: its summary row, every snapshot,
// and every alert event.
func (w *Writer) ExportFlight(ctx context.Context, data *recorder.FlightData) error {
	tables := make([]*table.Table, 0, 3)

	ft, err := flightTable(data.Flight)
	if err != nil {
		return err
	}
	tables = append(tables, ft)

	if len(data.Snapshots) > 0 {
		et, err := w.engineDataTable(data.Snapshots, data.Flight.ID)
		if err != nil {
			return err
		}
		tables = append(tables, et)
	}
	if len(data.Alerts) > 0 {
		at, err := alertsTable(data.Alerts)
		if err != nil {
			return err
		}
		tables = append(tables, at)
	}

	if _, err := w.client.Write(ctx, tables...); err != nil {
		return err
	}
	w.log.Info("flight exported",
		"flight_id", data.Flight.ID,
		"snapshots", len(data.Snapshots),
		"alerts", len(data.Alerts))
	return nil
}

// engineDataTable builds one row per snapshot: a float column per channel
// plus stale/fault bitmasks so degraded channels stay distinguishable from
// real zeros.
func (w *Writer) engineDataTable(snaps []telemetry.Snapshot, flightID string) (*table.Table, error) {
	tbl, err := table.New(EngineDataTable)
	if err != nil {
		return nil, err
	}
	tbl.AddTagColumn("flight_id", types.STRING)
	for _, ch := range w.cfg.Channels {
		tbl.AddFieldColumn(ch.Name, types.FLOAT64)
	}
	tbl.AddFieldColumn("stale_mask", types.UINT64)
	tbl.AddFieldColumn("fault_mask", types.UINT64)
	tbl.AddTimestampColumn("ts", types.TIMESTAMP_MICROSECOND)

	for _, snap := range snaps {
		row := make([]any, 0, len(w.cfg.Channels)+4)
		row = append(row, flightID)
		var staleMask, faultMask uint64
		for i, ch := range w.cfg.Channels {
			cv, ok := snap.Value(telemetry.ChannelID(ch.ID))
			if !ok {
				staleMask |= 1 << uint(i)
				row = append(row, 0.0)
				continue
			}
			if cv.Stale {
				staleMask |= 1 << uint(i)
			}
			if cv.Fault {
				faultMask |= 1 << uint(i)
			}
			row = append(row, cv.Value)
		}
		row = append(row, staleMask, faultMask, snap.Timestamp)
		if err := tbl.AddRow(row...); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

func flightTable(f recorder.Flight) (*table.Table, error) {
	tbl, err := table.New(FlightsTable)
	if err != nil {
		return nil, err
	}
	tbl.AddTagColumn("flight_id", types.STRING)
	tbl.AddFieldColumn("end_time", types.TIMESTAMP_MICROSECOND)
	tbl.AddFieldColumn("duration_s", types.FLOAT64)
	tbl.AddFieldColumn("snapshot_count", types.INT64)
	tbl.AddFieldColumn("alert_count", types.INT64)
	tbl.AddFieldColumn("fuel_used_gal", types.FLOAT64)
	tbl.AddFieldColumn("max_rpm", types.FLOAT64)
	tbl.AddFieldColumn("max_egt", types.FLOAT64)
	tbl.AddFieldColumn("max_cht", types.FLOAT64)
	tbl.AddTimestampColumn("start_time", types.TIMESTAMP_MICROSECOND)

	err = tbl.AddRow(f.ID, f.EndTime, f.DurationS,
		int64(f.SnapshotCount), int64(f.AlertCount),
		f.FuelUsedGal, f.MaxRPM, f.MaxEGT, f.MaxCHT, f.StartTime)
	if err != nil {
		return nil, err
	}
	return tbl, nil
}

func alertsTable(events []alerting.Event) (*table.Table, error) {
	tbl, err := table.New(AlertsTable)
	if err != nil {
		return nil, err
	}
	tbl.AddTagColumn("flight_id", types.STRING)
	tbl.AddTagColumn("severity", types.STRING)
	tbl.AddFieldColumn("parameter", types.STRING)
	tbl.AddFieldColumn("value", types.FLOAT64)
	tbl.AddFieldColumn("bound", types.FLOAT64)
	tbl.AddFieldColumn("event_id", types.STRING)
	tbl.AddTimestampColumn("ts", types.TIMESTAMP_MICROSECOND)

	for _, ev := range events {
		err := tbl.AddRow(ev.FlightID, ev.Severity.String(),
			ev.Parameter, ev.Value, ev.Bound, ev.ID, ev.Timestamp)
		if err != nil {
			return nil, err
		}
	}
	return tbl, nil
}
