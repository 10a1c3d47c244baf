package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"epmon/internal/alerting"
	"epmon/internal/telemetry"
)

// FlightData is the full content of one flight log.
type FlightData struct {
	Flight    Flight
	Snapshots []telemetry.Snapshot
	Alerts    []alerting.Event
}

// ReadFlight loads a flight log. A log whose tail was truncated mid-record
// (crash during append) yields every complete record; a log without a close
// record reports Closed=false.
func ReadFlight(path string) (*FlightData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data FlightData
	err = iterateRecords(f, func(typ byte, payload []byte) error {
		switch typ {
		case recOpen:
			return json.Unmarshal(payload, &data.Flight)
		case recSnapshot:
			var s telemetry.Snapshot
			if err := json.Unmarshal(payload, &s); err != nil {
				return err
			}
			data.Snapshots = append(data.Snapshots, s)
		case recAlert:
			var ev alerting.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				return err
			}
			data.Alerts = append(data.Alerts, ev)
		case recClose:
			return json.Unmarshal(payload, &data.Flight)
		default:
			return fmt.Errorf("recorder: unknown record type %d", typ)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data.Flight.ID == "" {
		return nil, fmt.Errorf("recorder: %s has no flight header", path)
	}
	return &data, nil
}

// List returns the flight summaries stored in dir, oldest first. Logs left
// open by a crash appear with Closed=false and counts reconstructed from
// their records.
func List(dir string) ([]Flight, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.flt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []Flight
	for _, p := range paths {
		data, err := ReadFlight(p)
		if err != nil {
			// A single unreadable log must not hide the rest.
			continue
		}
		fl := data.Flight
		if !fl.Closed {
			fl.SnapshotCount = len(data.Snapshots)
			fl.AlertCount = len(data.Alerts)
		}
		out = append(out, fl)
	}
	return out, nil
}

// LogPath returns the log file whose flight id starts with id.
func LogPath(dir, id string) (string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.flt"))
	if err != nil {
		return "", err
	}
	sort.Strings(paths)
	for _, p := range paths {
		data, err := ReadFlight(p)
		if err != nil {
			continue
		}
		if id != "" && strings.HasPrefix(data.Flight.ID, id) {
			return p, nil
		}
	}
	return "", fmt.Errorf("recorder: no flight log for id %s", id)
}
