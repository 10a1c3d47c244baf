// Writer implementations printing engine state to STDOUT
package monitor

import (
	"encoding/json"
	"fmt"

	"epmon/internal/alerting"
	"epmon/internal/telemetry"
)

// JSONWriter prints snapshots and alert events as JSON lines.
type JSONWriter struct{}

// Consume implements engine.SnapshotConsumer.
func (w *JSONWriter) Consume(snap telemetry.Snapshot) error {
	data, _ := json.Marshal(snap)
	fmt.Println(string(data))
	return nil
}

// RecordAlert implements alerting.EventSink.
func (w *JSONWriter) RecordAlert(ev alerting.Event) error {
	data, _ := json.Marshal(ev)
	fmt.Println(string(data))
	return nil
}
