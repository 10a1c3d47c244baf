package recorder

import "time"

// Flight summarizes one engine run from start detection to stop detection.
// It owns the snapshots and alert events recorded between the two.
type Flight struct {
	ID            string    `json:"id"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time,omitzero"`
	DurationS     float64   `json:"duration_s,omitempty"`
	SnapshotCount int       `json:"snapshot_count,omitempty"`
	AlertCount    int       `json:"alert_count,omitempty"`
	FuelUsedGal   float64   `json:"fuel_used_gal,omitempty"`
	MaxRPM        float64   `json:"max_rpm,omitempty"`
	MaxEGT        float64   `json:"max_egt,omitempty"`
	MaxCHT        float64   `json:"max_cht,omitempty"`
	Closed        bool      `json:"closed"`
}
