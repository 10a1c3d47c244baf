package config

import (
	"os"
	"path/filepath"
	"testing"
)

const schemaPath = "../../schemas/epmon.cue"

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epmon.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
channels:
  - { id: 1, name: rpm, kind: rpm, unit: rpm, rate_hz: 20 }
  - { id: 10, name: egt1, kind: egt, unit: degF, rate_hz: 10, cylinder: 1 }
thresholds:
  - { parameter: egt1, severity: critical, high: 1650, hysteresis: 25 }
flight:
  idle_rpm: 800
  stop_rpm: 500
  stop_hold_s: 30
`)
	cfg, err := Load(path, schemaPath)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0].Name != "rpm" {
		t.Errorf("unexpected channel data: %+v", cfg.Channels)
	}
	if len(cfg.Thresholds) != 1 || *cfg.Thresholds[0].High != 1650 {
		t.Errorf("unexpected threshold data: %+v", cfg.Thresholds)
	}

	// Omitted sections fall back to defaults.
	if cfg.Bus.QueueDepth != 16 {
		t.Errorf("bus queue depth default %d, want 16", cfg.Bus.QueueDepth)
	}
	if cfg.Recorder.BufferDepth != 128 || cfg.Recorder.Dir != "data/flights" {
		t.Errorf("recorder defaults wrong: %+v", cfg.Recorder)
	}
	if cfg.Analytics.WindowTicks != 600 || cfg.Analytics.SmoothTicks != 5 {
		t.Errorf("analytics defaults wrong: %+v", cfg.Analytics)
	}
}

func TestLoad_SchemaRejectsBadSeverity(t *testing.T) {
	path := writeConfig(t, `
channels:
  - { id: 1, name: rpm, kind: rpm, unit: rpm, rate_hz: 20 }
thresholds:
  - { parameter: rpm, severity: catastrophic, high: 2700, hysteresis: 50 }
`)
	if _, err := Load(path, schemaPath); err == nil {
		t.Error("expected schema validation to reject unknown severity")
	}
}

func TestLoad_SchemaRejectsBadKind(t *testing.T) {
	path := writeConfig(t, `
channels:
  - { id: 1, name: rpm, kind: tachometer, unit: rpm, rate_hz: 20 }
`)
	if _, err := Load(path, schemaPath); err == nil {
		t.Error("expected schema validation to reject unknown channel kind")
	}
}

func TestLoad_DuplicateChannelID(t *testing.T) {
	path := writeConfig(t, `
channels:
  - { id: 1, name: rpm, kind: rpm, unit: rpm, rate_hz: 20 }
  - { id: 1, name: egt1, kind: egt, unit: degF, rate_hz: 10, cylinder: 1 }
`)
	if _, err := Load(path, schemaPath); err == nil {
		t.Error("expected duplicate channel id to fail")
	}
}

func TestLoad_RequiresRPMChannel(t *testing.T) {
	path := writeConfig(t, `
channels:
  - { id: 10, name: egt1, kind: egt, unit: degF, rate_hz: 10, cylinder: 1 }
`)
	if _, err := Load(path, schemaPath); err == nil {
		t.Error("expected config without an rpm channel to fail")
	}
}

func TestLoad_IdleRPMMustExceedStopRPM(t *testing.T) {
	// With idle at or below stop, a flight would close as soon as it opened.
	path := writeConfig(t, `
channels:
  - { id: 1, name: rpm, kind: rpm, unit: rpm, rate_hz: 20 }
flight:
  idle_rpm: 400
  stop_rpm: 500
  stop_hold_s: 30
`)
	if _, err := Load(path, schemaPath); err == nil {
		t.Error("expected idle_rpm below stop_rpm to fail")
	}
}

func TestChannelLookups(t *testing.T) {
	cfg := &Config{Channels: []Channel{
		{ID: 1, Name: "rpm", Kind: KindRPM},
		{ID: 10, Name: "egt1", Kind: KindEGT, Cylinder: 1},
		{ID: 11, Name: "egt2", Kind: KindEGT, Cylinder: 2},
	}}
	if ch, ok := cfg.ChannelByID(10); !ok || ch.Name != "egt1" {
		t.Errorf("ChannelByID(10) = %+v, %v", ch, ok)
	}
	if ch, ok := cfg.ChannelByName("rpm"); !ok || ch.ID != 1 {
		t.Errorf("ChannelByName(rpm) = %+v, %v", ch, ok)
	}
	if ch, ok := cfg.ChannelOfKind(KindRPM); !ok || ch.ID != 1 {
		t.Errorf("ChannelOfKind(rpm) = %+v, %v", ch, ok)
	}
	egts := cfg.ChannelsOfKind(KindEGT)
	if len(egts) != 2 || egts[0].Cylinder != 1 || egts[1].Cylinder != 2 {
		t.Errorf("ChannelsOfKind(egt) = %+v", egts)
	}
	if _, ok := cfg.ChannelByID(99); ok {
		t.Error("lookup of unknown id succeeded")
	}
}
