package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHasOneHzMeasurementAndBlockList(t *testing.T) {
	cfg := Default()

	if cfg.MeasurementIntervalSeconds != 1 {
		t.Errorf("MeasurementIntervalSeconds = %d, want 1", cfg.MeasurementIntervalSeconds)
	}
	if len(cfg.BlockedMSRWrites) != len(DefaultBlockedMSRWrites) {
		t.Errorf("BlockedMSRWrites has %d entries, want %d", len(cfg.BlockedMSRWrites), len(DefaultBlockedMSRWrites))
	}
	if cfg.Target.ImageName != "" {
		t.Errorf("Target.ImageName = %q, want empty", cfg.Target.ImageName)
	}
}

func TestMSRWriteBlocked(t *testing.T) {
	cfg := Default()

	if !cfg.MSRWriteBlocked(0x3A) {
		t.Error("IA32_FEATURE_CONTROL (0x3A) should be blocked by default")
	}
	if cfg.MSRWriteBlocked(0x174) {
		t.Error("an MSR not in the block-list must not be reported blocked")
	}
}

func TestMatchesTarget(t *testing.T) {
	cfg := Default()
	cfg.Target.ImageName = "protected.exe"

	if !cfg.MatchesTarget("protected.exe") {
		t.Error("MatchesTarget should match the configured image name")
	}
	if cfg.MatchesTarget("other.exe") {
		t.Error("MatchesTarget should not match a different image name")
	}

	var unconfigured Config
	if unconfigured.MatchesTarget("") {
		t.Error("an unconfigured target must not match an empty image name")
	}
}

func TestLoadFillsDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "target:\n  image_name: protected.exe\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Target.ImageName != "protected.exe" {
		t.Errorf("Target.ImageName = %q, want %q", cfg.Target.ImageName, "protected.exe")
	}
	if cfg.MeasurementIntervalSeconds != 1 {
		t.Errorf("MeasurementIntervalSeconds = %d, want default 1", cfg.MeasurementIntervalSeconds)
	}
	if len(cfg.BlockedMSRWrites) != len(DefaultBlockedMSRWrites) {
		t.Errorf("BlockedMSRWrites = %v, want the default block-list", cfg.BlockedMSRWrites)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlContent := "target:\n  image_name: protected.exe\n" +
		"measurement_interval_seconds: 5\n" +
		"blocked_msr_writes: [0x174, 0x175]\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MeasurementIntervalSeconds != 5 {
		t.Errorf("MeasurementIntervalSeconds = %d, want 5", cfg.MeasurementIntervalSeconds)
	}
	if !cfg.MSRWriteBlocked(0x174) || !cfg.MSRWriteBlocked(0x175) {
		t.Errorf("BlockedMSRWrites = %v, want the overridden list", cfg.BlockedMSRWrites)
	}
	if cfg.MSRWriteBlocked(0x3A) {
		t.Error("overriding blocked_msr_writes should replace, not extend, the default list")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load should fail for a missing file")
	}
}
