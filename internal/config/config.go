// Package config loads the hypervisor's load-time configuration: the MSR
// write block-list, the measurement-tick interval, and the rule used to
// recognize the target image among running processes. The MSR write
// block-list itself is spec-grounded (spec.md §4.5's "MSR write...
// honouring a per-slot MSR write block-list") rather than ported from a
// table in the original, which has no such named table; the measurement
// interval is ported in spirit from procmon.h's PERIODIC_MEASURE flag, a
// compile-time constant in the original, moved to load-time YAML
// configuration here.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full load-time configuration.
type Config struct {
	// Target identifies the process whose image is protected.
	Target TargetConfig `yaml:"target"`

	// MeasurementIntervalSeconds is how often the periodic measurement
	// thread issues VMCALL_MEASURE. spec.md §5 names "once per second" as
	// the original's fixed behavior; this is that value made configurable.
	MeasurementIntervalSeconds int `yaml:"measurement_interval_seconds"`

	// BlockedMSRWrites lists MSR indices the guest is forbidden from
	// writing (spec.md §4.5: "MSR write... honouring a per-slot MSR write
	// block-list"). A write to one of these is silently discarded rather
	// than executed.
	BlockedMSRWrites []uint32 `yaml:"blocked_msr_writes"`
}

// TargetConfig names the protected process by image file name, matching
// PsGetProcessImageFileName's use in original_source/vmx/procmon.c.
type TargetConfig struct {
	ImageName string `yaml:"image_name"`
}

// DefaultBlockedMSRWrites is spec.md §4.5's block-list: the
// VMX-control-reporting MSRs and IA32_FEATURE_CONTROL, none of which a
// protected guest should be able to alter out from under the hypervisor.
var DefaultBlockedMSRWrites = []uint32{
	0x3A,        // IA32_FEATURE_CONTROL
	0x480,       // IA32_VMX_BASIC
	0x481,       // IA32_VMX_PINBASED_CTLS
	0x482,       // IA32_VMX_PROCBASED_CTLS
	0x483,       // IA32_VMX_EXIT_CTLS
	0x484,       // IA32_VMX_ENTRY_CTLS
	0x48B,       // IA32_VMX_PROCBASED_CTLS2
}

// Default returns a Config with the original's fixed behavior (1 Hz
// measurement, the default MSR block-list) and no target configured.
func Default() Config {
	return Config{
		MeasurementIntervalSeconds: 1,
		BlockedMSRWrites:           append([]uint32(nil), DefaultBlockedMSRWrites...),
	}
}

// Load reads and parses a YAML config file at path, filling in defaults for
// any field the file omits.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.BlockedMSRWrites) == 0 {
		cfg.BlockedMSRWrites = append([]uint32(nil), DefaultBlockedMSRWrites...)
	}
	if cfg.MeasurementIntervalSeconds <= 0 {
		cfg.MeasurementIntervalSeconds = 1
	}
	return cfg, nil
}

// MSRWriteBlocked reports whether msr appears in the block-list.
func (c Config) MSRWriteBlocked(msr uint32) bool {
	for _, blocked := range c.BlockedMSRWrites {
		if blocked == msr {
			return true
		}
	}
	return false
}

// MatchesTarget reports whether imageName is the configured protection
// target.
func (c Config) MatchesTarget(imageName string) bool {
	return c.Target.ImageName != "" && c.Target.ImageName == imageName
}
