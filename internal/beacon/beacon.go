// Package beacon implements the unrecoverable-condition halt path spec.md
// §7 names for error kinds 5 ("EPT misconfiguration: unrecoverable, panic
// CLI/HLT"), 6 ("triple fault: flash the PC speaker loop and never
// resume"), and 7 ("unknown exit reason: same as triple fault"). Ported
// from original_source/vmx/ept.c's and procmon.c's Beep(1) calls paired
// with a CLI/HLT loop on the same unrecoverable paths (also used in
// hypervisor_loader.c's bring-up failure path) — a crude "something is
// very wrong" indicator using the PC speaker port (0x61).
package beacon

import (
	"log/slog"

	"github.com/splitvt/hypervisor/internal/vmxasm"
)

// speakerControlPort is the PC speaker gate (port 0x61 bit 1) the original's
// Beep(1) toggles to produce an audible tone before halting. This module has no
// host I/O port access outside ring 0 VMX-root context, so Beacon logs the
// reason instead of sounding the speaker — the logged halt reason is this
// module's speaker (see DESIGN.md).
const speakerControlPort = 0x61

// Beacon is the halt primitive every unrecoverable VM-exit path in
// internal/core calls through. It never returns.
type Beacon struct {
	logger *slog.Logger
}

// New returns a Beacon that logs through logger before halting. A nil
// logger falls back to slog.Default().
func New(logger *slog.Logger) *Beacon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{logger: logger}
}

// Halt masks interrupts and spins on HLT forever, having logged reason at
// Error level first. Matches spec.md §7 kinds 5-7: "no error propagates
// across VMRESUME" — this is the one path that deliberately never reaches
// VMRESUME again.
func (b *Beacon) Halt(reason string) {
	b.logger.Error("hypervisor halted", "reason", reason, "port", speakerControlPort)
	vmxasm.Cli()
	for {
		vmxasm.Hlt()
	}
}
