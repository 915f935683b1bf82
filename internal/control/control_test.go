package control

import (
	"testing"

	"github.com/splitvt/hypervisor/internal/config"
)

// OnTargetStart must not touch the Hypervisor at all for a process whose
// image name doesn't match the configured target — the real Hypervisor
// (and the VMX instructions its BeginSplit/EndSplit/Measure methods
// ultimately issue) can only run in VMX root mode, so a nil *core.Hypervisor
// here exercises the no-op gate without needing that environment.
func TestOnTargetStartIgnoresNonMatchingImage(t *testing.T) {
	cfg := config.Default()
	cfg.Target.ImageName = "protected.exe"

	c := New(cfg, nil)

	if err := c.OnTargetStart(ImageInfo{ImageName: "notepad.exe"}); err != nil {
		t.Fatalf("OnTargetStart(non-matching): %v", err)
	}
	if c.Active() {
		t.Fatal("controller became active for a non-matching image")
	}
}

// OnTargetStop on a Controller with no active target must be a no-op, not
// a panic or a blocked send on a never-created stop channel.
func TestOnTargetStopWithoutStartIsNoop(t *testing.T) {
	cfg := config.Default()
	cfg.Target.ImageName = "protected.exe"

	c := New(cfg, nil)
	c.OnTargetStop()

	if c.Active() {
		t.Fatal("controller reports active after a no-op stop")
	}
}
