// Package control is the external-collaborator-facing glue spec.md §9 calls
// for: a process-lifecycle notification contract (OnTargetStart/OnTargetStop)
// and a periodic measurement ticker, sitting outside internal/core's
// lock-free VM-exit dispatch loop. In the original
// (original_source/vmx/procmon.c) these are a Windows process-creation
// notify routine and a kernel timer, both OS-specific plumbing spec.md's
// Non-goals exclude by name; this package is the idiomatic Go replacement
// for the *contract* between them and the hypervisor core, not a port of
// the Windows-specific routines themselves.
//
// Two independent callers drive a Controller: whatever watches process
// lifecycle on the host calls OnTargetStart/OnTargetStop, and this
// package's own goroutine calls Measure on a timer. Both ultimately mutate
// the same Hypervisor, so — unlike internal/core and internal/splitengine,
// which are deliberately lock-free single-logical-processor code — this is
// the one package in the module that legitimately takes a mutex (spec.md
// §5's documented exception).
package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/splitvt/hypervisor/internal/config"
	"github.com/splitvt/hypervisor/internal/core"
	"github.com/splitvt/hypervisor/internal/trace"
)

// ImageInfo is the explicit message an external collaborator delivers to
// OnTargetStart when a process matching the configured target image
// starts running. The hypervisor core never calls back out to ask for
// this data (spec.md §9: "explicit message, core never calls back").
type ImageInfo struct {
	// ImageName is matched against config.Config.Target.ImageName.
	ImageName string

	// CR3 is the guest CR3 the split view is installed against.
	CR3 uint32

	// RecordArrayGPA is the guest-physical address of the null-terminated
	// TranslationRecord array VMCALL_INIT_SPLIT's wire format describes
	// (internal/core's decodeTranslationRecords).
	RecordArrayGPA uint32

	// PEHeaderGPA and ImageBaseGVA locate the image for periodic
	// measurement (internal/core.Hypervisor.Measure).
	PEHeaderGPA  uint32
	ImageBaseGVA uint32
}

// Controller serializes process-lifecycle callbacks against the periodic
// measurement ticker, and drives both into a shared *core.Hypervisor.
type Controller struct {
	cfg config.Config
	hv  *core.Hypervisor

	mu      sync.Mutex
	active  bool
	current ImageInfo
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New returns a Controller with no target active.
func New(cfg config.Config, hv *core.Hypervisor) *Controller {
	return &Controller{cfg: cfg, hv: hv}
}

// OnTargetStart installs the split view for info, if info names the
// configured target image, and starts the periodic measurement ticker.
// A non-matching ImageInfo is a silent no-op, matching the original's
// per-process notify routine filtering on image name before doing
// anything (original_source/vmx/procmon.c).
func (c *Controller) OnTargetStart(info ImageInfo) error {
	if !c.cfg.MatchesTarget(info.ImageName) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return fmt.Errorf("control: target %s already active", info.ImageName)
	}

	if err := c.hv.BeginSplit(info.RecordArrayGPA, info.CR3); err != nil {
		return fmt.Errorf("control: begin split for %s: %w", info.ImageName, err)
	}

	c.current = info
	c.active = true
	c.stop = make(chan struct{})

	trace.Writef(trace.SourceLifecycle, "split view installed for %s (cr3=%#x)", info.ImageName, info.CR3)

	c.wg.Add(1)
	go c.measureLoop(c.stop)

	return nil
}

// OnTargetStop stops the measurement ticker and tears down the split view
// installed by the matching OnTargetStart. A call with no active target is
// a no-op.
func (c *Controller) OnTargetStop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	stop := c.stop
	name := c.current.ImageName
	c.mu.Unlock()

	close(stop)
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}
	c.active = false

	if err := c.hv.EndSplit(); err != nil {
		trace.Writef(trace.SourceLifecycle, "end split for %s failed: %v", name, err)
		return
	}
	trace.Writef(trace.SourceLifecycle, "split view torn down for %s", name)
}

// measureLoop runs at passive IRQL in spirit: a background goroutine
// independent of any VM exit, ticking at the configured interval
// (spec.md §5 names "once per second" as the original's fixed behavior;
// config.Config.MeasurementIntervalSeconds makes it configurable) until
// stop is closed.
func (c *Controller) measureLoop(stop chan struct{}) {
	defer c.wg.Done()

	interval := time.Duration(c.cfg.MeasurementIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return
	}

	live, codeView, err := c.hv.Measure(c.current.PEHeaderGPA, c.current.ImageBaseGVA, c.current.CR3)
	if err != nil {
		trace.Writef(trace.SourceLifecycle, "measurement failed for %s: %v", c.current.ImageName, err)
		return
	}
	if live != codeView {
		trace.Writef(trace.SourceLifecycle, "measurement mismatch for %s: live=%#x code-view=%#x", c.current.ImageName, live, codeView)
	}
}

// Active reports whether a target is currently under split-view
// protection.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
