package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"gpu-memtracker/internal/logging"
	"gpu-memtracker/internal/sampling"
)

const bytesPerMiB = 1024 * 1024

// DefaultInterval is the tick spacing used when Options.Interval is unset.
const DefaultInterval = 10 * time.Millisecond

var ErrAlreadyRunning = errors.New("tracker already running")

type Options struct {
	Device sampling.DeviceMemory
	Host   sampling.HostMemory
	Role   sampling.RoleResolver
	Logger *logging.Logger

	OutputDir    string
	RunName      string
	SaveSnapshot bool
	// Interval between ticks; non-positive falls back to DefaultInterval.
	Interval time.Duration
}

// Tracker samples device and host memory on a background goroutine between
// Start and Stop, then persists the series (and optionally an allocation
// snapshot) from the single designated writer process.
type Tracker struct {
	device   sampling.DeviceMemory
	host     sampling.HostMemory
	role     sampling.RoleResolver
	log      *logging.Logger
	dir      string
	run      string
	snapshot bool
	interval time.Duration

	series  sampling.Series
	running atomic.Bool
	done    chan struct{}
	loopErr error
}

func New(opts Options) *Tracker {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Tracker{
		device:   opts.Device,
		host:     opts.Host,
		role:     opts.Role,
		log:      opts.Logger,
		dir:      opts.OutputDir,
		run:      opts.RunName,
		snapshot: opts.SaveSnapshot,
		interval: interval,
	}
}

// Start resets the allocator baseline, prepares the output directory, arms
// snapshot recording when configured, and launches the monitor goroutine.
// Returns immediately; the process may exit without calling Stop.
func (t *Tracker) Start() error {
	if t.running.Load() {
		return ErrAlreadyRunning
	}

	// Clean baseline: collect host garbage and drop the device cache.
	runtime.GC()
	debug.FreeOSMemory()
	if err := t.device.ReleaseCached(); err != nil {
		return fmt.Errorf("release cached device memory: %w", err)
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	if t.snapshot {
		if err := t.device.StartAllocHistory(); err != nil {
			return fmt.Errorf("start allocation history: %w", err)
		}
	}

	t.loopErr = nil
	t.done = make(chan struct{})
	t.running.Store(true)
	go t.monitor()
	return nil
}

func (t *Tracker) monitor() {
	defer close(t.done)
	start := time.Now()

	for t.running.Load() {
		allocated, err := t.device.AllocatedBytes()
		if err != nil {
			t.fail("device allocated query failed", err)
			return
		}
		reserved, err := t.device.ReservedBytes()
		if err != nil {
			t.fail("device reserved query failed", err)
			return
		}
		resident, err := t.host.ResidentBytes()
		if err != nil {
			t.fail("host resident query failed", err)
			return
		}

		t.series.Append(sampling.Reading{
			Elapsed:   time.Since(start).Seconds(),
			Allocated: float64(allocated) / bytesPerMiB,
			Reserved:  float64(reserved) / bytesPerMiB,
			Resident:  float64(resident) / bytesPerMiB,
		})

		time.Sleep(t.interval)
	}
}

func (t *Tracker) fail(msg string, err error) {
	t.loopErr = err
	t.running.Store(false)
	if t.log != nil {
		t.log.Error(map[string]any{"msg": msg, "error": err.Error()})
	}
}

// Stop ends sampling, waits for the monitor goroutine, and writes output
// files when this process holds the writer role. Calling Stop without a
// preceding Start is a no-op.
func (t *Tracker) Stop() error {
	return t.StopContext(context.Background())
}

// StopContext is Stop with a bounded wait on the monitor goroutine. If ctx
// expires before the goroutine exits (a hung device query), no files are
// written and the ctx error is returned.
func (t *Tracker) StopContext(ctx context.Context) error {
	if t.done == nil {
		return nil
	}
	t.running.Store(false)
	select {
	case <-t.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for monitor goroutine: %w", ctx.Err())
	}
	if t.loopErr != nil {
		return fmt.Errorf("sampling aborted: %w", t.loopErr)
	}

	if !t.role.IsMainProcess() {
		return nil
	}

	if t.snapshot {
		path := filepath.Join(t.dir, t.run+"_memory_snapshot.bin")
		if err := t.device.DumpAllocHistory(path); err != nil {
			return fmt.Errorf("dump allocation history: %w", err)
		}
		if t.log != nil {
			t.log.Info(map[string]any{"msg": "memory snapshot written", "path": path})
		}
	}

	path := filepath.Join(t.dir, t.run+"_memory_usage.json")
	if err := t.writeUsage(path); err != nil {
		return err
	}
	if t.log != nil {
		t.log.Info(map[string]any{"msg": "memory usage written", "path": path, "samples": t.series.Len()})
	}
	return nil
}

func (t *Tracker) writeUsage(path string) error {
	b, err := json.Marshal(&t.series)
	if err != nil {
		return fmt.Errorf("marshal memory usage: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write memory usage: %w", err)
	}
	return nil
}

// Series exposes the recorded samples. Valid only after Stop has returned.
func (t *Tracker) Series() *sampling.Series { return &t.series }

// PeakAllocated is the maximum allocated-memory sample in MiB. Valid only
// after at least one tick has been recorded.
func (t *Tracker) PeakAllocated() (float64, error) { return t.series.PeakAllocated() }

// PeakReserved is the maximum reserved-memory sample in MiB.
func (t *Tracker) PeakReserved() (float64, error) { return t.series.PeakReserved() }
