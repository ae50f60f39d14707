package tracker

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpu-memtracker/internal/rank"
	"gpu-memtracker/internal/sampling"
)

// fakeDevice serves ramping allocated/reserved values and counts calls.
type fakeDevice struct {
	allocated atomic.Uint64
	reserved  atomic.Uint64
	released  atomic.Int32
	armed     atomic.Bool
	dumped    atomic.Int32

	allocatedErr error
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{}
	d.allocated.Store(100 * 1024 * 1024)
	d.reserved.Store(200 * 1024 * 1024)
	return d
}

func (d *fakeDevice) AllocatedBytes() (uint64, error) {
	if d.allocatedErr != nil {
		return 0, d.allocatedErr
	}
	// Ramp so the peak lands on the last sample.
	return d.allocated.Add(1024 * 1024), nil
}

func (d *fakeDevice) ReservedBytes() (uint64, error) {
	return d.reserved.Add(2 * 1024 * 1024), nil
}

func (d *fakeDevice) ReleaseCached() error {
	d.released.Add(1)
	return nil
}

func (d *fakeDevice) StartAllocHistory() error {
	d.armed.Store(true)
	return nil
}

func (d *fakeDevice) DumpAllocHistory(path string) error {
	d.dumped.Add(1)
	return os.WriteFile(path, []byte("snapshot"), 0o644)
}

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) Close() error { return nil }

type fakeHost struct{}

func (fakeHost) ResidentBytes() (uint64, error) { return 512 * 1024 * 1024, nil }

func newTestTracker(t *testing.T, dev sampling.DeviceMemory, opts func(*Options)) *Tracker {
	t.Helper()
	o := Options{
		Device:    dev,
		Host:      fakeHost{},
		Role:      rank.Fixed(true),
		OutputDir: t.TempDir(),
		RunName:   "bench",
		Interval:  2 * time.Millisecond,
	}
	if opts != nil {
		opts(&o)
	}
	return New(o)
}

func runFor(t *testing.T, tr *Tracker, d time.Duration) {
	t.Helper()
	require.NoError(t, tr.Start())
	time.Sleep(d)
	require.NoError(t, tr.Stop())
}

func TestSeriesLengthsStayEqual(t *testing.T) {
	dev := newFakeDevice()
	tr := newTestTracker(t, dev, nil)
	runFor(t, tr, 50*time.Millisecond)

	s := tr.Series()
	require.Greater(t, s.Len(), 0)
	assert.Len(t, s.Allocated, s.Len())
	assert.Len(t, s.Reserved, s.Len())
	assert.Len(t, s.Virtual, s.Len())

	// ~50ms / 2ms ticks, generously bounded: sleeps overshoot under load.
	assert.GreaterOrEqual(t, s.Len(), 5)
	assert.LessOrEqual(t, s.Len(), 60)
}

func TestTimestampsNonDecreasing(t *testing.T) {
	tr := newTestTracker(t, newFakeDevice(), nil)
	runFor(t, tr, 30*time.Millisecond)

	ts := tr.Series().Timestamps
	require.NotEmpty(t, ts)
	assert.GreaterOrEqual(t, ts[0], 0.0)
	for i := 1; i < len(ts); i++ {
		assert.GreaterOrEqual(t, ts[i], ts[i-1], "timestamp %d regressed", i)
	}
}

func TestPeaksMatchSeriesMax(t *testing.T) {
	tr := newTestTracker(t, newFakeDevice(), nil)
	runFor(t, tr, 30*time.Millisecond)

	s := tr.Series()
	wantAlloc, wantReserved := s.Allocated[0], s.Reserved[0]
	for i := range s.Allocated {
		if s.Allocated[i] > wantAlloc {
			wantAlloc = s.Allocated[i]
		}
		if s.Reserved[i] > wantReserved {
			wantReserved = s.Reserved[i]
		}
	}

	gotAlloc, err := tr.PeakAllocated()
	require.NoError(t, err)
	gotReserved, err := tr.PeakReserved()
	require.NoError(t, err)
	assert.Equal(t, wantAlloc, gotAlloc)
	assert.Equal(t, wantReserved, gotReserved)
}

func TestPeakBeforeAnySample(t *testing.T) {
	tr := newTestTracker(t, newFakeDevice(), nil)
	_, err := tr.PeakAllocated()
	assert.ErrorIs(t, err, sampling.ErrNoSamples)
	_, err = tr.PeakReserved()
	assert.ErrorIs(t, err, sampling.ErrNoSamples)
}

func TestUsageFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	tr := newTestTracker(t, newFakeDevice(), func(o *Options) { o.OutputDir = dir })
	runFor(t, tr, 30*time.Millisecond)

	b, err := os.ReadFile(filepath.Join(dir, "bench_memory_usage.json"))
	require.NoError(t, err)

	var got sampling.Series
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, tr.Series().Timestamps, got.Timestamps)
	assert.Equal(t, tr.Series().Allocated, got.Allocated)
	assert.Equal(t, tr.Series().Reserved, got.Reserved)
	assert.Equal(t, tr.Series().Virtual, got.Virtual)
}

func TestUsageFileSchemaKeys(t *testing.T) {
	dir := t.TempDir()
	tr := newTestTracker(t, newFakeDevice(), func(o *Options) { o.OutputDir = dir })
	runFor(t, tr, 20*time.Millisecond)

	b, err := os.ReadFile(filepath.Join(dir, "bench_memory_usage.json"))
	require.NoError(t, err)

	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &obj))
	for _, key := range []string{"timestamps", "allocated_memory", "reserved_memory", "virtual_memory"} {
		assert.Contains(t, obj, key)
	}
	assert.Len(t, obj, 4)
}

func TestUsageFileZeroSamplesWritesArrays(t *testing.T) {
	// Stop can win the race with the monitor goroutine's first flag check;
	// the file must still hold arrays, never null.
	tr := newTestTracker(t, newFakeDevice(), nil)
	path := filepath.Join(t.TempDir(), "bench_memory_usage.json")
	require.NoError(t, tr.writeUsage(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "null")

	var obj map[string][]float64
	require.NoError(t, json.Unmarshal(b, &obj))
	for _, key := range []string{"timestamps", "allocated_memory", "reserved_memory", "virtual_memory"} {
		vals, ok := obj[key]
		assert.True(t, ok, "missing key %s", key)
		assert.Empty(t, vals)
	}
}

func TestNonWriterRoleWritesNothing(t *testing.T) {
	dir := t.TempDir()
	dev := newFakeDevice()
	tr := newTestTracker(t, dev, func(o *Options) {
		o.OutputDir = dir
		o.Role = rank.Fixed(false)
		o.SaveSnapshot = true
	})
	runFor(t, tr, 20*time.Millisecond)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, int32(0), dev.dumped.Load())
}

func TestSnapshotWrittenForWriterRole(t *testing.T) {
	dir := t.TempDir()
	dev := newFakeDevice()
	tr := newTestTracker(t, dev, func(o *Options) {
		o.OutputDir = dir
		o.SaveSnapshot = true
	})
	runFor(t, tr, 20*time.Millisecond)

	assert.True(t, dev.armed.Load())
	assert.Equal(t, int32(1), dev.dumped.Load())
	_, err := os.Stat(filepath.Join(dir, "bench_memory_snapshot.bin"))
	assert.NoError(t, err)
}

func TestStartReleasesCache(t *testing.T) {
	dev := newFakeDevice()
	tr := newTestTracker(t, dev, nil)
	runFor(t, tr, 10*time.Millisecond)
	assert.Equal(t, int32(1), dev.released.Load())
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	tr := newTestTracker(t, newFakeDevice(), nil)
	assert.NoError(t, tr.Stop())
}

func TestDoubleStartFails(t *testing.T) {
	tr := newTestTracker(t, newFakeDevice(), nil)
	require.NoError(t, tr.Start())
	defer tr.Stop()
	assert.ErrorIs(t, tr.Start(), ErrAlreadyRunning)
}

func TestAccessorFailureSurfacesFromStop(t *testing.T) {
	dev := newFakeDevice()
	dev.allocatedErr = errors.New("device gone")
	tr := newTestTracker(t, dev, nil)

	require.NoError(t, tr.Start())
	time.Sleep(10 * time.Millisecond)
	err := tr.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device gone")
}

func TestRestartAfterStop(t *testing.T) {
	tr := newTestTracker(t, newFakeDevice(), nil)
	runFor(t, tr, 10*time.Millisecond)
	n := tr.Series().Len()
	runFor(t, tr, 10*time.Millisecond)
	assert.Greater(t, tr.Series().Len(), n)
}
