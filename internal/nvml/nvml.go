package nvmlwrap

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Client implements sampling.DeviceMemory via NVML (go-nvml cgo bindings)
// for one device index.

type Client struct {
	index       int
	pid         uint32
	initialized bool

	mu        sync.Mutex
	recording bool
	history   []HistoryEntry
}

// HistoryEntry is one recorded view of the device's compute processes.
type HistoryEntry struct {
	UnixNano int64
	Procs    []ProcAlloc
}

type ProcAlloc struct {
	PID       uint32
	UsedBytes uint64
}

func New(index int) *Client {
	return &Client{index: index, pid: uint32(os.Getpid())}
}

func (c *Client) Init() error {
	if c.initialized {
		return nil
	}
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init failed: %s", nvml.ErrorString(ret))
	}
	c.initialized = true
	return nil
}

func (c *Client) Shutdown() {
	if !c.initialized {
		return
	}
	_ = nvml.Shutdown()
	c.initialized = false
}

func (c *Client) Name() string { return "nvml" }

func (c *Client) Close() error {
	c.Shutdown()
	return nil
}

func (c *Client) device() (nvml.Device, error) {
	if err := c.Init(); err != nil {
		return nil, err
	}
	dev, ret := nvml.DeviceGetHandleByIndex(c.index)
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml get handle index=%d failed: %s", c.index, nvml.ErrorString(ret))
	}
	return dev, nil
}

// AllocatedBytes reports device memory held by this process. A PID missing
// from the compute list means the process has nothing resident on the device.
func (c *Client) AllocatedBytes() (uint64, error) {
	dev, err := c.device()
	if err != nil {
		return 0, err
	}
	procs, ret := dev.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("nvml compute processes index=%d failed: %s", c.index, nvml.ErrorString(ret))
	}

	c.record(procs)

	for _, p := range procs {
		if p.Pid == c.pid {
			return p.UsedGpuMemory, nil
		}
	}
	return 0, nil
}

// ReservedBytes reports framebuffer memory the device allocator currently
// holds, cache included.
func (c *Client) ReservedBytes() (uint64, error) {
	dev, err := c.device()
	if err != nil {
		return 0, err
	}
	memInfo, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("nvml memory info index=%d failed: %s", c.index, nvml.ErrorString(ret))
	}
	return memInfo.Used, nil
}

// ReleaseCached is a no-op: NVML has no hook into a foreign allocator's
// cache. Framework-backed accessors implement this for real.
func (c *Client) ReleaseCached() error { return nil }

func (c *Client) StartAllocHistory() error {
	if err := c.Init(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = true
	c.history = nil
	return nil
}

func (c *Client) record(procs []nvml.ProcessInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return
	}
	entry := HistoryEntry{UnixNano: time.Now().UnixNano(), Procs: make([]ProcAlloc, 0, len(procs))}
	for _, p := range procs {
		entry.Procs = append(entry.Procs, ProcAlloc{PID: p.Pid, UsedBytes: p.UsedGpuMemory})
	}
	c.history = append(c.history, entry)
}

// DumpAllocHistory writes the recorded history as a gob blob and stops
// recording.
func (c *Client) DumpAllocHistory(path string) error {
	c.mu.Lock()
	history := c.history
	c.recording = false
	c.history = nil
	c.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(history); err != nil {
		return fmt.Errorf("encode allocation history: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write allocation history: %w", err)
	}
	return nil
}
