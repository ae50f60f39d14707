package smi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Accessor implements sampling.DeviceMemory by shelling out to nvidia-smi.
// Slower than NVML but needs no cgo; useful where the bindings cannot load.
type Accessor struct {
	BinaryPath string
	Index      int

	pid int

	mu        sync.Mutex
	recording bool
	history   []historyEntry
}

type historyEntry struct {
	UnixNano int64
	Procs    []procRow
}

type procRow struct {
	PID       int
	UsedBytes uint64
}

func New(binaryPath string, index int) *Accessor {
	if strings.TrimSpace(binaryPath) == "" {
		binaryPath = "nvidia-smi"
	}
	return &Accessor{BinaryPath: binaryPath, Index: index, pid: os.Getpid()}
}

func (a *Accessor) Name() string { return "nvidia-smi" }

func (a *Accessor) Close() error { return nil }

var errNoResults = errors.New("nvidia-smi no results")

func (a *Accessor) run(args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.BinaryPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		se := strings.TrimSpace(stderr.String())
		if isNoResultsStderr(se) {
			return nil, errNoResults
		}
		return nil, fmt.Errorf("nvidia-smi failed: %w: %s", err, se)
	}
	return out, nil
}

// Some versions print "No running processes found" on stderr and exit
// non-zero; that is an empty result, not a failure.
func isNoResultsStderr(se string) bool {
	return strings.Contains(strings.ToLower(se), "no running")
}

func (a *Accessor) AllocatedBytes() (uint64, error) {
	out, err := a.run(
		"--query-compute-apps=pid,used_gpu_memory",
		"--format=csv,noheader,nounits",
		fmt.Sprintf("--id=%d", a.Index),
	)
	if err != nil {
		if errors.Is(err, errNoResults) {
			a.record(nil)
			return 0, nil
		}
		return 0, err
	}

	procs := parseComputeApps(out)
	a.record(procs)

	for _, p := range procs {
		if p.PID == a.pid {
			return p.UsedBytes, nil
		}
	}
	return 0, nil
}

func (a *Accessor) ReservedBytes() (uint64, error) {
	out, err := a.run(
		"--query-gpu=memory.used",
		"--format=csv,noheader,nounits",
		fmt.Sprintf("--id=%d", a.Index),
	)
	if err != nil {
		return 0, err
	}
	lines := readCSVLines(out)
	if len(lines) == 0 || len(lines[0]) < 1 {
		return 0, fmt.Errorf("nvidia-smi memory.used: empty output")
	}
	usedMiB, err := strconv.ParseUint(lines[0][0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi memory.used: parse %q: %w", lines[0][0], err)
	}
	return usedMiB * 1024 * 1024, nil
}

// ReleaseCached is a no-op: the tool cannot reach into the allocator of the
// process it is measuring.
func (a *Accessor) ReleaseCached() error { return nil }

func (a *Accessor) StartAllocHistory() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recording = true
	a.history = nil
	return nil
}

func (a *Accessor) record(procs []procRow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.recording {
		return
	}
	a.history = append(a.history, historyEntry{UnixNano: time.Now().UnixNano(), Procs: procs})
}

func (a *Accessor) DumpAllocHistory(path string) error {
	a.mu.Lock()
	history := a.history
	a.recording = false
	a.history = nil
	a.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(history); err != nil {
		return fmt.Errorf("encode allocation history: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write allocation history: %w", err)
	}
	return nil
}

func parseComputeApps(b []byte) []procRow {
	lines := readCSVLines(b)
	rows := make([]procRow, 0, len(lines))
	for _, cols := range lines {
		if len(cols) < 2 {
			continue
		}
		pid, err := strconv.Atoi(cols[0])
		if err != nil {
			continue
		}
		memMiB, _ := strconv.ParseUint(cols[1], 10, 64)
		rows = append(rows, procRow{PID: pid, UsedBytes: memMiB * 1024 * 1024})
	}
	return rows
}

func readCSVLines(b []byte) [][]string {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	out := [][]string{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cols := strings.Split(line, ",")
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
		out = append(out, cols)
	}
	return out
}
