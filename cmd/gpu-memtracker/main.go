package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"gpu-memtracker/internal/config"
	"gpu-memtracker/internal/host"
	"gpu-memtracker/internal/logging"
	"gpu-memtracker/internal/rank"
	"gpu-memtracker/internal/sampling"
	"gpu-memtracker/internal/smi"
	"gpu-memtracker/internal/tracker"
	nvmlwrap "gpu-memtracker/internal/nvml"
)

func main() {
	cfg := config.FromEnvAndFlags(os.Args[1:])
	role := rank.FromEnv()
	logger := logging.NewJSONLogger(os.Stdout, logging.LevelInfo, map[string]any{
		"run":  cfg.RunName,
		"rank": role.Rank(),
	})

	var device sampling.DeviceMemory
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "smi", "nvidia-smi", "nvidiasmi":
		device = smi.New(cfg.SMIPath, cfg.DeviceIndex)
	default:
		device = nvmlwrap.New(cfg.DeviceIndex)
	}
	defer func() { _ = device.Close() }()

	hostMem, err := host.NewSelf()
	if err != nil {
		logger.Error(map[string]any{"msg": "host process info unavailable", "error": err.Error()})
		os.Exit(1)
	}

	tr := tracker.New(tracker.Options{
		Device:       device,
		Host:         hostMem,
		Role:         role,
		Logger:       logger,
		OutputDir:    cfg.OutputDir,
		RunName:      cfg.RunName,
		SaveSnapshot: cfg.SaveSnapshot,
		Interval:     cfg.SampleInterval,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info(map[string]any{
		"msg":         "gpu-memtracker starting",
		"sampler":     device.Name(),
		"device":      cfg.DeviceIndex,
		"interval_ms": cfg.SampleInterval.Milliseconds(),
		"snapshot":    cfg.SaveSnapshot,
	})

	if err := tr.Start(); err != nil {
		logger.Error(map[string]any{"msg": "tracker start failed", "error": err.Error()})
		os.Exit(1)
	}

	if cfg.Duration > 0 {
		select {
		case <-time.After(cfg.Duration):
		case <-ctx.Done():
		}
	} else {
		<-ctx.Done()
	}

	if err := tr.Stop(); err != nil {
		logger.Error(map[string]any{"msg": "tracker stop failed", "error": err.Error()})
		// give log collector a chance
		time.Sleep(250 * time.Millisecond)
		os.Exit(1)
	}

	printSummary(tr)
}

func printSummary(tr *tracker.Tracker) {
	peakAlloc, err := tr.PeakAllocated()
	if err != nil {
		fmt.Fprintln(os.Stderr, "no samples recorded")
		return
	}
	peakReserved, _ := tr.PeakReserved()
	series := tr.Series()

	table := tablewriter.NewTable(os.Stdout)
	table.Header([]string{"SAMPLES", "WINDOW (S)", "PEAK ALLOC (MIB)", "PEAK RESERVED (MIB)"})
	table.Append([]string{
		fmt.Sprintf("%d", series.Len()),
		fmt.Sprintf("%.2f", series.Timestamps[series.Len()-1]),
		fmt.Sprintf("%.1f", peakAlloc),
		fmt.Sprintf("%.1f", peakReserved),
	})
	table.Render()
}
