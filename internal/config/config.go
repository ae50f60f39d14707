package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

type Config struct {
	OutputDir      string
	RunName        string
	SampleInterval time.Duration
	SaveSnapshot   bool
	DeviceIndex    int

	// Sampler selects the device accessor: "nvml" (default) or "smi".
	Sampler string

	// Duration is the driver's sampling window; zero means run until a signal.
	Duration time.Duration

	SMIPath string
}

func FromEnvAndFlags(args []string) Config {
	fs := flag.NewFlagSet("gpu-memtracker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	cfg := Config{
		OutputDir:      envString("OUTPUT_DIR", "memory_traces"),
		RunName:        envString("RUN_NAME", "run"),
		SampleInterval: time.Duration(envInt("SAMPLE_INTERVAL_MS", 10)) * time.Millisecond,
		SaveSnapshot:   envBool("SAVE_SNAPSHOT", false),
		DeviceIndex:    envInt("DEVICE_INDEX", 0),
		Sampler:        envString("SAMPLER", "nvml"),
		Duration:       time.Duration(envInt("DURATION_SECONDS", 0)) * time.Second,
		SMIPath:        envString("SMI_PATH", "nvidia-smi"),
	}

	fs.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory for output files (created if missing)")
	fs.StringVar(&cfg.RunName, "run-name", cfg.RunName, "Run name used to prefix output files")
	fs.DurationVar(&cfg.SampleInterval, "sample-interval", cfg.SampleInterval, "Interval between memory samples")
	fs.BoolVar(&cfg.SaveSnapshot, "save-snapshot", cfg.SaveSnapshot, "Also dump a detailed allocation snapshot")
	fs.IntVar(&cfg.DeviceIndex, "device-index", cfg.DeviceIndex, "Accelerator device index to monitor")
	fs.StringVar(&cfg.Sampler, "sampler", cfg.Sampler, "Device accessor: nvml or smi")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Sampling window; 0 runs until SIGINT/SIGTERM")
	fs.StringVar(&cfg.SMIPath, "smi-path", cfg.SMIPath, "Path to nvidia-smi for the smi sampler")
	_ = fs.Parse(args)

	return cfg
}

func envString(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
