package sampling

// DeviceMemory answers allocator questions for one accelerator device.
// Implementations live in internal/nvml and internal/smi.
type DeviceMemory interface {
	// AllocatedBytes is device memory actively in use by this process.
	AllocatedBytes() (uint64, error)
	// ReservedBytes is device memory held by the allocator, cache included.
	ReservedBytes() (uint64, error)
	// ReleaseCached hands cached-but-unused memory back to the allocator
	// so a trace starts from a clean baseline.
	ReleaseCached() error
	// StartAllocHistory arms detailed allocation recording.
	StartAllocHistory() error
	// DumpAllocHistory writes the recorded history to path as an opaque blob.
	DumpAllocHistory(path string) error
	Name() string
	Close() error
}

// HostMemory answers resident-set questions for the current process.
type HostMemory interface {
	ResidentBytes() (uint64, error)
}

// RoleResolver decides whether this process is the single designated writer
// of shared output artifacts (rank-0 in a distributed job).
type RoleResolver interface {
	IsMainProcess() bool
}
