package host

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// Self reports resident memory of the current process.
type Self struct {
	proc *process.Process
}

func NewSelf() (*Self, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process info: %w", err)
	}
	return &Self{proc: proc}, nil
}

func (s *Self) ResidentBytes() (uint64, error) {
	mi, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("process memory info: %w", err)
	}
	return mi.RSS, nil
}
