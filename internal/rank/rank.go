package rank

import (
	"os"
	"strconv"
)

// Launcher rank variables checked in order. torchrun and accelerate set RANK;
// the rest cover OpenMPI, generic PMI, and Slurm launchers.
var rankEnvVars = []string{"RANK", "OMPI_COMM_WORLD_RANK", "PMI_RANK", "SLURM_PROCID"}

// Resolver reports whether this process is the designated single writer.
type Resolver struct {
	rank int
}

// FromEnv resolves the process rank from launcher environment variables.
// A process launched outside any distributed runner resolves to rank 0.
func FromEnv() *Resolver {
	for _, key := range rankEnvVars {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		if r, err := strconv.Atoi(v); err == nil {
			return &Resolver{rank: r}
		}
	}
	return &Resolver{}
}

func (r *Resolver) Rank() int { return r.rank }

func (r *Resolver) IsMainProcess() bool { return r.rank == 0 }

// Fixed is a resolver with a predetermined answer, for embedding callers
// that already know their role and for tests.
type Fixed bool

func (f Fixed) IsMainProcess() bool { return bool(f) }
