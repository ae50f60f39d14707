package sampling

import (
	"encoding/json"
	"errors"
)

// ErrNoSamples is returned by peak queries before any tick has been recorded.
var ErrNoSamples = errors.New("no samples recorded")

// Reading is one sampling tick. Memory values are in MiB, Elapsed in seconds
// since the monitor loop started.
type Reading struct {
	Elapsed   float64
	Allocated float64
	Reserved  float64
	Resident  float64
}

// Series holds the four parallel sequences produced by the monitor loop.
// All four slices have identical length at every point; Append grows them as
// one unit. A single goroutine writes; readers only look after that goroutine
// has been joined.
type Series struct {
	Timestamps []float64 `json:"timestamps"`
	Allocated  []float64 `json:"allocated_memory"`
	Reserved   []float64 `json:"reserved_memory"`
	Virtual    []float64 `json:"virtual_memory"`
}

func (s *Series) Append(r Reading) {
	s.Timestamps = append(s.Timestamps, r.Elapsed)
	s.Allocated = append(s.Allocated, r.Allocated)
	s.Reserved = append(s.Reserved, r.Reserved)
	s.Virtual = append(s.Virtual, r.Resident)
}

func (s *Series) Len() int { return len(s.Timestamps) }

// MarshalJSON emits empty arrays, not null, for a series that never received
// a tick; every key must map to an ordered array.
func (s *Series) MarshalJSON() ([]byte, error) {
	type wire Series
	w := wire(*s)
	if w.Timestamps == nil {
		w.Timestamps = []float64{}
	}
	if w.Allocated == nil {
		w.Allocated = []float64{}
	}
	if w.Reserved == nil {
		w.Reserved = []float64{}
	}
	if w.Virtual == nil {
		w.Virtual = []float64{}
	}
	return json.Marshal(w)
}

func (s *Series) PeakAllocated() (float64, error) { return seriesMax(s.Allocated) }

func (s *Series) PeakReserved() (float64, error) { return seriesMax(s.Reserved) }

func seriesMax(vals []float64) (float64, error) {
	if len(vals) == 0 {
		return 0, ErrNoSamples
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m, nil
}
