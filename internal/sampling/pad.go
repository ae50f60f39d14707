package sampling

import "math/bits"

// PadToPowerOfTwo returns vals extended to the next power of two >= len(vals),
// padded with -1 sentinels. Callers use it to give variable-length per-rank
// series a uniform shape before a cross-process gather. The input is not
// mutated; lengths that are already a power of two come back as-is. An empty
// input comes back empty: an all-sentinel gather payload carries no data, so
// length 0 is treated like the other no-padding lengths.
func PadToPowerOfTwo(vals []float64) []float64 {
	n := len(vals)
	if n == 0 {
		return vals
	}
	target := nextPowerOfTwo(n)
	if target == n {
		return vals
	}
	out := make([]float64, target)
	copy(out, vals)
	for i := n; i < target; i++ {
		out[i] = -1
	}
	return out
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
