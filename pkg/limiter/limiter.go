// Package limiter implements the stateless peak limiter the audio callback
// applies to every output block (spec.md §4.2), in the same in-place
// gain-staging style cmd/transform.go already uses for its mono mixdown pass.
package limiter

// PeakLimiter clamps a block's peak amplitude to Threshold.
type PeakLimiter struct {
	Threshold float32 // (0, 1]
}

// New creates a PeakLimiter with the given ceiling.
func New(threshold float32) PeakLimiter {
	if threshold <= 0 || threshold > 1 {
		threshold = 1
	}
	return PeakLimiter{Threshold: threshold}
}

// Apply scales block in place so its peak absolute amplitude does not exceed
// the configured threshold. O(n), no allocation.
func (l PeakLimiter) Apply(block []float32) {
	if len(block) == 0 {
		return
	}

	var peak float32
	for _, s := range block {
		a := s
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}

	if peak <= l.Threshold || peak == 0 {
		return
	}

	scale := l.Threshold / peak
	for i := range block {
		block[i] *= scale
	}
}
