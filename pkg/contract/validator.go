package contract

import (
	"fmt"
	"math"
)

// 校验库函数（纯函数，无 I/O）。

// ValidateInterval: 要求 Start/End 有限且 Start <= End。
func ValidateInterval(iv Interval) error {
	if math.IsNaN(iv.Start) || math.IsNaN(iv.End) || math.IsInf(iv.Start, 0) || math.IsInf(iv.End, 0) {
		return fmt.Errorf("interval [%v,%v): %w", iv.Start, iv.End, ErrInvalidInput)
	}
	if iv.Start > iv.End {
		return fmt.Errorf("interval [%v,%v) reversed: %w", iv.Start, iv.End, ErrInvalidInput)
	}
	return nil
}

// Boundaries 组装分段边界 [tstart, t1, ..., tn, tend]。
func Boundaries(tstart float64, epochs []float64, tend float64) []float64 {
	out := make([]float64, 0, len(epochs)+2)
	out = append(out, tstart)
	out = append(out, epochs...)
	out = append(out, tend)
	return out
}

// ValidateBoundaries: 边界需严格递增且相邻间隔 >= minGap。
// minGap <= 0 时仅检查严格递增。
func ValidateBoundaries(bounds []float64, minGap float64) error {
	if len(bounds) < 2 {
		return fmt.Errorf("boundaries need at least 2 points: %w", ErrInvalidInput)
	}
	for i := 1; i < len(bounds); i++ {
		d := bounds[i] - bounds[i-1]
		if math.IsNaN(d) || d <= 0 {
			return fmt.Errorf("boundary %d (%v) not after %v: %w", i, bounds[i], bounds[i-1], ErrInvariantViolation)
		}
		if minGap > 0 && d < minGap {
			return fmt.Errorf("boundary gap %v < %v at %d: %w", d, minGap, i, ErrInvariantViolation)
		}
	}
	return nil
}

// ValidateSegmentBounds: 网格用的宽松校验。允许尾部边界等于 tend（零长段），
// 但要求非递减且首尾有限。
func ValidateSegmentBounds(bounds []float64) error {
	if len(bounds) < 2 {
		return fmt.Errorf("boundaries need at least 2 points: %w", ErrInvalidInput)
	}
	for i, b := range bounds {
		if math.IsNaN(b) || math.IsInf(b, 0) {
			return fmt.Errorf("boundary %d not finite: %w", i, ErrInvalidInput)
		}
		if i > 0 && b < bounds[i-1] {
			return fmt.Errorf("boundary %d (%v) before %v: %w", i, b, bounds[i-1], ErrInvariantViolation)
		}
	}
	return nil
}
