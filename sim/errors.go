package sim

import (
	"fmt"
	"math"
)

// RangeError reports an invalid numeric bound: min >= max, a non-positive
// count, or a non-finite value.
type RangeError struct {
	Param  string
	Value  float64
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid %s (%g): %s", e.Param, e.Value, e.Reason)
}

// InvalidAxisError reports a degenerate projection direction.
type InvalidAxisError struct {
	Axis   string
	Reason string
}

func (e *InvalidAxisError) Error() string {
	return fmt.Sprintf("invalid projection axis %q: %s", e.Axis, e.Reason)
}

// CalibrationError reports a missing, unreadable or inconsistent
// instrument descriptor or calibration table.
type CalibrationError struct {
	Instrument string
	Item       string
	Err        error
}

func (e *CalibrationError) Error() string {
	if e.Instrument == "" {
		return fmt.Sprintf("calibration %s: %v", e.Item, e.Err)
	}
	return fmt.Sprintf("instrument %q calibration %s: %v", e.Instrument, e.Item, e.Err)
}

func (e *CalibrationError) Unwrap() error { return e.Err }

// FormatError reports a malformed persisted artifact.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed artifact %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// SamplingUnderflowError reports a source region whose elements contribute
// zero expected photons in total. It is a warning unless the caller asks
// for it to be fatal: a faint source is physically valid.
type SamplingUnderflowError struct {
	Elements int
}

func (e *SamplingUnderflowError) Error() string {
	return fmt.Sprintf("source region with %d elements contributes zero expected photons", e.Elements)
}

// ValidateFinitePositive returns a RangeError unless val is finite and > 0.
func ValidateFinitePositive(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return &RangeError{Param: name, Value: val, Reason: "must be a finite number"}
	}
	if val <= 0 {
		return &RangeError{Param: name, Value: val, Reason: "must be positive"}
	}
	return nil
}

// ValidateFiniteNonNegative returns a RangeError unless val is finite and >= 0.
func ValidateFiniteNonNegative(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return &RangeError{Param: name, Value: val, Reason: "must be a finite number"}
	}
	if val < 0 {
		return &RangeError{Param: name, Value: val, Reason: "must be non-negative"}
	}
	return nil
}

// ValidateOrdered returns a RangeError naming minName unless lo < hi.
func ValidateOrdered(minName string, lo, hi float64) error {
	if !(lo < hi) {
		return &RangeError{Param: minName, Value: lo, Reason: fmt.Sprintf("must be less than %g", hi)}
	}
	return nil
}

// ValidateCount returns a RangeError unless n > 0.
func ValidateCount(name string, n int) error {
	if n <= 0 {
		return &RangeError{Param: name, Value: float64(n), Reason: "must be positive"}
	}
	return nil
}
