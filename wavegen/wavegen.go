// Package wavegen converts between physical values and the fixed point
// codes used by the qlaser FPGA.  Voltages become DAC codes, polynomial
// shape descriptions become wave table samples, and pulse scaling
// factors become their quantized register representations.
//
// Everything in this package is pure arithmetic; errors are always
// value-range errors, never I/O.
package wavegen

import (
	"fmt"
	"math"

	"github.com/uw-acme/qlaser-zcu/util"
)

const (
	// BitFrac is the number of fraction bits in the time factor format (U8.8)
	BitFrac = 8

	// BitFracGain is the number of fraction bits in the gain format (U0.15),
	// so a gain of 1.0 quantizes to 0x8000
	BitFracGain = 15

	// waveFullScale scales a polynomial value of 1.0 to the top of the
	// positive half of the 16-bit sample range
	waveFullScale = 1 << 15

	// maxSample is the largest value a wave table sample can hold
	maxSample = 1<<16 - 1
)

// RangeError indicates a value that does not fit in its target format
type RangeError struct {
	What      string
	Value     float64
	Low, High float64
}

func (e RangeError) Error() string {
	return fmt.Sprintf("%s %g outside allowable range [%g, %g]", e.What, e.Value, e.Low, e.High)
}

// VoltageToCode converts a voltage to the code for a DAC with the given
// reference voltage and bit depth.  The code is round(v/vref * (2^bits-1)).
// Voltages that produce a code outside [0, 2^bits-1] return a RangeError.
func VoltageToCode(voltage, vref float64, bits int) (int, error) {
	max := float64(int(1)<<uint(bits) - 1)
	code := math.Round(voltage / vref * max)
	if code < 0 || code > max {
		return 0, RangeError{What: "DAC code", Value: code, Low: 0, High: max}
	}
	return int(code), nil
}

// Polynomial evaluates sum(c_k * (x/n)^k) for x in 0..n-1 and quantizes
// each value into the unsigned 16-bit wave sample format.  Values below
// zero clamp to zero and values beyond full scale clamp to the maximum
// sample, matching what the wave RAM can store.
func Polynomial(coeffs []float64, n int) []int {
	out := make([]int, n)
	for x := 0; x < n; x++ {
		t := float64(x) / float64(n)
		v := 0.
		for k := len(coeffs) - 1; k >= 0; k-- {
			v = v*t + coeffs[k]
		}
		out[x] = int(util.Clamp(math.Floor(v*waveFullScale), 0, maxSample))
	}
	return out
}

// QuantizeGain converts a gain factor to its U0.15 representation.
// A gain of exactly 1.0 maps to 0x8000.
func QuantizeGain(gain float64) (uint16, error) {
	q := math.Floor(gain * (1 << BitFracGain))
	if q < 0 || q > math.MaxUint16 {
		return 0, RangeError{What: "gain factor", Value: gain, Low: 0, High: 2 - 1.0/(1<<BitFracGain)}
	}
	return uint16(q), nil
}

// DequantizeGain is the inverse of QuantizeGain
func DequantizeGain(q uint16) float64 {
	return float64(q) / (1 << BitFracGain)
}

// QuantizeTimeFactor converts a time (address stepping) factor to its
// U8.8 representation.
func QuantizeTimeFactor(tf float64) (uint16, error) {
	q := math.Floor(tf * (1 << BitFrac))
	if q < 0 || q > math.MaxUint16 {
		return 0, RangeError{What: "time factor", Value: tf, Low: 0, High: 256 - 1.0/(1<<BitFrac)}
	}
	return uint16(q), nil
}

// DequantizeTimeFactor is the inverse of QuantizeTimeFactor
func DequantizeTimeFactor(q uint16) float64 {
	return float64(q) / (1 << BitFrac)
}
