// Package pulse compiles user pulse schedules into the accumulative
// pulse definition entries stored in the qlaser FPGA.
//
// The pulse definition RAM is order sensitive: the hardware interprets
// entry i relative to the cumulative effect of entries 0..i-1 on the
// same channel.  The compiler therefore never reorders definitions; a
// schedule whose start times are not monotonic is rejected, not fixed.
//
// Compilation is all or nothing.  Every definition in a batch is
// validated before any entry is produced, so a rejected batch leaves
// nothing to transmit and the device state untouched.
package pulse

import (
	"fmt"

	"github.com/uw-acme/qlaser-zcu/wavegen"
	"github.com/uw-acme/qlaser-zcu/wavetable"
)

// Definition is one scheduled pulse as the user specifies it: a
// waveform reference, a start time, scaling factors and a sustain
// (flattop) duration, all in device time units.
type Definition struct {
	Wave       wavetable.Handle
	StartTime  int
	Gain       float64
	TimeFactor float64
	Sustain    int
}

// Entry is the compiled, address-resolved, quantized form of a
// Definition, ready for encoding into pulse definition RAM words.
type Entry struct {
	StartTime  int
	StartAddr  int
	WaveLen    int
	Gain       uint16 // U0.15
	TimeFactor uint16 // U8.8
	Sustain    int
}

// Resolver maps a waveform handle to its location in wave table RAM.
// *wavetable.Table satisfies it.
type Resolver interface {
	Resolve(wavetable.Handle) (start, length int)
}

// Policy carries the timing rules the hardware imposes on a schedule.
// The firmware documentation is ambiguous about whether the minimum
// spacing applies only before the first pulse or between every
// consecutive pair; both rules are enforced by default and the
// between-pulses rule can be relaxed if the installed firmware allows.
type Policy struct {
	// MinStartGap is the minimum number of time units before the first
	// pulse and (see GapBetweenPulses) between consecutive start times
	MinStartGap int

	// GapBetweenPulses applies MinStartGap to every consecutive pair
	// of start times, not only the first pulse
	GapBetweenPulses bool
}

// DefaultPolicy returns the timing rules for the current firmware
func DefaultPolicy() Policy {
	return Policy{MinStartGap: 5, GapBetweenPulses: true}
}

// InvalidGainError indicates a gain factor outside (0, 1]
type InvalidGainError struct {
	Index int
	Gain  float64
}

func (e InvalidGainError) Error() string {
	return fmt.Sprintf("pulse %d: gain factor %g outside (0, 1]", e.Index, e.Gain)
}

// InvalidTimeFactorError indicates a time factor outside [1, waveLen)
type InvalidTimeFactorError struct {
	Index      int
	TimeFactor float64
	WaveLen    int
}

func (e InvalidTimeFactorError) Error() string {
	return fmt.Sprintf("pulse %d: time factor %g outside [1, %d)", e.Index, e.TimeFactor, e.WaveLen)
}

// TimingConstraintError indicates start times that are too close
// together, too early, or not monotonically increasing
type TimingConstraintError struct {
	Index       int
	Prev, Start int
	MinGap      int
}

func (e TimingConstraintError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("pulse 0: start time %d earlier than minimum %d", e.Start, e.MinGap)
	}
	return fmt.Sprintf("pulse %d: start time %d within %d time units of previous start %d", e.Index, e.Start, e.MinGap, e.Prev)
}

// SequenceOverflowError indicates a pulse that runs past the end of
// the channel's sequence window
type SequenceOverflowError struct {
	Index  int
	End    float64
	SeqLen int
}

func (e SequenceOverflowError) Error() string {
	return fmt.Sprintf("pulse %d: ends at %g, beyond sequence length %d", e.Index, e.End, e.SeqLen)
}

// Compile validates a schedule and produces its pulse definition
// entries in submission order.  seqLen is the channel's total sequence
// window in time units.  On any violation the whole batch is rejected
// and no entries are returned.
//
// Compile is pure: the same input always produces the same entries.
func Compile(defs []Definition, seqLen int, p Policy, r Resolver) ([]Entry, error) {
	entries := make([]Entry, 0, len(defs))
	prevStart := 0
	for i, d := range defs {
		start, length := r.Resolve(d.Wave)
		if d.Gain <= 0 || d.Gain > 1 {
			return nil, InvalidGainError{Index: i, Gain: d.Gain}
		}
		if d.TimeFactor < 1 || d.TimeFactor >= float64(length) {
			return nil, InvalidTimeFactorError{Index: i, TimeFactor: d.TimeFactor, WaveLen: length}
		}
		if i == 0 {
			if d.StartTime < p.MinStartGap {
				return nil, TimingConstraintError{Index: 0, Start: d.StartTime, MinGap: p.MinStartGap}
			}
		} else if p.GapBetweenPulses {
			if d.StartTime-prevStart < p.MinStartGap {
				return nil, TimingConstraintError{Index: i, Prev: prevStart, Start: d.StartTime, MinGap: p.MinStartGap}
			}
		} else if d.StartTime <= prevStart {
			return nil, TimingConstraintError{Index: i, Prev: prevStart, Start: d.StartTime, MinGap: 1}
		}
		end := float64(d.StartTime) + float64(length)*d.TimeFactor + float64(d.Sustain)
		if end > float64(seqLen) {
			return nil, SequenceOverflowError{Index: i, End: end, SeqLen: seqLen}
		}
		gain, err := wavegen.QuantizeGain(d.Gain)
		if err != nil {
			return nil, fmt.Errorf("pulse %d: %w", i, err)
		}
		tf, err := wavegen.QuantizeTimeFactor(d.TimeFactor)
		if err != nil {
			return nil, fmt.Errorf("pulse %d: %w", i, err)
		}
		entries = append(entries, Entry{
			StartTime:  d.StartTime,
			StartAddr:  start,
			WaveLen:    length,
			Gain:       gain,
			TimeFactor: tf,
			Sustain:    d.Sustain,
		})
		prevStart = d.StartTime
	}
	return entries, nil
}
