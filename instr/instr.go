// Package instr packs and unpacks the 32-bit instruction words that
// address the qlaser FPGA's wave table and pulse definition RAMs.
//
// The bit layout is fixed by the installed firmware binary and must
// match it exactly; field widths here mirror the hardware generics
// (16-bit wave addresses, 12-bit pulse wave references, 24-bit start
// times, 17-bit sustains).  Encoding never truncates: a field that
// does not fit its width is an EncodingRangeError.
package instr

import (
	"fmt"

	"github.com/uw-acme/qlaser-zcu/pulse"
)

// Target selects which on-device RAM a word addresses
type Target uint8

const (
	// WaveTable words carry two 16-bit amplitude samples
	WaveTable Target = iota

	// PulseDefn words carry one field of a four-word pulse entry slot
	PulseDefn
)

// Field widths fixed by the firmware
const (
	maxChannel   = 31        // 32 pulsed output lanes
	maxSample    = 0xFFFF    // 16-bit amplitude
	maxWaveAddr  = 0xFFFF    // 16-bit sample address space
	maxPulseAddr = 0x0FFF    // 12-bit wave reference fields
	maxStartTime = 0x00FFFFFF // 24-bit start time
	maxSustain   = 0x0001FFFF // 17-bit sustain

	// slotStride is the byte-address distance between pulse entry
	// slots: four 32-bit words
	slotStride = 16
)

// Word is one 32-bit instruction: an address and a payload, tagged by
// target RAM and channel.  It is the unit of serial transmission and
// of readback.
type Word struct {
	Target  Target
	Channel int
	Addr    uint32
	Data    uint32
}

// EncodingRangeError indicates a field too large for its allotted bits
type EncodingRangeError struct {
	Field string
	Value int
	Max   int
}

func (e EncodingRangeError) Error() string {
	return fmt.Sprintf("%s %d exceeds field maximum %d", e.Field, e.Value, e.Max)
}

func checkChannel(ch int) error {
	if ch < 0 || ch > maxChannel {
		return EncodingRangeError{Field: "channel", Value: ch, Max: maxChannel}
	}
	return nil
}

// EncodeWavePair packs two adjacent 16-bit samples into the wave table
// word at the given (even) sample address.  The word address on the
// device is half the sample address.
func EncodeWavePair(channel, sampleAddr, lo, hi int) (Word, error) {
	if err := checkChannel(channel); err != nil {
		return Word{}, err
	}
	if sampleAddr < 0 || sampleAddr > maxWaveAddr {
		return Word{}, EncodingRangeError{Field: "wave sample address", Value: sampleAddr, Max: maxWaveAddr}
	}
	if sampleAddr%2 != 0 {
		return Word{}, fmt.Errorf("wave sample address %d is odd; words hold sample pairs", sampleAddr)
	}
	if lo < 0 || lo > maxSample {
		return Word{}, EncodingRangeError{Field: "wave sample", Value: lo, Max: maxSample}
	}
	if hi < 0 || hi > maxSample {
		return Word{}, EncodingRangeError{Field: "wave sample", Value: hi, Max: maxSample}
	}
	return Word{
		Target:  WaveTable,
		Channel: channel,
		Addr:    uint32(sampleAddr / 2),
		Data:    uint32(hi)<<16 | uint32(lo),
	}, nil
}

// EncodeWaveSamples packs a whole sample table starting at the given
// even sample address into consecutive wave table words.  Odd-length
// tables are padded with a zero sample.
func EncodeWaveSamples(channel, startAddr int, samples []int) ([]Word, error) {
	if len(samples)%2 != 0 {
		samples = append(samples[:len(samples):len(samples)], 0)
	}
	words := make([]Word, 0, len(samples)/2)
	for i := 0; i < len(samples); i += 2 {
		w, err := EncodeWavePair(channel, startAddr+i, samples[i], samples[i+1])
		if err != nil {
			return nil, err
		}
		words = append(words, w)
	}
	return words, nil
}

// EncodePulseEntry packs a compiled pulse entry into the four words of
// pulse definition slot n.  The word order matters to the hardware:
// start time, wave reference, scale factors, sustain.
func EncodePulseEntry(channel, slot int, e pulse.Entry) ([4]Word, error) {
	var out [4]Word
	if err := checkChannel(channel); err != nil {
		return out, err
	}
	if slot < 0 || slotStride*slot > maxWaveAddr {
		return out, EncodingRangeError{Field: "pulse slot", Value: slot, Max: maxWaveAddr / slotStride}
	}
	if e.StartTime < 0 || e.StartTime > maxStartTime {
		return out, EncodingRangeError{Field: "start time", Value: e.StartTime, Max: maxStartTime}
	}
	if e.StartAddr < 0 || e.StartAddr > maxPulseAddr {
		return out, EncodingRangeError{Field: "wave start address", Value: e.StartAddr, Max: maxPulseAddr}
	}
	if e.WaveLen < 0 || e.WaveLen > maxPulseAddr {
		return out, EncodingRangeError{Field: "wave length", Value: e.WaveLen, Max: maxPulseAddr}
	}
	if e.Sustain < 0 || e.Sustain > maxSustain {
		return out, EncodingRangeError{Field: "sustain", Value: e.Sustain, Max: maxSustain}
	}
	base := uint32(slotStride * slot)
	out[0] = Word{Target: PulseDefn, Channel: channel, Addr: base, Data: uint32(e.StartTime)}
	out[1] = Word{Target: PulseDefn, Channel: channel, Addr: base + 4, Data: uint32(e.WaveLen)<<16 | uint32(e.StartAddr)}
	out[2] = Word{Target: PulseDefn, Channel: channel, Addr: base + 8, Data: uint32(e.Gain)<<16 | uint32(e.TimeFactor)}
	out[3] = Word{Target: PulseDefn, Channel: channel, Addr: base + 12, Data: uint32(e.Sustain)}
	return out, nil
}

// Decoded is the tagged union produced by Decode
type Decoded interface {
	decoded()
}

// WaveSamples is a decoded wave table word: two amplitude samples at
// an even sample address
type WaveSamples struct {
	Channel    int
	SampleAddr int
	Lo, Hi     int
}

// PulseStartTime is word 0 of a pulse entry slot
type PulseStartTime struct {
	Channel, Slot, StartTime int
}

// PulseWaveRef is word 1 of a pulse entry slot
type PulseWaveRef struct {
	Channel, Slot, StartAddr, WaveLen int
}

// PulseScale is word 2 of a pulse entry slot
type PulseScale struct {
	Channel, Slot    int
	Gain, TimeFactor uint16
}

// PulseSustain is word 3 of a pulse entry slot
type PulseSustain struct {
	Channel, Slot, Sustain int
}

func (WaveSamples) decoded()    {}
func (PulseStartTime) decoded() {}
func (PulseWaveRef) decoded()   {}
func (PulseScale) decoded()     {}
func (PulseSustain) decoded()   {}

// Decode unpacks a single instruction word back into its fields
func Decode(w Word) (Decoded, error) {
	switch w.Target {
	case WaveTable:
		return WaveSamples{
			Channel:    w.Channel,
			SampleAddr: int(w.Addr) * 2,
			Lo:         int(w.Data & 0xFFFF),
			Hi:         int(w.Data >> 16),
		}, nil
	case PulseDefn:
		slot := int(w.Addr) / slotStride
		switch w.Addr % slotStride {
		case 0:
			return PulseStartTime{Channel: w.Channel, Slot: slot, StartTime: int(w.Data & maxStartTime)}, nil
		case 4:
			return PulseWaveRef{
				Channel:   w.Channel,
				Slot:      slot,
				StartAddr: int(w.Data & maxPulseAddr),
				WaveLen:   int((w.Data >> 16) & maxPulseAddr),
			}, nil
		case 8:
			return PulseScale{
				Channel:    w.Channel,
				Slot:       slot,
				Gain:       uint16(w.Data >> 16),
				TimeFactor: uint16(w.Data & 0xFFFF),
			}, nil
		case 12:
			return PulseSustain{Channel: w.Channel, Slot: slot, Sustain: int(w.Data & maxSustain)}, nil
		default:
			return nil, fmt.Errorf("pulse definition address %d is not 32-bit aligned", w.Addr)
		}
	default:
		return nil, fmt.Errorf("unknown instruction target %d", w.Target)
	}
}

// DecodePulseEntry reassembles a pulse entry from the four words of
// one slot, in the order EncodePulseEntry emits them
func DecodePulseEntry(words [4]Word) (channel, slot int, e pulse.Entry, err error) {
	for i, w := range words {
		d, derr := Decode(w)
		if derr != nil {
			return 0, 0, e, derr
		}
		switch v := d.(type) {
		case PulseStartTime:
			channel, slot, e.StartTime = v.Channel, v.Slot, v.StartTime
		case PulseWaveRef:
			e.StartAddr, e.WaveLen = v.StartAddr, v.WaveLen
		case PulseScale:
			e.Gain, e.TimeFactor = v.Gain, v.TimeFactor
		case PulseSustain:
			e.Sustain = v.Sustain
		default:
			return 0, 0, e, fmt.Errorf("word %d is not part of a pulse entry", i)
		}
	}
	return channel, slot, e, nil
}
