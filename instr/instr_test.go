package instr

import (
	"errors"
	"testing"

	"github.com/uw-acme/qlaser-zcu/pulse"
)

func TestWavePairRoundTrip(t *testing.T) {
	cases := []struct {
		addr, lo, hi int
	}{
		{0, 0, 0},
		{0, 6, 7},
		{180, 0xFFFF, 0},
		{0xFFFE, 0x1234, 0xABCD},
	}
	for _, c := range cases {
		w, err := EncodeWavePair(3, c.addr, c.lo, c.hi)
		if err != nil {
			t.Fatal(err)
		}
		d, err := Decode(w)
		if err != nil {
			t.Fatal(err)
		}
		ws, ok := d.(WaveSamples)
		if !ok {
			t.Fatalf("expected WaveSamples, got %T", d)
		}
		if ws.Channel != 3 || ws.SampleAddr != c.addr || ws.Lo != c.lo || ws.Hi != c.hi {
			t.Errorf("round trip mismatch: sent (%d,%d,%d), got %+v", c.addr, c.lo, c.hi, ws)
		}
	}
}

func TestWavePairOddAddressRejected(t *testing.T) {
	if _, err := EncodeWavePair(0, 7, 0, 0); err == nil {
		t.Fatal("expected error for odd sample address")
	}
}

func TestWavePairRangeChecks(t *testing.T) {
	var ere EncodingRangeError
	if _, err := EncodeWavePair(32, 0, 0, 0); !errors.As(err, &ere) {
		t.Errorf("channel 32: expected EncodingRangeError, got %v", err)
	}
	if _, err := EncodeWavePair(0, 0x10000, 0, 0); !errors.As(err, &ere) {
		t.Errorf("address 0x10000: expected EncodingRangeError, got %v", err)
	}
	if _, err := EncodeWavePair(0, 0, 0x10000, 0); !errors.As(err, &ere) {
		t.Errorf("sample 0x10000: expected EncodingRangeError, got %v", err)
	}
}

func TestEncodeWaveSamplesPadsOddLength(t *testing.T) {
	words, err := EncodeWaveSamples(0, 0, []int{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(words) != 2 {
		t.Fatalf("expected 2 words for 3 samples, got %d", len(words))
	}
	d, _ := Decode(words[1])
	ws := d.(WaveSamples)
	if ws.Lo != 3 || ws.Hi != 0 {
		t.Errorf("expected padded pair (3, 0), got (%d, %d)", ws.Lo, ws.Hi)
	}
}

func TestPulseEntryRoundTrip(t *testing.T) {
	in := pulse.Entry{
		StartTime:  1234567,
		StartAddr:  0x0ABC,
		WaveLen:    0x0123,
		Gain:       0x8000,
		TimeFactor: 0x0180,
		Sustain:    0x1FFFF,
	}
	words, err := EncodePulseEntry(7, 2, in)
	if err != nil {
		t.Fatal(err)
	}
	ch, slot, out, err := DecodePulseEntry(words)
	if err != nil {
		t.Fatal(err)
	}
	if ch != 7 || slot != 2 {
		t.Errorf("expected channel 7 slot 2, got channel %d slot %d", ch, slot)
	}
	if out != in {
		t.Errorf("round trip mismatch:\nsent %+v\ngot  %+v", in, out)
	}
}

func TestPulseEntrySlotAddressing(t *testing.T) {
	words, err := EncodePulseEntry(0, 3, pulse.Entry{StartTime: 5, WaveLen: 2, Gain: 1, TimeFactor: 256})
	if err != nil {
		t.Fatal(err)
	}
	// slot 3 starts at byte address 48 and the four words follow at
	// stride 4
	for i, w := range words {
		want := uint32(48 + 4*i)
		if w.Addr != want {
			t.Errorf("word %d: expected address %d, got %d", i, want, w.Addr)
		}
	}
}

func TestPulseEntryRangeChecks(t *testing.T) {
	var ere EncodingRangeError
	base := pulse.Entry{StartTime: 5, WaveLen: 2, Gain: 1, TimeFactor: 256}

	e := base
	e.StartTime = 0x01000000
	if _, err := EncodePulseEntry(0, 0, e); !errors.As(err, &ere) {
		t.Errorf("start time beyond 24 bits: expected EncodingRangeError, got %v", err)
	}
	e = base
	e.StartAddr = 0x1000
	if _, err := EncodePulseEntry(0, 0, e); !errors.As(err, &ere) {
		t.Errorf("start address beyond 12 bits: expected EncodingRangeError, got %v", err)
	}
	e = base
	e.WaveLen = 0x1000
	if _, err := EncodePulseEntry(0, 0, e); !errors.As(err, &ere) {
		t.Errorf("wave length beyond 12 bits: expected EncodingRangeError, got %v", err)
	}
	e = base
	e.Sustain = 0x20000
	if _, err := EncodePulseEntry(0, 0, e); !errors.As(err, &ere) {
		t.Errorf("sustain beyond 17 bits: expected EncodingRangeError, got %v", err)
	}
}

func TestWaveWordPacking(t *testing.T) {
	// the on-wire word is hi<<16 | lo at word address addr/2, matching
	// the firmware's RAM layout
	w, err := EncodeWavePair(0, 6, 6, 7)
	if err != nil {
		t.Fatal(err)
	}
	if w.Addr != 3 {
		t.Errorf("expected word address 3 for sample address 6, got %d", w.Addr)
	}
	if w.Data != 7<<16|6 {
		t.Errorf("expected data 0x%08X, got 0x%08X", uint32(7<<16|6), w.Data)
	}
}
