// Package wavetable manages the allocation of waveform sample data in
// the per-channel wave table RAM of the qlaser FPGA.
//
// The hardware RAM is a flat array of 16-bit amplitude samples with no
// deallocation; this package models it as a bump allocator with an
// explicit reset.  Allocations simply advance a cursor, and a new
// "generation" begins when a caller allocates with keepPrevious=false,
// which rewinds the cursor to zero.
//
// Waveforms are referred to by Handle, a plain value holding the start
// address and length.  A Handle is not a live reference into the table;
// it stays resolvable (it is just numbers) even after the table resets,
// which is what the pulse compiler relies on.
package wavetable

import (
	"encoding/binary"
	"fmt"

	"github.com/snksoft/crc"

	"github.com/uw-acme/qlaser-zcu/wavegen"
)

var crcTable = crc.NewTable(crc.XMODEM)

// Handle identifies an allocated waveform by its position in wave RAM.
// Checksum is a CRC-16/XMODEM over the stored samples and is used to
// verify readback data against what was allocated.
type Handle struct {
	Start    int
	Len      int
	Checksum uint16
}

// CapacityError indicates the wave table RAM cannot hold an allocation
type CapacityError struct {
	Start, Len, Capacity int
}

func (e CapacityError) Error() string {
	return fmt.Sprintf("wave table overflow: start %d + length %d exceeds RAM size %d", e.Start, e.Len, e.Capacity)
}

// ErrUnknownHandle is returned when verifying a handle the table has no record of
var ErrUnknownHandle = fmt.Errorf("handle does not belong to the current wave table generation")

type allocation struct {
	start   int
	samples []int
}

// Table is the allocator for one channel's wave table RAM.  It is not
// safe for concurrent use; the owner must serialize access, the same
// way the serial link itself is serialized.
type Table struct {
	capacity int
	cursor   int
	live     []allocation
}

// New creates a Table over a RAM of the given size in samples
func New(capacity int) *Table {
	return &Table{capacity: capacity}
}

// Allocate stores samples in the table and returns a handle to them.
// If keepPrevious is false the allocation cursor rewinds to zero first,
// invalidating every earlier waveform on this channel; otherwise the
// new waveform is appended after the current high-water mark.
//
// An odd-length waveform occupies one extra zero-padded sample of RAM
// because the hardware stores two samples per RAM word, so start
// addresses stay even.  The pad is a storage artifact only: the
// handle's Len is the requested length, which is what the pulse
// hardware plays.
func (t *Table) Allocate(samples []int, keepPrevious bool) (Handle, error) {
	for i, s := range samples {
		if s < 0 || s > 0xFFFF {
			return Handle{}, wavegen.RangeError{What: fmt.Sprintf("wave sample %d", i), Value: float64(s), Low: 0, High: 0xFFFF}
		}
	}
	if !keepPrevious {
		t.cursor = 0
		t.live = t.live[:0]
	}
	footprint := len(samples) + len(samples)%2
	start := t.cursor
	if start+footprint > t.capacity {
		return Handle{}, CapacityError{Start: start, Len: footprint, Capacity: t.capacity}
	}
	t.cursor = start + footprint
	cp := make([]int, len(samples))
	copy(cp, samples)
	t.live = append(t.live, allocation{start: start, samples: cp})
	return Handle{Start: start, Len: len(samples), Checksum: checksum(samples)}, nil
}

// Generate evaluates a polynomial waveform description and allocates
// the resulting samples.  See wavegen.Polynomial for the evaluation
// and quantization rules.
func (t *Table) Generate(coeffs []float64, length int, keepPrevious bool) (Handle, error) {
	return t.Allocate(wavegen.Polynomial(coeffs, length), keepPrevious)
}

// Resolve maps a handle to its (start address, length) pair.  It never
// fails; handles are plain values and resolve even after a reset.
func (t *Table) Resolve(h Handle) (start, length int) {
	return h.Start, h.Len
}

// Samples returns a copy of the stored sample data for a handle from
// the current generation, or ErrUnknownHandle if the handle predates
// the last reset.
func (t *Table) Samples(h Handle) ([]int, error) {
	for _, a := range t.live {
		if a.start == h.Start && len(a.samples) == h.Len {
			out := make([]int, len(a.samples))
			copy(out, a.samples)
			return out, nil
		}
	}
	return nil, ErrUnknownHandle
}

// Verify checks readback data against the checksum carried by a handle
func (t *Table) Verify(h Handle, readback []int) error {
	if len(readback) != h.Len {
		return fmt.Errorf("readback length %d does not match handle length %d", len(readback), h.Len)
	}
	if cs := checksum(readback); cs != h.Checksum {
		return fmt.Errorf("readback checksum %04X does not match handle checksum %04X", cs, h.Checksum)
	}
	return nil
}

// HighWater returns the current allocation cursor in samples
func (t *Table) HighWater() int {
	return t.cursor
}

// Capacity returns the RAM size in samples
func (t *Table) Capacity() int {
	return t.capacity
}

func checksum(samples []int) uint16 {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(s))
	}
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, buf)
	return crcTable.CRC16(crcUint)
}
