package qlaser

import (
	"fmt"
	"sync"

	"github.com/uw-acme/qlaser-zcu/instr"
	"github.com/uw-acme/qlaser-zcu/pulse"
	"github.com/uw-acme/qlaser-zcu/wavegen"
	"github.com/uw-acme/qlaser-zcu/wavetable"
)

// Controller composes the value conversion, wave table management,
// pulse compilation and instruction encoding layers over one transport
// session.  It tracks a host-side wave table per channel so pulse
// definitions can refer to waveforms by handle instead of raw address.
//
// All methods are safe for concurrent use.  The HTTP layer serves
// requests on concurrent handlers, so the per-channel allocation state
// is guarded the same way the session guards the link.
type Controller struct {
	cfg  Config
	sess *Session

	mu     sync.Mutex
	tables map[int]*wavetable.Table
}

// NewController wires a controller to a session.  The session may be
// connected before or after; controller operations fail cleanly on a
// session that is not Ready.
func NewController(cfg Config, sess *Session) *Controller {
	return &Controller{
		cfg:    cfg,
		sess:   sess,
		tables: make(map[int]*wavetable.Table),
	}
}

// Session returns the underlying transport session
func (c *Controller) Session() *Session {
	return c.sess
}

// table returns the channel's wave table, creating it on first use.
// The caller holds c.mu.
func (c *Controller) table(channel int) *wavetable.Table {
	t, ok := c.tables[channel]
	if !ok {
		t = wavetable.New(c.cfg.WaveRAMSize)
		c.tables[channel] = t
	}
	return t
}

func (c *Controller) policy() pulse.Policy {
	return pulse.Policy{
		MinStartGap:      c.cfg.MinPulseSpacing,
		GapBetweenPulses: !c.cfg.GapFirstPulseOnly,
	}
}

// LoadWaveform places discrete samples into a channel's wave table and
// writes them to the device, returning a handle for use in pulse
// definitions.  keepPrevious false discards all earlier waveforms on
// the channel; true appends after them.
func (c *Controller) LoadWaveform(channel int, samples []int, keepPrevious bool) (wavetable.Handle, error) {
	if err := checkChannelArg(channel); err != nil {
		return wavetable.Handle{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.table(channel).Allocate(samples, keepPrevious)
	if err != nil {
		return wavetable.Handle{}, err
	}
	return h, c.writeWaveform(channel, h)
}

// LoadPolynomial evaluates a polynomial shape description into length
// samples and loads them as a waveform
func (c *Controller) LoadPolynomial(channel int, coeffs []float64, length int, keepPrevious bool) (wavetable.Handle, error) {
	if err := checkChannelArg(channel); err != nil {
		return wavetable.Handle{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.table(channel).Generate(coeffs, length, keepPrevious)
	if err != nil {
		return wavetable.Handle{}, err
	}
	return h, c.writeWaveform(channel, h)
}

// writeWaveform transmits a stored waveform.  The caller holds c.mu.
func (c *Controller) writeWaveform(channel int, h wavetable.Handle) error {
	samples, err := c.table(channel).Samples(h)
	if err != nil {
		return err
	}
	words, err := instr.EncodeWaveSamples(channel, h.Start, samples)
	if err != nil {
		return err
	}
	return c.sess.WriteWords(words)
}

// ReadBackWaveform reads a waveform's samples back out of the device
// wave RAM
func (c *Controller) ReadBackWaveform(channel int, h wavetable.Handle) ([]int, error) {
	c.mu.Lock()
	start, length := c.table(channel).Resolve(h)
	c.mu.Unlock()
	// two samples per word; an odd-length wave shares its last word
	// with a zero pad
	nwords := (length + 1) / 2
	words, err := c.sess.ReadWords(instr.WaveTable, channel, uint32(start)/2, nwords)
	if err != nil {
		return nil, err
	}
	readback := make([]int, 0, nwords*2)
	for _, w := range words {
		d, err := instr.Decode(w)
		if err != nil {
			return nil, err
		}
		pair, ok := d.(instr.WaveSamples)
		if !ok {
			return nil, fmt.Errorf("unexpected decode %T for wave RAM word", d)
		}
		readback = append(readback, pair.Lo, pair.Hi)
	}
	return readback[:length], nil
}

// VerifyWaveform reads a waveform back from the device and checks it
// against the checksum recorded when the handle was issued
func (c *Controller) VerifyWaveform(channel int, h wavetable.Handle) error {
	readback, err := c.ReadBackWaveform(channel, h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table(channel).Verify(h, readback)
}

// SetPulses compiles an ordered list of pulse definitions against a
// channel's wave table, writes the resulting entries to the device and
// programs the sequence length.  Compilation is all or nothing; if any
// definition is invalid, nothing is transmitted.
func (c *Controller) SetPulses(channel int, defs []pulse.Definition, seqLen int) error {
	if err := checkChannelArg(channel); err != nil {
		return err
	}
	if len(defs) > c.cfg.PulseSlots {
		return fmt.Errorf("%d pulse definitions exceed the %d available slots", len(defs), c.cfg.PulseSlots)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := pulse.Compile(defs, seqLen, c.policy(), c.table(channel))
	if err != nil {
		return err
	}
	words := make([]instr.Word, 0, len(entries)*4)
	for slot, e := range entries {
		ws, err := instr.EncodePulseEntry(channel, slot, e)
		if err != nil {
			return err
		}
		words = append(words, ws[:]...)
	}
	if err := c.sess.WriteWords(words); err != nil {
		return err
	}
	return c.sess.SetSequenceLength(channel, seqLen)
}

// ReadPulseEntry reads one pulse definition slot back from the device
func (c *Controller) ReadPulseEntry(channel, slot int) (pulse.Entry, error) {
	if slot < 0 || slot >= c.cfg.PulseSlots {
		return pulse.Entry{}, fmt.Errorf("pulse slot %d outside [0, %d)", slot, c.cfg.PulseSlots)
	}
	words, err := c.sess.ReadWords(instr.PulseDefn, channel, uint32(slot*16), 4)
	if err != nil {
		return pulse.Entry{}, err
	}
	var quad [4]instr.Word
	copy(quad[:], words)
	_, _, e, err := instr.DecodePulseEntry(quad)
	return e, err
}

// WriteDCVoltage converts a voltage to a converter code and writes it
// to a static DC channel.  Out-of-range voltages are rejected before
// anything is transmitted.
func (c *Controller) WriteDCVoltage(index int, voltage float64) error {
	code, err := wavegen.VoltageToCode(voltage, c.cfg.VRef, c.cfg.DACBits)
	if err != nil {
		return err
	}
	return c.sess.WriteDC(index, code)
}

// EnableChannels sets bits in the device channel enable mask
func (c *Controller) EnableChannels(mask uint32) error {
	return c.sess.EnableChannels(mask)
}

// DisableChannels clears bits in the device channel enable mask
func (c *Controller) DisableChannels(mask uint32) error {
	return c.sess.DisableChannels(mask)
}

// Trigger starts the programmed pulse sequence
func (c *Controller) Trigger() error {
	return c.sess.Trigger()
}

// Reset soft-resets the device and discards host-side wave table state
func (c *Controller) Reset() error {
	if err := c.sess.Reset(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[int]*wavetable.Table)
	return nil
}

// ReadErrorStatus reads the device's channel error registers
func (c *Controller) ReadErrorStatus() (uint16, error) {
	return c.sess.ReadErrorStatus()
}
