package qlaser

import (
	"bytes"
	"fmt"
	"sync"
)

// Simulator is an in-memory stand-in for the FPGA console.  It speaks
// the same byte protocol as the hardware, keeps per-channel wave and
// pulse RAM images, and satisfies comm.Communicator so it can back a
// Session in tests or when the server runs without hardware attached.
type Simulator struct {
	// Version is the firmware string reported to a version query
	Version string

	// Err, when set, is returned by the next Send or Recv and then
	// cleared, to exercise I/O failure paths
	Err error

	sync.Mutex
	arg      uint32
	haveArg  bool
	resp     bytes.Buffer
	latch    uint32
	selected int
	enabled  uint32
	errFlags uint32
	seqLen   map[int]uint32
	waveRAM  map[int][]uint32
	pulseRAM map[int][]uint32
	trigs    int
	resets   int
}

// NewSimulatedSession returns a session backed by a fresh Simulator
// instead of a serial port
func NewSimulatedSession(cfg Config) *Session {
	return newSessionOver(cfg, NewSimulator())
}

// NewSimulator returns a simulator with RAM sized like the lab board
func NewSimulator() *Simulator {
	return &Simulator{
		Version:  "QLASER v1.4",
		selected: 0,
		seqLen:   map[int]uint32{},
		waveRAM:  map[int][]uint32{},
		pulseRAM: map[int][]uint32{},
	}
}

// Open is a no-op; the simulator is always reachable
func (sim *Simulator) Open() error { return nil }

// Close is a no-op
func (sim *Simulator) Close() error { return nil }

// TxTerminator mirrors the hardware console
func (sim *Simulator) TxTerminator() byte { return '\n' }

// RxTerminator mirrors the hardware console
func (sim *Simulator) RxTerminator() byte { return '\n' }

// Triggers reports how many trigger commands the simulator has seen
func (sim *Simulator) Triggers() int {
	sim.Lock()
	defer sim.Unlock()
	return sim.trigs
}

// Resets reports how many soft resets the simulator has seen
func (sim *Simulator) Resets() int {
	sim.Lock()
	defer sim.Unlock()
	return sim.resets
}

// SetErrorFlags sets the 16-bit channel error word the GPO readout
// reports, one bit per flagged channel
func (sim *Simulator) SetErrorFlags(flags uint16) {
	sim.Lock()
	defer sim.Unlock()
	sim.errFlags = uint32(flags)
}

// EnabledMask reports the current channel enable mask
func (sim *Simulator) EnabledMask() uint32 {
	sim.Lock()
	defer sim.Unlock()
	return sim.enabled
}

// SequenceLength reports the sequence length programmed on a channel
func (sim *Simulator) SequenceLength(channel int) uint32 {
	sim.Lock()
	defer sim.Unlock()
	return sim.seqLen[channel]
}

// WaveWord reports a word of a channel's wave RAM image
func (sim *Simulator) WaveWord(channel int, addr uint32) uint32 {
	sim.Lock()
	defer sim.Unlock()
	return sim.ramRead(sim.waveRAM, channel, addr)
}

// PulseWord reports a word of a channel's pulse RAM image, addressed
// in bytes as on the hardware
func (sim *Simulator) PulseWord(channel int, byteAddr uint32) uint32 {
	sim.Lock()
	defer sim.Unlock()
	return sim.ramRead(sim.pulseRAM, channel, byteAddr/4)
}

// Send consumes protocol bytes: decimal digits accumulate an argument,
// any other byte is a command executed with that argument
func (sim *Simulator) Send(b []byte) error {
	sim.Lock()
	defer sim.Unlock()
	if sim.Err != nil {
		err := sim.Err
		sim.Err = nil
		return err
	}
	for _, c := range b {
		if c >= '0' && c <= '9' {
			sim.arg = sim.arg*10 + uint32(c-'0')
			sim.haveArg = true
			continue
		}
		sim.exec(c)
		sim.arg = 0
		sim.haveArg = false
	}
	return nil
}

// Recv returns the next queued response line
func (sim *Simulator) Recv() ([]byte, error) {
	sim.Lock()
	defer sim.Unlock()
	if sim.Err != nil {
		err := sim.Err
		sim.Err = nil
		return nil, err
	}
	line, err := sim.resp.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("no response pending")
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// SendRecv sends a command and returns its response line
func (sim *Simulator) SendRecv(b []byte) ([]byte, error) {
	if err := sim.Send(b); err != nil {
		return nil, err
	}
	return sim.Recv()
}

func (sim *Simulator) exec(cmd byte) {
	switch cmd {
	case cmdEcho:
		// the session always runs with echo off
	case cmdVersion:
		fmt.Fprintf(&sim.resp, "%s\n", sim.Version)
	case cmdChanSel:
		sim.selected = int(sim.arg)
	case cmdChanEn:
		sim.enabled = sim.arg
	case cmdSeqLen:
		sim.seqLen[sim.selected] = sim.arg
	case cmdSetData:
		sim.latch = sim.arg
	case cmdWaveWr:
		sim.ramWrite(sim.waveRAM, sim.arg)
	case cmdPulseWr:
		sim.ramWrite(sim.pulseRAM, sim.arg/4)
	case cmdWaveRd:
		fmt.Fprintf(&sim.resp, "%d\n", sim.ramRead(sim.waveRAM, sim.selected, sim.arg))
	case cmdPulseRd:
		fmt.Fprintf(&sim.resp, "%d\n", sim.ramRead(sim.pulseRAM, sim.selected, sim.arg/4))
	case cmdGPIORead:
		fmt.Fprintf(&sim.resp, "gpo: 0x%04X\n", sim.errFlags)
	case cmdTrigger:
		sim.trigs++
	case cmdReset:
		sim.resets++
		sim.selected = 0
		sim.enabled = 0
		sim.errFlags = 0
		sim.waveRAM = map[int][]uint32{}
		sim.pulseRAM = map[int][]uint32{}
	}
}

func (sim *Simulator) ramWrite(ram map[int][]uint32, wordAddr uint32) {
	chans := []int{sim.selected}
	if sim.selected == ChannelAll {
		chans = chans[:0]
		for ch := 0; ch < MaxChannels; ch++ {
			chans = append(chans, ch)
		}
	}
	for _, ch := range chans {
		img := ram[ch]
		for uint32(len(img)) <= wordAddr {
			img = append(img, 0)
		}
		img[wordAddr] = sim.latch
		ram[ch] = img
	}
}

func (sim *Simulator) ramRead(ram map[int][]uint32, channel int, wordAddr uint32) uint32 {
	img := ram[channel]
	if wordAddr >= uint32(len(img)) {
		return 0
	}
	return img[wordAddr]
}
