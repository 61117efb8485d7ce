/*Package qlaser controls the ZCU-series FPGA waveform generator used
to drive the laser hardware.

The device exposes 32 pulsed output channels, each with its own wave
table RAM (discrete amplitude samples) and pulse definition RAM (an
ordered, accumulative list of scheduled pulses), plus a bank of static
DC converter channels.  This package owns the serial protocol to the
FPGA console, a session state machine that gates every RAM and
register operation behind a firmware version handshake, and a
Controller that compiles user waveform and pulse specifications into
instruction words and drives them through a session.

The serial link is a strict mutual exclusion resource.  A Session
serializes all operations behind an internal mutex; callers that need
fan-out must funnel their requests through one Session.
*/
package qlaser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/uw-acme/qlaser-zcu/comm"
	"github.com/uw-acme/qlaser-zcu/instr"
	"github.com/uw-acme/qlaser-zcu/util"
	"github.com/uw-acme/qlaser-zcu/wavegen"
)

// State is the lifecycle state of a transport session
type State int

// session states; the happy path is Disconnected -> Connecting ->
// VersionCheck -> Ready, with Ready <-> Busy around each operation.
// Incompatible and Faulted are terminal until Reconnect.
const (
	Disconnected State = iota
	Connecting
	VersionCheck
	Ready
	Busy
	Incompatible
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case VersionCheck:
		return "VersionCheck"
	case Ready:
		return "Ready"
	case Busy:
		return "Busy"
	case Incompatible:
		return "Incompatible"
	case Faulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// VersionMismatchError indicates the device firmware does not match
// the protocol version this package was built against.  The session is
// unusable until a Reconnect finds compatible firmware.
type VersionMismatchError struct {
	Expected, Got string
}

func (e VersionMismatchError) Error() string {
	return fmt.Sprintf("firmware version %q incompatible with expected %q", e.Got, e.Expected)
}

var (
	// ErrFaulted is returned for any operation on a session that hit an
	// I/O failure; the device state is unknown and only an explicit
	// Reconnect recovers
	ErrFaulted = errors.New("session faulted after I/O failure; Reconnect before further use")

	// ErrNotReady is returned for operations on a session that has not
	// completed Connect
	ErrNotReady = errors.New("session is not connected")
)

// Config holds every externally supplied parameter the controller
// consumes.  Nothing in this package reads ambient global state.
type Config struct {
	// Port is the serial port name; empty means auto-detect using
	// Lister and PortKeyword
	Port string

	// Baud is the serial baud rate
	Baud int

	// ReadTimeout bounds each read on the byte stream; an expired
	// timeout faults the session
	ReadTimeout time.Duration

	// Lister enumerates host serial ports for auto-detection
	Lister comm.PortLister

	// PortKeyword selects among enumerated ports by description
	PortKeyword string

	// VRef is the DC converter reference voltage
	VRef float64

	// DACBits is the DC converter resolution
	DACBits int

	// WaveRAMSize is the per-channel wave table size in samples
	WaveRAMSize int

	// PulseSlots is the per-channel pulse definition RAM size in entries
	PulseSlots int

	// MinPulseSpacing is the minimum number of time units before each
	// pulse start; GapFirstPulseOnly relaxes it to the first pulse
	MinPulseSpacing   int
	GapFirstPulseOnly bool

	// ExpectedVersion is the firmware line this package speaks, e.g.
	// "1.x"; compatibility is by major version
	ExpectedVersion string
}

// DefaultConfig returns the configuration for the lab's standard setup
func DefaultConfig() Config {
	return Config{
		Baud:            DefaultBaud,
		ReadTimeout:     time.Second,
		PortKeyword:     DefaultPortKeyword,
		VRef:            DefaultVRef,
		DACBits:         DefaultDACBits,
		WaveRAMSize:     DefaultWaveRAMSize,
		PulseSlots:      DefaultPulseSlots,
		MinPulseSpacing: 5,
		ExpectedVersion: DefaultFirmwareLine,
	}
}

// Session is the transport state machine over the serial link to one
// FPGA.  All methods are safe for concurrent use; operations are
// serialized internally because the link admits one in-flight
// operation at a time.
type Session struct {
	cfg Config
	dev comm.Communicator

	mu       sync.Mutex
	state    State
	version  string
	selected int    // currently selected channel, -1 if unknown
	enabled  uint32 // host-side image of the channel enable mask
}

// NewSession creates a session in the Disconnected state
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg, state: Disconnected, selected: -1}
}

// newSessionOver wires a session to an existing communicator (the
// device simulator in tests)
func newSessionOver(cfg Config, dev comm.Communicator) *Session {
	return &Session{cfg: cfg, dev: dev, state: Disconnected, selected: -1}
}

// State returns the session's current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FirmwareVersion returns the version string reported by the device
// during the handshake, or empty if the handshake has not run
func (s *Session) FirmwareVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Connect resolves the serial port, opens the byte stream and performs
// the version handshake.  A firmware mismatch leaves the session in
// Incompatible; every subsequent RAM or register operation then fails
// with VersionMismatchError without touching the byte stream.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *Session) connectLocked() error {
	s.state = Connecting
	if s.dev == nil {
		name := s.cfg.Port
		if name == "" {
			var err error
			name, err = comm.AutoDetect(s.cfg.Lister, s.cfg.PortKeyword)
			if err != nil {
				s.state = Disconnected
				return err
			}
		}
		rd := comm.NewSerialDevice(&serial.Config{
			Name:        name,
			Baud:        s.cfg.Baud,
			ReadTimeout: s.cfg.ReadTimeout,
		})
		s.dev = &rd
	}
	if err := s.dev.Open(); err != nil {
		s.state = Disconnected
		return err
	}
	// the console boots with command echo on, which would corrupt
	// response parsing
	if err := s.dev.Send([]byte{'0', cmdEcho}); err != nil {
		s.state = Faulted
		return err
	}
	s.state = VersionCheck
	resp, err := s.dev.SendRecv([]byte{cmdVersion})
	if err != nil {
		s.state = Faulted
		return err
	}
	s.version = parseVersion(string(resp))
	if !versionCompatible(s.cfg.ExpectedVersion, s.version) {
		s.state = Incompatible
		return VersionMismatchError{Expected: s.cfg.ExpectedVersion, Got: s.version}
	}
	s.state = Ready
	s.selected = -1
	// the mask image starts cleared; Connect is always followed by
	// explicit enables (and Reset clears the register on the device)
	s.enabled = 0
	return nil
}

// Reconnect closes any existing connection and runs Connect again.  It
// is the only way out of the Faulted and Incompatible states.
func (s *Session) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		s.dev.Close()
	}
	s.state = Disconnected
	return s.connectLocked()
}

// Close tears the session down
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Disconnected
	if s.dev == nil {
		return nil
	}
	return s.dev.Close()
}

// parseVersion extracts "major.minor" from a version response line,
// which may carry a textual prefix ("QLASER v1.4")
func parseVersion(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.LastIndexByte(line, ' '); i >= 0 {
		line = line[i+1:]
	}
	return strings.TrimPrefix(line, "v")
}

// versionCompatible compares major versions; "1.x" accepts any 1.n
func versionCompatible(expected, got string) bool {
	major := func(s string) string {
		if i := strings.IndexByte(s, '.'); i >= 0 {
			return s[:i]
		}
		return s
	}
	gm := major(got)
	if gm == "" || got == "" {
		return false
	}
	if _, err := strconv.Atoi(gm); err != nil {
		return false
	}
	return major(expected) == gm
}

// do runs one operation with the Ready -> Busy -> Ready transition.
// Errors returned by op are I/O failures by construction (all value
// validation happens before do) and fault the session.
func (s *Session) do(op func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Incompatible:
		return VersionMismatchError{Expected: s.cfg.ExpectedVersion, Got: s.version}
	case Faulted:
		return ErrFaulted
	case Ready:
	default:
		return ErrNotReady
	}
	s.state = Busy
	if err := op(); err != nil {
		// the device may have applied part of the operation; its state
		// is unknown, not rolled back
		s.state = Faulted
		return err
	}
	s.state = Ready
	return nil
}

// sendUint writes an ASCII decimal argument followed by a command byte
func (s *Session) sendUint(v uint64, cmd byte) error {
	b := strconv.AppendUint(nil, v, 10)
	return s.dev.Send(append(b, cmd))
}

// writeWord latches a word's data, then writes it to the word's RAM at
// the word's address.  The caller has already selected the channel.
func (s *Session) writeWord(w instr.Word) error {
	if err := s.sendUint(uint64(w.Data), cmdSetData); err != nil {
		return err
	}
	cmd := byte(cmdWaveWr)
	if w.Target == instr.PulseDefn {
		cmd = cmdPulseWr
	}
	return s.sendUint(uint64(w.Addr), cmd)
}

// selectChannel issues a channel select if the device is not already
// configured for the wanted channel
func (s *Session) selectChannel(ch int) error {
	if s.selected == ch {
		return nil
	}
	if err := s.sendUint(uint64(ch), cmdChanSel); err != nil {
		return err
	}
	s.selected = ch
	return nil
}

// WriteWords transmits a batch of instruction words, grouping channel
// selects.  Validation belongs to the encoder; by the time words reach
// here they are address-correct.
func (s *Session) WriteWords(words []instr.Word) error {
	return s.do(func() error {
		for _, w := range words {
			if err := s.selectChannel(w.Channel); err != nil {
				return err
			}
			if err := s.writeWord(w); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadWords reads n consecutive words from the given RAM on one
// channel, starting at a device word address (wave table) or byte
// address (pulse definition RAM), returning address-tagged words
func (s *Session) ReadWords(target instr.Target, channel int, startAddr uint32, n int) ([]instr.Word, error) {
	if err := checkChannelArg(channel); err != nil {
		return nil, err
	}
	cmd := byte(cmdWaveRd)
	stride := uint32(1)
	if target == instr.PulseDefn {
		cmd = cmdPulseRd
		stride = 4
	}
	out := make([]instr.Word, 0, n)
	err := s.do(func() error {
		if err := s.selectChannel(channel); err != nil {
			return err
		}
		addr := startAddr
		for i := 0; i < n; i++ {
			if err := s.sendUint(uint64(addr), cmd); err != nil {
				return err
			}
			line, err := s.dev.Recv()
			if err != nil {
				return err
			}
			data, err := strconv.ParseUint(strings.TrimSpace(string(line)), 10, 32)
			if err != nil {
				return fmt.Errorf("malformed RAM read response %q: %w", line, err)
			}
			out = append(out, instr.Word{Target: target, Channel: channel, Addr: addr, Data: uint32(data)})
			addr += stride
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetSequenceLength sets the total time window for a channel's pulse
// sequence, in time units
func (s *Session) SetSequenceLength(channel, seqLen int) error {
	if err := checkChannelArg(channel); err != nil {
		return err
	}
	if seqLen < 0 {
		return fmt.Errorf("sequence length %d is negative", seqLen)
	}
	return s.do(func() error {
		if err := s.selectChannel(channel); err != nil {
			return err
		}
		return s.sendUint(uint64(seqLen), cmdSeqLen)
	})
}

// EnableChannels sets the given bits in the channel enable mask.  The
// firmware command sets the whole mask, so the session tracks the mask
// host-side; it is the only writer once connected.
func (s *Session) EnableChannels(mask uint32) error {
	return s.do(func() error {
		next := s.enabled | mask
		if err := s.sendUint(uint64(next), cmdChanEn); err != nil {
			return err
		}
		s.enabled = next
		return nil
	})
}

// DisableChannels clears the given bits from the channel enable mask
func (s *Session) DisableChannels(mask uint32) error {
	return s.do(func() error {
		next := s.enabled &^ mask
		if err := s.sendUint(uint64(next), cmdChanEn); err != nil {
			return err
		}
		s.enabled = next
		return nil
	})
}

// Trigger starts the pulse sequence on the enabled channels
func (s *Session) Trigger() error {
	return s.do(func() error {
		return s.dev.Send([]byte{cmdTrigger})
	})
}

// Reset soft-resets the FPGA data path and re-seeds the first pulse
// definition slot on every channel, so no register is left with
// garbage after the reset
func (s *Session) Reset() error {
	return s.do(func() error {
		if err := s.dev.Send([]byte{cmdReset}); err != nil {
			return err
		}
		s.selected = -1
		s.enabled = 0
		if err := s.selectChannel(ChannelAll); err != nil {
			return err
		}
		for _, w := range resetSentinel() {
			if err := s.writeWord(w); err != nil {
				return err
			}
		}
		return nil
	})
}

// resetSentinel is the slot-0 entry written after a reset: a pulse at
// the far end of time with benign scale factors
func resetSentinel() [4]instr.Word {
	return [4]instr.Word{
		{Target: instr.PulseDefn, Channel: ChannelAll, Addr: 0, Data: 0x00FFFFFF},
		{Target: instr.PulseDefn, Channel: ChannelAll, Addr: 4, Data: 2 << 16},
		{Target: instr.PulseDefn, Channel: ChannelAll, Addr: 8, Data: 0x8000<<16 | 0x0100},
		{Target: instr.PulseDefn, Channel: ChannelAll, Addr: 12, Data: 0},
	}
}

// gpoRead reads the general purpose output register.  The console
// shares this command with its real-time debug output, formatted as
// "<message>: 0x<value>"; the value is the part we want.
func (s *Session) gpoRead() (uint32, error) {
	line, err := s.dev.SendRecv([]byte{cmdGPIORead})
	if err != nil {
		return 0, err
	}
	parts := strings.Split(string(line), "0x")
	if len(parts) < 2 {
		return 0, fmt.Errorf("malformed GPO response %q", line)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(parts[len(parts)-1]), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed GPO response %q: %w", line, err)
	}
	return uint32(v), nil
}

// ReadErrorStatus reads the channel error registers.  The firmware
// answers two consecutive GPO reads: the low error byte sits in bits
// 0-7 of the first, the high error byte in bits 8-15 of the second.
func (s *Session) ReadErrorStatus() (uint16, error) {
	var status uint16
	err := s.do(func() error {
		first, err := s.gpoRead()
		if err != nil {
			return err
		}
		second, err := s.gpoRead()
		if err != nil {
			return err
		}
		lo := uint16(first & 0xFF)
		hi := uint16(second >> ErrBitsPerChannel & 0xFF)
		status = hi<<ErrBitsPerChannel | lo
		return nil
	})
	return status, err
}

// WriteDC writes a raw code to a static DC converter channel.  The
// code is range checked against the converter's bit depth before any
// bytes hit the wire.
func (s *Session) WriteDC(index, code int) error {
	if index < 0 || index >= NumChanDC {
		return fmt.Errorf("DC channel %d outside [0, %d)", index, NumChanDC)
	}
	max := 1<<uint(s.cfg.DACBits) - 1
	if code < 0 || code > max {
		return wavegen.RangeError{What: "DC code", Value: float64(code), Low: 0, High: float64(max)}
	}
	return s.do(func() error {
		if err := s.sendUint(uint64(code), cmdSetData); err != nil {
			return err
		}
		return s.sendUint(uint64(index), cmdDCWrite)
	})
}

// ErrorChannels lists the channel indices flagged in an error status
// word, one bit per channel
func ErrorChannels(status uint16) []int {
	out := []int{}
	for ch := uint(0); ch < 16; ch++ {
		if util.GetBit(status, ch) {
			out = append(out, int(ch))
		}
	}
	return out
}

func checkChannelArg(ch int) error {
	if ch == ChannelAll {
		return nil
	}
	if ch < 0 || ch >= MaxChannels {
		return fmt.Errorf("channel %d outside [0, %d)", ch, MaxChannels)
	}
	return nil
}
