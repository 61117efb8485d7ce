package qlaser

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/uw-acme/qlaser-zcu/instr"
	"github.com/uw-acme/qlaser-zcu/wavegen"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = "sim"
	return cfg
}

func connectedSession(t *testing.T) (*Session, *Simulator) {
	t.Helper()
	sim := NewSimulator()
	s := newSessionOver(testConfig(), sim)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, sim
}

func TestConnectReachesReady(t *testing.T) {
	s, _ := connectedSession(t)
	if s.State() != Ready {
		t.Errorf("state after Connect = %v, want Ready", s.State())
	}
	if v := s.FirmwareVersion(); v != "1.4" {
		t.Errorf("FirmwareVersion = %q, want 1.4", v)
	}
}

func TestConnectVersionMismatch(t *testing.T) {
	sim := NewSimulator()
	sim.Version = "QLASER v2.0"
	s := newSessionOver(testConfig(), sim)
	err := s.Connect()
	var vm VersionMismatchError
	if !errors.As(err, &vm) {
		t.Fatalf("Connect with v2.0 firmware: err = %v, want VersionMismatchError", err)
	}
	if s.State() != Incompatible {
		t.Errorf("state = %v, want Incompatible", s.State())
	}
	// every subsequent operation fails the same way without touching
	// the device
	trigsBefore := sim.Triggers()
	if err := s.Trigger(); !errors.As(err, &vm) {
		t.Errorf("Trigger on incompatible session: err = %v, want VersionMismatchError", err)
	}
	if sim.Triggers() != trigsBefore {
		t.Error("incompatible session transmitted a trigger command")
	}
}

func TestVersionCompatible(t *testing.T) {
	cases := []struct {
		expected, got string
		want          bool
	}{
		{"1.x", "1.4", true},
		{"1.x", "1.0", true},
		{"1.x", "2.0", false},
		{"1.x", "0.9", false},
		{"1.x", "", false},
		{"1.x", "garbage", false},
	}
	for _, c := range cases {
		if got := versionCompatible(c.expected, c.got); got != c.want {
			t.Errorf("versionCompatible(%q, %q) = %v, want %v", c.expected, c.got, got, c.want)
		}
	}
}

func TestParseVersion(t *testing.T) {
	cases := []struct {
		line, want string
	}{
		{"QLASER v1.4", "1.4"},
		{"v1.4", "1.4"},
		{"1.4", "1.4"},
		{"FPGA console v2.0\r", "2.0"},
	}
	for _, c := range cases {
		if got := parseVersion(c.line); got != c.want {
			t.Errorf("parseVersion(%q) = %q, want %q", c.line, got, c.want)
		}
	}
}

func TestIOFailureFaultsSession(t *testing.T) {
	s, sim := connectedSession(t)
	sim.Err = io.ErrUnexpectedEOF
	if err := s.Trigger(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Trigger with broken link: err = %v, want ErrUnexpectedEOF", err)
	}
	if s.State() != Faulted {
		t.Errorf("state after I/O failure = %v, want Faulted", s.State())
	}
	if err := s.Trigger(); !errors.Is(err, ErrFaulted) {
		t.Errorf("Trigger on faulted session: err = %v, want ErrFaulted", err)
	}
	// Reconnect is the only way back
	if err := s.Reconnect(); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if s.State() != Ready {
		t.Errorf("state after Reconnect = %v, want Ready", s.State())
	}
	if err := s.Trigger(); err != nil {
		t.Errorf("Trigger after Reconnect: %v", err)
	}
}

func TestOperationsRequireConnect(t *testing.T) {
	s := newSessionOver(testConfig(), NewSimulator())
	if err := s.Trigger(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Trigger before Connect: err = %v, want ErrNotReady", err)
	}
}

func TestWriteDCRangeCheckPrecedesTransmission(t *testing.T) {
	s, _ := connectedSession(t)
	err := s.WriteDC(0, 4096) // 12 bit converter tops out at 4095
	var re wavegen.RangeError
	if !errors.As(err, &re) {
		t.Fatalf("WriteDC(0, 4096): err = %v, want RangeError", err)
	}
	if s.State() != Ready {
		t.Errorf("state after rejected write = %v, want Ready (nothing transmitted)", s.State())
	}
	if err := s.WriteDC(0, 4095); err != nil {
		t.Errorf("WriteDC(0, 4095): %v", err)
	}
}

func TestWriteDCChannelRange(t *testing.T) {
	s, _ := connectedSession(t)
	if err := s.WriteDC(NumChanDC, 0); err == nil {
		t.Error("WriteDC accepted an out of range channel index")
	}
}

func TestWriteWordsUpdatesRAM(t *testing.T) {
	s, sim := connectedSession(t)
	words := []instr.Word{
		{Target: instr.WaveTable, Channel: 2, Addr: 0, Data: 0x00020001},
		{Target: instr.WaveTable, Channel: 2, Addr: 1, Data: 0x00040003},
	}
	if err := s.WriteWords(words); err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	if got := sim.WaveWord(2, 0); got != 0x00020001 {
		t.Errorf("wave word 0 = %08X, want 00020001", got)
	}
	if got := sim.WaveWord(2, 1); got != 0x00040003 {
		t.Errorf("wave word 1 = %08X, want 00040003", got)
	}
	// other channels untouched
	if got := sim.WaveWord(3, 0); got != 0 {
		t.Errorf("wave word on unselected channel = %08X, want 0", got)
	}
}

func TestWriteWordsChannelAll(t *testing.T) {
	s, sim := connectedSession(t)
	words := []instr.Word{
		{Target: instr.WaveTable, Channel: ChannelAll, Addr: 0, Data: 42},
	}
	if err := s.WriteWords(words); err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	for _, ch := range []int{0, 7, MaxChannels - 1} {
		if got := sim.WaveWord(ch, 0); got != 42 {
			t.Errorf("channel %d wave word 0 = %d, want 42", ch, got)
		}
	}
}

func TestReadWordsRoundTrip(t *testing.T) {
	s, _ := connectedSession(t)
	want := []instr.Word{
		{Target: instr.PulseDefn, Channel: 1, Addr: 0, Data: 100},
		{Target: instr.PulseDefn, Channel: 1, Addr: 4, Data: 200},
		{Target: instr.PulseDefn, Channel: 1, Addr: 8, Data: 300},
	}
	if err := s.WriteWords(want); err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	got, err := s.ReadWords(instr.PulseDefn, 1, 0, 3)
	if err != nil {
		t.Fatalf("ReadWords: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("word %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSetSequenceLength(t *testing.T) {
	s, sim := connectedSession(t)
	if err := s.SetSequenceLength(3, 5000); err != nil {
		t.Fatalf("SetSequenceLength: %v", err)
	}
	if got := sim.SequenceLength(3); got != 5000 {
		t.Errorf("sequence length = %d, want 5000", got)
	}
	if err := s.SetSequenceLength(3, -1); err == nil {
		t.Error("SetSequenceLength accepted a negative length")
	}
	if err := s.SetSequenceLength(MaxChannels, 10); err == nil {
		t.Error("SetSequenceLength accepted an out of range channel")
	}
}

func TestEnableChannels(t *testing.T) {
	s, sim := connectedSession(t)
	if err := s.EnableChannels(0x0F); err != nil {
		t.Fatalf("EnableChannels: %v", err)
	}
	if got := sim.EnabledMask(); got != 0x0F {
		t.Errorf("enable mask = %02X, want 0F", got)
	}
	if err := s.DisableChannels(0x03); err != nil {
		t.Fatalf("DisableChannels: %v", err)
	}
	if got := sim.EnabledMask(); got != 0x0C {
		t.Errorf("enable mask after disable = %02X, want 0C", got)
	}
}

func TestResetWritesSentinel(t *testing.T) {
	s, sim := connectedSession(t)
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if sim.Resets() != 1 {
		t.Errorf("resets = %d, want 1", sim.Resets())
	}
	// slot 0 on every channel holds the far-future sentinel
	if got := sim.PulseWord(0, 0); got != 0x00FFFFFF {
		t.Errorf("sentinel start time word = %08X, want 00FFFFFF", got)
	}
	if got := sim.PulseWord(MaxChannels-1, 8); got != 0x8000<<16|0x0100 {
		t.Errorf("sentinel scale word = %08X, want 80000100", got)
	}
}

// recorder wraps a Simulator and captures the raw bytes of each Send
type recorder struct {
	*Simulator
	tx bytes.Buffer
}

func (r *recorder) Send(b []byte) error {
	r.tx.Write(b)
	return r.Simulator.Send(b)
}

func (r *recorder) SendRecv(b []byte) ([]byte, error) {
	if err := r.Send(b); err != nil {
		return nil, err
	}
	return r.Recv()
}

func TestWireFormat(t *testing.T) {
	rec := &recorder{Simulator: NewSimulator()}
	s := newSessionOver(testConfig(), rec)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.tx.Reset()
	err := s.WriteWords([]instr.Word{
		{Target: instr.WaveTable, Channel: 5, Addr: 17, Data: 1234},
	})
	if err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	// channel select, data latch, then wave write, each as ASCII
	// decimal argument + command byte
	want := []byte{'5', cmdChanSel, '1', '2', '3', '4', cmdSetData, '1', '7', cmdWaveWr}
	if got := rec.tx.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("wire bytes = % X, want % X", got, want)
	}
}

func TestChannelSelectIsCached(t *testing.T) {
	rec := &recorder{Simulator: NewSimulator()}
	s := newSessionOver(testConfig(), rec)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	words := []instr.Word{
		{Target: instr.WaveTable, Channel: 4, Addr: 0, Data: 1},
		{Target: instr.WaveTable, Channel: 4, Addr: 1, Data: 2},
		{Target: instr.WaveTable, Channel: 4, Addr: 2, Data: 3},
	}
	rec.tx.Reset()
	if err := s.WriteWords(words); err != nil {
		t.Fatalf("WriteWords: %v", err)
	}
	if n := bytes.Count(rec.tx.Bytes(), []byte{cmdChanSel}); n != 1 {
		t.Errorf("%d channel selects for a single channel batch, want 1", n)
	}
}

func TestReadErrorStatus(t *testing.T) {
	s, sim := connectedSession(t)
	sim.SetErrorFlags(0xA35A)
	status, err := s.ReadErrorStatus()
	if err != nil {
		t.Fatalf("ReadErrorStatus: %v", err)
	}
	// low byte from the first GPO read, bits 8-15 of the second
	if status != 0xA35A {
		t.Errorf("error status = %04X, want A35A", status)
	}
	sim.SetErrorFlags(0)
	status, err = s.ReadErrorStatus()
	if err != nil {
		t.Fatalf("ReadErrorStatus: %v", err)
	}
	if status != 0 {
		t.Errorf("error status with no flags = %04X, want 0", status)
	}
}

func TestErrorChannels(t *testing.T) {
	got := ErrorChannels(0x0005)
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("ErrorChannels(0x0005) = %v, want [0 2]", got)
	}
	if got := ErrorChannels(0); len(got) != 0 {
		t.Errorf("ErrorChannels(0) = %v, want empty", got)
	}
}
