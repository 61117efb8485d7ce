package qlaser

// Command bytes understood by the FPGA's UART console.  Arguments are
// ASCII decimal and precede the command byte; the firmware replies one
// line per response.  These values are fixed by the hardware binary.
const (
	cmdRegDump   = 'P'    // dump registers
	cmdEcho      = 'e'    // command echo on/off (argument 0 or 1)
	cmdReset     = 0x52   // soft reset
	cmdGPIORead  = 'r'    // read general purpose output register
	cmdGPIOWrite = 'o'    // write GPIO value
	cmdTrigger   = 't'    // start the pulse sequence
	cmdSeqLen    = 's'    // set sequence length
	cmdChanEn    = 'C'    // set pulse channel enable mask
	cmdChanSel   = 'c'    // select pulse channel to configure
	cmdWaveWr    = 0x9A   // write latched data to wave RAM
	cmdPulseWr   = 0x8A   // write latched data to pulse definition RAM
	cmdWaveRd    = 0xBA   // read from wave RAM
	cmdPulseRd   = 0xAA   // read from pulse definition RAM
	cmdSetData   = 0xDD   // latch data to write
	cmdDCWrite   = 0x8D   // write latched data to a DC channel
	cmdVersion   = 'V'    // query firmware version
)

// Hardware generics of the installed firmware
const (
	// MaxChannels is the number of pulsed output lanes
	MaxChannels = 32

	// ChannelAll selects every channel at once in a channel select command
	ChannelAll = 99

	// NumChanDC is the number of static DC converter channels
	NumChanDC = 16

	// ErrBitsPerChannel is the width of one channel's error register
	ErrBitsPerChannel = 8
)

// Defaults for the lab's ZCU102 bringup board
const (
	DefaultBaud         = 115200
	DefaultPortKeyword  = "Interface 0"
	DefaultVRef         = 1.25
	DefaultDACBits      = 12
	DefaultWaveRAMSize  = 4096
	DefaultPulseSlots   = 256
	DefaultFirmwareLine = "1.x"
)
