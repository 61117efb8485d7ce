/*Package comm provides interfaces and embeddable types for communication with lab hardware.

Most usages of this package will boil down to:
	1.  create a RemoteDevice for a serial port (explicit name, or
		auto-detected with AutoDetect) or a TCP address
	2.  Open() it, which retries with exponential backoff
	3.  use Send/Recv/SendRecv to speak the device's line protocol
	4.  Write any methods you see fit based on this low-level communication implementation

The FPGA consoles this package talks to are line oriented ASCII
protocols; Recv reads one terminator-delimited response at a time.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	terminator = byte('\n')

	// ErrNoSerialConf is generated when a serial RemoteDevice has no config
	ErrNoSerialConf = errors.New("device is serial but has no serial config")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrNoPortFound is generated when auto-detection finds no matching serial port
	ErrNoPortFound = errors.New("no serial port matching the description keyword was found")
)

// Sender has a Send method that passes along a byte slice as well as a
// TxTerminator returning the transmission termination byte
type Sender interface {
	Send([]byte) error
	TxTerminator() byte
}

// Recver has a Recv method that gets a byte slice as well as an
// RxTerminator returning the receipt termination byte
type Recver interface {
	Recv() ([]byte, error)
	RxTerminator() byte
}

// SendRecver can send and recieve, and provides a method that sends then recieves
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open() error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

// PortInfo describes one candidate serial port on the host
type PortInfo struct {
	Name        string
	Description string
}

// PortLister enumerates the serial ports on the host.  Enumeration is
// platform specific and lives outside this package; tests inject fakes.
type PortLister func() ([]PortInfo, error)

// AutoDetect returns the name of the first port whose description
// contains the keyword, or ErrNoPortFound
func AutoDetect(list PortLister, keyword string) (string, error) {
	if list == nil {
		return "", ErrNoPortFound
	}
	ports, err := list()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if strings.Contains(p.Description, keyword) {
			return p.Name, nil
		}
	}
	return "", ErrNoPortFound
}

/*RemoteDevice has an address and implements Communicator

the device is not concurrent safe; the consumer must hold exclusive
ownership or guard it with a mutex, the byte stream is a strict
mutual exclusion resource
*/
type RemoteDevice struct {
	Addr     string
	IsSerial bool
	Cfg      *serial.Config
	Conn     io.ReadWriteCloser

	buf *bufio.Reader
}

// NewSerialDevice creates a RemoteDevice speaking over a serial port
func NewSerialDevice(cfg *serial.Config) RemoteDevice {
	return RemoteDevice{
		Addr:     cfg.Name,
		IsSerial: true,
		Cfg:      cfg}
}

// NewRemoteDevice creates a new RemoteDevice instance over TCP,
// for hardware behind a terminal server
func NewRemoteDevice(addr string) RemoteDevice {
	return RemoteDevice{Addr: addr}
}

// Open the connection, setting the Conn variable
func (rd *RemoteDevice) Open() error {
	// we use an exponential backoff; USB serial bridges
	// do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := err.Error()
			errS = strings.ToLower(errS)
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return nil
		}
		return nil
	}

	// backoff will cease on a timeout so we don't wait
	// forever, so we need to check for err != nil && !wasTimeout
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil && !wasTimeout {
		return nil
	}
	// err != nil
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s", rd.Addr)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var err error
	var conn io.ReadWriteCloser
	if rd.IsSerial {
		if rd.Cfg == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.Cfg)
	} else {
		conn, err = TCPSetup(rd.Addr, 3*time.Second)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	rd.buf = bufio.NewReader(conn)
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
		rd.buf = nil
	}
	return err
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	return terminator
}

// Send writes data to the remote.  The FPGA command set embeds its own
// command bytes, so no terminator is appended to outgoing data
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	_, err := rd.Conn.Write(b)
	return err
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	return terminator
}

// Recv recieves one response line from the remote and strips the Rx
// terminator (and a preceding carriage return, if any)
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	term := rd.RxTerminator()
	buf, err := rd.buf.ReadBytes(term)
	if err != nil {
		return []byte{}, err
	}
	if bytes.HasSuffix(buf, []byte{term}) {
		buf = buf[:len(buf)-1]
		return bytes.TrimSuffix(buf, []byte{'\r'}), nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer, then returns the response with the Rx
// terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if rd.Conn == nil {
		return []byte{}, ErrNotConnected
	}
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
