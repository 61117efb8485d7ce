package comm

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

type fakeConn struct {
	rx *bytes.Buffer
	tx *bytes.Buffer
}

func (f *fakeConn) Read(p []byte) (int, error)  { return f.rx.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error) { return f.tx.Write(p) }
func (f *fakeConn) Close() error                { return nil }

func deviceOver(rx string) (*RemoteDevice, *fakeConn) {
	fc := &fakeConn{rx: bytes.NewBufferString(rx), tx: &bytes.Buffer{}}
	rd := &RemoteDevice{Conn: fc, buf: bufio.NewReader(fc)}
	return rd, fc
}

func TestAutoDetectMatches(t *testing.T) {
	lister := func() ([]PortInfo, error) {
		return []PortInfo{
			{Name: "/dev/ttyUSB0", Description: "Some other adapter"},
			{Name: "/dev/ttyUSB1", Description: "ZCU102 Interface 0"},
		}, nil
	}
	name, err := AutoDetect(lister, "Interface 0")
	if err != nil {
		t.Fatal(err)
	}
	if name != "/dev/ttyUSB1" {
		t.Errorf("expected /dev/ttyUSB1, got %s", name)
	}
}

func TestAutoDetectNoMatch(t *testing.T) {
	lister := func() ([]PortInfo, error) {
		return []PortInfo{{Name: "/dev/ttyUSB0", Description: "modem"}}, nil
	}
	_, err := AutoDetect(lister, "Interface 0")
	if !errors.Is(err, ErrNoPortFound) {
		t.Errorf("expected ErrNoPortFound, got %v", err)
	}
}

func TestRecvStripsTerminators(t *testing.T) {
	rd, _ := deviceOver("12345\r\n")
	resp, err := rd.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "12345" {
		t.Errorf("expected 12345, got %q", resp)
	}
}

func TestRecvSequentialLines(t *testing.T) {
	rd, _ := deviceOver("first\nsecond\n")
	a, err := rd.Recv()
	if err != nil {
		t.Fatal(err)
	}
	b, err := rd.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != "first" || string(b) != "second" {
		t.Errorf("expected first/second, got %q/%q", a, b)
	}
}

func TestSendWritesRawBytes(t *testing.T) {
	rd, fc := deviceOver("")
	cmd := []byte("123\x9A")
	if err := rd.Send(cmd); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fc.tx.Bytes(), cmd) {
		t.Errorf("expected raw bytes %x on the wire, got %x", cmd, fc.tx.Bytes())
	}
}

func TestSendNotConnected(t *testing.T) {
	rd := &RemoteDevice{}
	if err := rd.Send([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
