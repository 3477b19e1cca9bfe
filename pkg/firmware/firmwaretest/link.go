package firmwaretest

import (
	"io"
	"net"

	"github.com/norlink/flashlink/pkg/firmware"
)

// pipeSerial implements firmware.Serial by buffering sent bytes and
// writing them out as a single slice on Flush, mirroring the shape of
// a real UART driver that batches bytes into one transmit burst.
type pipeSerial struct {
	w   io.Writer
	buf []byte
}

func (p *pipeSerial) Send(b byte) { p.buf = append(p.buf, b) }

func (p *pipeSerial) Flush() {
	if len(p.buf) == 0 {
		return
	}
	p.w.Write(p.buf)
	p.buf = p.buf[:0]
}

// LinkedPair wires a firmware.Dispatcher to an in-memory duplex pipe so
// host-side code (pkg/hostlink) can talk to it without a real serial
// port — the Go-native substitute for the out-of-scope hardware
// UART/USB-CDC driver.
type LinkedPair struct {
	// HostConn is the host's end of the link; construct a
	// hostlink.Transport directly on top of it.
	HostConn   io.ReadWriteCloser
	Dispatcher *firmware.Dispatcher

	devConn net.Conn
}

// Close tears down the link.
func (l *LinkedPair) Close() error {
	l.devConn.Close()
	return l.HostConn.Close()
}

// NewLinkedPair builds a Dispatcher over arena/bus/cs, connects it to
// one end of an in-memory pipe, and starts a goroutine that feeds
// bytes arriving on the device's end into the dispatcher one byte at a
// time (standing in for the serial receive IRQ/polling loop).
func NewLinkedPair(arena []byte, bus firmware.SPIBus, cs firmware.ChipSelect) *LinkedPair {
	hostConn, devConn := net.Pipe()

	d := firmware.New(arena, bus, cs, &pipeSerial{w: devConn})

	pair := &LinkedPair{HostConn: hostConn, Dispatcher: d, devConn: devConn}

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := devConn.Read(buf)
			if n == 1 {
				d.OnByte(buf[0])
			}
			if err != nil {
				return
			}
		}
	}()

	return pair
}
