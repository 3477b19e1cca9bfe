// Package hostlink is the host-side SPI transport adapter (spec.md
// §4.6): it chunks logical multi-segment SPI transactions into
// SPI_TRANSFER packets sized to the firmware's advertised
// max-packet-size, preserves chip-select continuity across chunks, and
// tracks packet ids mod 256. It plays the role pkg/usock plays for the
// Bluetooth service, adapted from an async push-handler model to the
// synchronous request/response model the flash programmer's wire
// protocol requires.
package hostlink

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/norlink/flashlink/pkg/protocol"
)

// DefaultTimeout is used when Attach is given a zero timeout.
const DefaultTimeout = 1000 * time.Millisecond

// Port is the minimal capability a Transport needs from a serial link:
// a real go.bug.st/serial Port, or an in-memory net.Conn such as
// firmwaretest.LinkedPair.HostConn.
type Port interface {
	io.Reader
	io.Writer
}

// Segment is one continuous SPI transaction: chip select stays
// asserted for its whole duration, across however many SPI_TRANSFER
// packets it takes to clock out TX and/or clock in RXLen bytes.
type Segment struct {
	TX    []byte
	RXLen int
}

type frameResult struct {
	code    protocol.Code
	id      byte
	payload []byte
}

// Transport drives one device across a Port. It serializes all
// requests behind mu (grounded in pkg/usock's USOCK.mu), since the
// wire protocol allows only one request in flight at a time.
type Transport struct {
	port    Port
	timeout time.Duration

	mu        sync.Mutex
	nextID    byte
	closeOnce sync.Once

	deser   *protocol.Deserializer
	results chan frameResult
	readErr chan error
	stop    chan struct{}
	wg      sync.WaitGroup

	MaxPacketSize int
	VersionMajor  uint8
	VersionMinor  uint8
}

// Attach starts the read loop over port and exchanges a GET_INFO
// request to learn the device's max-packet-size and protocol version.
// A zero timeout uses DefaultTimeout.
func Attach(port Port, timeout time.Duration) (*Transport, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t := &Transport{
		port:    port,
		timeout: timeout,
		deser:   protocol.NewDeserializer(make([]byte, protocol.MaxVarint)),
		results: make(chan frameResult, 1),
		readErr: make(chan error, 1),
		stop:    make(chan struct{}),
	}

	t.wg.Add(1)
	go t.readLoop()

	res, err := t.request(protocol.CmdGetInfo, nil)
	if err != nil {
		t.Close()
		return nil, err
	}
	info, err := protocol.DecodeGetInfoResponse(res.payload)
	if err != nil {
		t.Close()
		return nil, &TransportError{Op: "get-info", ID: res.id, Err: err}
	}

	t.MaxPacketSize = info.MaxPacketSize
	t.VersionMajor = info.VersionMajor
	t.VersionMinor = info.VersionMinor

	if err := t.releaseCS(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// Detach releases chip select, per spec.md §4.6 ("detach() does the
// same CS release" as attach). It does not stop the read loop or close
// the port; call Close for that once Detach returns.
func (t *Transport) Detach() error {
	return t.releaseCS()
}

// releaseCS sends a zero-byte SPI_TRANSFER with flags=0, which the
// firmware dispatcher treats as an ordinary transfer with nothing to
// clock and the keep-CS bit clear, explicitly deasserting CS. Attach
// and Detach both use this to guarantee CS starts and ends released
// regardless of what a prior session left it in.
func (t *Transport) releaseCS() error {
	req := protocol.SPITransferRequest{Flags: 0}
	payload := make([]byte, req.EncodedSize())
	if _, err := req.Encode(payload); err != nil {
		return fmt.Errorf("hostlink: encoding CS-release request: %w", err)
	}
	res, err := t.request(protocol.CmdSPITransfer, payload)
	if err != nil {
		return err
	}
	if res.code != protocol.CmdSPITransfer {
		return &TransportError{Op: "cs-release", ID: res.id, Code: int(res.code)}
	}
	return nil
}

// Close stops the read loop: it signals the loop to exit and returns
// without waiting for it, since the loop may be blocked in a Read on the
// port; the loop returns once that Read completes (for example when the
// caller closes the port). It does not close the underlying port;
// the caller owns that lifecycle (mirroring pkg/usock.Close, which
// closes its own port because it opened it itself — here the port was
// handed in, so it's handed back too).
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.stop) })
	return nil
}

// Do runs each Segment in order, chunking it into SPI_TRANSFER packets
// no larger than MaxPacketSize, and returns the bytes clocked in for
// each segment.
func (t *Transport) Do(segments []Segment) ([][]byte, error) {
	out := make([][]byte, len(segments))
	for i, seg := range segments {
		rx, err := t.doSegment(seg)
		if err != nil {
			return nil, err
		}
		out[i] = rx
	}
	return out, nil
}

func (t *Transport) doSegment(seg Segment) ([]byte, error) {
	n := len(seg.TX)
	if seg.RXLen > n {
		n = seg.RXLen
	}
	if n == 0 {
		return nil, nil
	}
	if t.MaxPacketSize <= 0 {
		return nil, fmt.Errorf("hostlink: transport not attached")
	}

	chunk := t.maxChunkWindow()
	if chunk < 1 {
		return nil, fmt.Errorf("hostlink: max-packet-size %d too small for any SPI_TRANSFER request header", t.MaxPacketSize)
	}

	rx := make([]byte, 0, seg.RXLen)
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}

		txSize := clampWindow(len(seg.TX), start, end)
		rxSize := clampWindow(seg.RXLen, start, end)

		req := protocol.SPITransferRequest{
			Flags:  protocol.FlagHasTX | protocol.FlagHasRX,
			TXSize: txSize,
			RXSize: rxSize,
		}
		if end < n {
			req.Flags |= protocol.FlagKeepCS
		}
		if txSize > 0 {
			req.TXData = seg.TX[start : start+txSize]
		} else {
			req.TXData = nil
		}

		payload := make([]byte, req.EncodedSize())
		if _, err := req.Encode(payload); err != nil {
			return nil, fmt.Errorf("hostlink: encoding SPI_TRANSFER request: %w", err)
		}

		res, err := t.request(protocol.CmdSPITransfer, payload)
		if err != nil {
			return nil, err
		}
		if res.code != protocol.CmdSPITransfer {
			return nil, &TransportError{Op: "spi-transfer", ID: res.id, Code: int(res.code)}
		}
		resp, err := protocol.DecodeSPITransferResponse(res.payload)
		if err != nil {
			return nil, &TransportError{Op: "spi-transfer", ID: res.id, Err: err}
		}
		rx = append(rx, resp.RXData...)
	}
	return rx, nil
}

// spiTransferHeaderOverhead is a conservative (worst-case) upper bound
// on a SPI_TRANSFER request's non-data bytes: the flags byte plus four
// varints (tx-skip, tx-size, rx-skip, rx-size), each up to 2 bytes.
// This transport always drives tx-skip/rx-skip as 0, but sizing against
// the worst case means maxChunkWindow never has to know in advance how
// large tx-size/rx-size will encode.
const spiTransferHeaderOverhead = 1 + 2 + 2 + 2 + 2

// maxChunkWindow returns the largest number of clocked bytes (tx-size
// plus rx-size window) that fits in one SPI_TRANSFER request within
// MaxPacketSize, per spec.md §4.6's "max-chunk derived from
// max-packet-size minus request header overhead."
func (t *Transport) maxChunkWindow() int {
	return t.MaxPacketSize - spiTransferHeaderOverhead
}

// clampWindow returns how many bytes of a [0, totalLen) region fall
// within the packet-local window [start, end).
func clampWindow(totalLen, start, end int) int {
	if totalLen <= start {
		return 0
	}
	if totalLen < end {
		return totalLen - start
	}
	return end - start
}

// request serializes one command/payload, writes it, and blocks for
// the matching response (by id) or the configured timeout.
func (t *Transport) request(code protocol.Code, payload []byte) (frameResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.stop:
		return frameResult{}, ErrClosed
	default:
	}

	id := t.nextID
	t.nextID++

	frame := make([]byte, protocol.SerializedSize(len(payload)))
	n, err := protocol.Serialize(code, id, payload, frame)
	if err != nil {
		return frameResult{}, fmt.Errorf("hostlink: encoding request: %w", err)
	}
	log.Printf("TX Frame: code=0x%x id=%d len=%d", code, id, len(payload))
	if _, err := t.port.Write(frame[:n]); err != nil {
		return frameResult{}, &TransportError{Op: "write", ID: id, Err: err}
	}

	deadline := time.After(t.timeout)
	for {
		select {
		case res := <-t.results:
			if res.id != id {
				return frameResult{}, &TransportError{Op: "id-mismatch", ID: id, Err: fmt.Errorf("response id %d does not match request id %d", res.id, id)}
			}
			if res.code == protocol.ErrTimeout || res.code == protocol.ErrInvalidCmd ||
				res.code == protocol.ErrInvalidLength || res.code == protocol.ErrInvalidCRC {
				return frameResult{}, &TransportError{Op: "device", ID: id, Code: int(res.code)}
			}
			return res, nil
		case err := <-t.readErr:
			return frameResult{}, &TransportError{Op: "read", ID: id, Err: err}
		case <-deadline:
			return frameResult{}, &TransportError{Op: "request", ID: id, Err: ErrTimeout}
		case <-t.stop:
			return frameResult{}, ErrClosed
		}
	}
}

// readLoop feeds bytes from the port into the deserializer one at a
// time and publishes each completed frame, mirroring pkg/usock's
// readLoop/processByte split but reporting results over a channel
// instead of invoking a user callback, since hostlink callers always
// correlate a response to the request that's waiting on it.
func (t *Transport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 1)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		n, err := t.port.Read(buf)
		if n == 1 {
			switch status := t.deser.Feed(buf[0]); status {
			case protocol.StatusDone:
				log.Printf("RX Frame: code=0x%x id=%d len=%d", t.deser.Code, t.deser.ID, len(t.deser.Payload))
				t.publish(frameResult{
					code:    t.deser.Code,
					id:      t.deser.ID,
					payload: append([]byte(nil), t.deser.Payload...),
				})
			case protocol.StatusError:
				log.Printf("RX Error: code=0x%x id=%d: %v", t.deser.Code, t.deser.ID, t.deser.Err)
				t.publish(frameResult{code: t.deser.Code, id: t.deser.ID})
			}
		}
		if err != nil {
			select {
			case t.readErr <- err:
			case <-t.stop:
			}
			return
		}
	}
}

func (t *Transport) publish(r frameResult) {
	select {
	case t.results <- r:
	case <-t.stop:
	}
}
