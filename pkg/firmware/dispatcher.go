// Package firmware implements the request dispatcher (spec.md §4.5):
// the state machine that turns validated incoming frames into SPI bus
// transactions and outgoing response frames. It is deliberately free
// of any real hardware dependency — spec.md §1 places the UART/USB-CDC
// driver and MCU GPIO/SPI peripheral initialization out of scope — and
// instead defines the small capability interfaces a hardware backend
// implements, the same "callback + user-data pointer as an interface"
// translation spec.md §9 calls for.
package firmware

import (
	"github.com/norlink/flashlink/pkg/protocol"
)

// ProtoVersionMajor and ProtoVersionMinor are reported in every
// GET_INFO response.
const (
	ProtoVersionMajor = 1
	ProtoVersionMinor = 0
)

// IdleTimeoutTicks is the nominal number of OnIdle calls with no
// incoming byte after which a frame in progress is abandoned with a
// TIMEOUT error (spec.md §4.5).
const IdleTimeoutTicks = 60000

// SPIBus is the capability a hardware backend provides to perform one
// half-duplex SPI transaction. buf holds txLen bytes of data to clock
// out; on return, buf[:max(txLen,rxLen)] holds the bytes clocked in,
// overwriting the bytes that were clocked out (spec.md §4.5: "the
// callback overwrites TX bytes with RX bytes, up to max(tx_len,
// rx_len)").
type SPIBus interface {
	Transfer(buf []byte, txLen, rxLen int) error
}

// ChipSelect is the capability to assert or release the SPI chip
// select line.
type ChipSelect interface {
	Assert(assert bool)
}

// Serial is the capability to emit bytes on the serial link and flush
// them, mirroring the spec's serial_send/serial_flush callbacks.
type Serial interface {
	Send(b byte)
	Flush()
}

// Stats is a snapshot of dispatcher activity, useful for tests and
// optional diagnostics; spec.md never requires it for correctness.
type Stats struct {
	FramesHandled  int
	GetInfoCount   int
	TransferCount  int
	InvalidCmd     int
	InvalidLength  int
	InvalidCRC     int
	Timeouts       int
}

// Dispatcher owns a contiguous memory arena used as the incoming-packet
// payload buffer and as the response payload buffer (spec.md §4.5). SPI
// transfers run in a separate scratch buffer of the same size, which
// holds the TX bytes and is overwritten with the RX bytes, and response
// frames are serialized into a third buffer; both are allocated by New.
// It is driven by OnByte (one call per received
// byte, e.g. from a serial IRQ or polling loop) and OnIdle (one call
// per tick with no byte ready).
type Dispatcher struct {
	arena []byte
	work  []byte
	out   []byte

	deser *protocol.Deserializer

	bus    SPIBus
	cs     ChipSelect
	serial Serial

	csAsserted bool
	idle       int

	Stats Stats
}

// New constructs a Dispatcher. arena sizes the largest payload the
// dispatcher will accept; GET_INFO reports len(arena) as its
// max-packet-size.
func New(arena []byte, bus SPIBus, cs ChipSelect, serial Serial) *Dispatcher {
	d := &Dispatcher{
		arena:  arena,
		work:   make([]byte, len(arena)),
		out:    make([]byte, protocol.HeaderOverhead+2+len(arena)),
		deser:  protocol.NewDeserializer(arena),
		bus:    bus,
		cs:     cs,
		serial: serial,
	}
	return d
}

// OnByte processes one incoming byte, per spec.md §4.5's algorithm.
func (d *Dispatcher) OnByte(b byte) {
	d.idle = 0

	switch status := d.deser.Feed(b); status {
	case protocol.StatusIdle:
		return

	case protocol.StatusError:
		d.countError(d.deser.Code)
		d.emitError(d.deser.ID, d.deser.Code)

	case protocol.StatusDone:
		d.Stats.FramesHandled++
		d.dispatch(d.deser.Code, d.deser.ID, d.deser.Payload)
	}
}

// OnIdle is called once per tick when no byte was received. Once the
// idle counter exceeds IdleTimeoutTicks while a frame is in progress,
// a TIMEOUT error is emitted and the deserializer is reset.
func (d *Dispatcher) OnIdle() {
	d.idle++
	if d.idle <= IdleTimeoutTicks {
		return
	}
	if d.deser.IsIdle() {
		return
	}
	id, _ := d.deser.InProgressID()
	d.Stats.Timeouts++
	d.emitError(id, protocol.ErrTimeout)
	d.deser.ForceReset()
	d.idle = 0
}

func (d *Dispatcher) countError(code protocol.Code) {
	switch code {
	case protocol.ErrInvalidLength:
		d.Stats.InvalidLength++
	case protocol.ErrInvalidCRC:
		d.Stats.InvalidCRC++
	}
}

func (d *Dispatcher) dispatch(code protocol.Code, id byte, payload []byte) {
	switch code {
	case protocol.CmdGetInfo:
		d.Stats.GetInfoCount++
		d.handleGetInfo(id, payload)

	case protocol.CmdSPITransfer:
		d.Stats.TransferCount++
		d.handleSPITransfer(id, payload)

	default:
		d.Stats.InvalidCmd++
		d.emitError(id, protocol.ErrInvalidCmd)
	}
}

func (d *Dispatcher) handleGetInfo(id byte, payload []byte) {
	if err := protocol.DecodeGetInfoRequest(payload); err != nil {
		d.emitError(id, protocol.ErrInvalidLength)
		return
	}

	resp := protocol.GetInfoResponse{
		VersionMajor:  ProtoVersionMajor,
		VersionMinor:  ProtoVersionMinor,
		MaxPacketSize: len(d.arena),
	}
	n, err := resp.Encode(d.arena[:resp.EncodedSize()])
	if err != nil {
		d.emitError(id, protocol.ErrInvalidLength)
		return
	}
	d.emit(protocol.CmdGetInfo, id, d.arena[:n])
}

// handleSPITransfer interprets a chunk's (tx-skip, tx-size, rx-skip,
// rx-size) as offsets into this chunk's own clocked-byte window: bytes
// [tx-skip, tx-skip+tx-size) of the window are the real bytes to send
// (everything else in the window is a dummy 0x00), and bytes
// [rx-skip, rx-skip+rx-size) of what comes back are kept (everything
// else is discarded). The window length is max(tx-skip+tx-size,
// rx-skip+rx-size) clock cycles, matching spec.md §4.6's N formula
// applied per chunk instead of per whole segment.
func (d *Dispatcher) handleSPITransfer(id byte, payload []byte) {
	req, err := protocol.DecodeSPITransferRequest(payload)
	if err != nil {
		d.emitError(id, protocol.ErrInvalidLength)
		return
	}

	txEnd := req.TXSkip + req.TXSize
	rxEnd := req.RXSkip + req.RXSize
	n := txEnd
	if rxEnd > n {
		n = rxEnd
	}
	if n > len(d.work) {
		d.emitError(id, protocol.ErrInvalidLength)
		return
	}
	respSize := protocol.VarintLen(req.RXSize) + req.RXSize
	if respSize > len(d.arena) {
		d.emitError(id, protocol.ErrInvalidLength)
		return
	}

	buf := d.work[:n]
	for i := range buf {
		buf[i] = 0
	}
	copy(buf[req.TXSkip:txEnd], req.TXData)

	if !d.csAsserted {
		d.cs.Assert(true)
		d.csAsserted = true
	}

	if err := d.bus.Transfer(buf, txEnd, rxEnd); err != nil {
		d.cs.Assert(false)
		d.csAsserted = false
		d.emitError(id, protocol.ErrTimeout)
		return
	}

	if !req.KeepCS() {
		d.cs.Assert(false)
		d.csAsserted = false
	}

	resp := protocol.SPITransferResponse{RXData: buf[req.RXSkip:rxEnd]}
	n2, err := resp.Encode(d.arena[:resp.EncodedSize()])
	if err != nil {
		d.emitError(id, protocol.ErrInvalidLength)
		return
	}
	d.emit(protocol.CmdSPITransfer, id, d.arena[:n2])
}

func (d *Dispatcher) emitError(id byte, code protocol.Code) {
	d.emit(code, id, nil)
}

func (d *Dispatcher) emit(code protocol.Code, id byte, payload []byte) {
	n, err := protocol.Serialize(code, id, payload, d.out)
	if err != nil {
		// The out buffer is sized for the largest possible frame at
		// construction; a Serialize failure here means a response
		// payload somehow exceeded the arena, which handleGetInfo and
		// handleSPITransfer never produce.
		panic("firmware: response frame did not fit the output buffer")
	}
	for _, b := range d.out[:n] {
		d.serial.Send(b)
	}
	d.serial.Flush()
}
