package protocol

import "fmt"

// Code is the 4-bit value carried in the low nibble of a frame's first
// byte. It is a command when the frame is a request, or an error enum
// when the frame is an error response (spec.md §3).
type Code uint8

// Command codes. Only these two are defined; every other value in
// 0..7 is reserved and rejected by a dispatcher as INVALID_CMD.
const (
	CmdGetInfo     Code = 0x0
	CmdSPITransfer Code = 0x1
)

// Error codes, sharing the same 4-bit space as command codes.
const (
	ErrNone          Code = 0x0
	ErrInvalidSync   Code = 0x1 // legacy; the nibble-sync decoder never emits this
	ErrInvalidCmd    Code = 0x2
	ErrTimeout       Code = 0x3
	ErrInvalidLength Code = 0x4
	ErrInvalidCRC    Code = 0x5
)

// SyncNibble is the fixed high nibble of byte 0 of every frame.
const SyncNibble byte = 0xD

// HeaderOverhead is the number of frame bytes that are never payload:
// the sync/code byte, the id byte, and the trailing CRC byte. A
// frame's total size is HeaderOverhead + VarintLen(payloadLen) + payloadLen.
const HeaderOverhead = 3

// Packet is the in-memory form of a decoded or to-be-encoded frame.
// Payload always aliases a caller-owned backing buffer; Packet never
// allocates or owns heap memory of its own.
type Packet struct {
	Code    Code
	ID      byte
	Payload []byte
}

// ErrBufferTooSmall is returned by Serialize when the destination
// buffer cannot hold the encoded frame.
var ErrBufferTooSmall = fmt.Errorf("protocol: destination buffer too small")

// Serialize writes a complete frame for (code, id, payload) into out
// and returns the number of bytes written. out must have at least
// SerializedSize(len(payload)) bytes of capacity.
func Serialize(code Code, id byte, payload []byte, out []byte) (int, error) {
	need := SerializedSize(len(payload))
	if len(out) < need {
		return 0, ErrBufferTooSmall
	}

	out[0] = 0xD0 | (byte(code) & 0x07)
	out[1] = id
	vlen, err := EncodeVarint(len(payload), out[2:4])
	if err != nil {
		return 0, err
	}
	n := copy(out[2+vlen:], payload)
	if n != len(payload) {
		return 0, ErrBufferTooSmall
	}

	crc := CRC8(out[:2+vlen+len(payload)], CRC8Poly, CRC8Init)
	out[2+vlen+len(payload)] = crc

	return need, nil
}

// SerializedSize returns the total on-wire size of a frame carrying a
// payload of the given length.
func SerializedSize(payloadLen int) int {
	return HeaderOverhead + VarintLen(payloadLen) + payloadLen
}

// decState is the incremental deserializer's internal state. The spec's
// CHECK_PAYLOAD is a synthetic tick performed inline right after
// VLEN_HI/VLEN_LO, not a state the machine ever parks in.
type decState int

const (
	stateWaitSync decState = iota
	stateID
	stateVLenHi
	stateVLenLo
	statePayload
	stateCRC
)

// FeedStatus classifies the result of one Deserializer.Feed call.
type FeedStatus int

const (
	// StatusIdle means the deserializer needs more bytes before a
	// complete frame (or error) is available.
	StatusIdle FeedStatus = iota
	// StatusDone means a complete, CRC-valid frame was decoded. Code,
	// ID and Payload on the Deserializer are populated.
	StatusDone
	// StatusError means the fed byte completed a malformed frame. Err
	// names the failure and Code/ID (where applicable) describe which
	// request the error pertains to.
	StatusError
)

// Deserializer incrementally decodes frames from a byte stream fed one
// byte at a time via Feed, exactly as spec.md §3/§4.3 describes. It
// never allocates after construction: Payload on StatusDone aliases
// the backing buffer passed to NewDeserializer, and is only valid until the next
// Feed call.
type Deserializer struct {
	state   decState
	code    Code
	id      byte
	crc     uint8
	lenHi   byte
	declLen int
	read    int
	buf     []byte

	// Code, ID and Payload reflect the most recently completed frame
	// (StatusDone) or the request the most recent error pertains to
	// (StatusError for ErrInvalidLength/ErrInvalidCRC).
	Code    Code
	ID      byte
	Payload []byte
	Err     error
}

// NewDeserializer constructs a Deserializer whose payload backing
// buffer is buf. Any frame whose declared payload length exceeds
// len(buf) is rejected with ErrInvalidLength before any payload bytes
// are stored, per spec.md §4.5.
func NewDeserializer(buf []byte) *Deserializer {
	return &Deserializer{buf: buf}
}

// errInvalidLength and errInvalidCRC are the errors stored in
// Deserializer.Err on StatusError; alongside them Deserializer.Code is
// set to the matching wire error enum (ErrInvalidLength / ErrInvalidCRC)
// so a dispatcher can echo it directly.
var (
	errInvalidLength = fmt.Errorf("protocol: declared payload length exceeds buffer capacity")
	errInvalidCRC    = fmt.Errorf("protocol: frame CRC mismatch")
)

func (d *Deserializer) reset() {
	d.state = stateWaitSync
}

// IsIdle reports whether the deserializer is at WAIT_SYNC, i.e. not in
// the middle of a frame. Used by a dispatcher's idle-timeout check
// (spec.md §4.5): a timeout is only raised when a frame is in
// progress.
func (d *Deserializer) IsIdle() bool {
	return d.state == stateWaitSync
}

// InProgressID returns the id byte latched for the frame currently
// being received, and true if the ID field has been read yet (state
// past WAIT_SYNC/ID). Used to echo the right id on a TIMEOUT error.
func (d *Deserializer) InProgressID() (byte, bool) {
	if d.state == stateWaitSync || d.state == stateID {
		return 0, false
	}
	return d.id, true
}

// ForceReset abandons any frame in progress and returns the
// deserializer to WAIT_SYNC, without producing a Feed result. Used by
// a dispatcher after emitting a synthesized TIMEOUT error.
func (d *Deserializer) ForceReset() {
	d.reset()
}

// Feed advances the state machine by one byte and returns the result.
// On StatusDone or StatusError the deserializer resets to WAIT_SYNC;
// the caller must consume Payload before the next Feed call, since a
// subsequent frame overwrites the backing buffer.
func (d *Deserializer) Feed(b byte) FeedStatus {
	switch d.state {
	case stateWaitSync:
		if b&0xF0 != 0xD0 {
			return StatusIdle
		}
		d.code = Code(b & 0x07)
		d.crc = CRC8Byte(b, CRC8Init, CRC8Poly)
		d.state = stateID
		return StatusIdle

	case stateID:
		d.id = b
		d.crc = CRC8Byte(b, d.crc, CRC8Poly)
		d.state = stateVLenHi
		return StatusIdle

	case stateVLenHi:
		d.crc = CRC8Byte(b, d.crc, CRC8Poly)
		if b&0x80 == 0 {
			d.declLen = int(b)
			return d.checkPayload()
		}
		d.lenHi = b
		d.state = stateVLenLo
		return StatusIdle

	case stateVLenLo:
		d.crc = CRC8Byte(b, d.crc, CRC8Poly)
		d.declLen = (int(d.lenHi&0x7F) << 8) | int(b)
		return d.checkPayload()

	case statePayload:
		d.buf[d.read] = b
		d.crc = CRC8Byte(b, d.crc, CRC8Poly)
		d.read++
		if d.read == d.declLen {
			d.state = stateCRC
		}
		return StatusIdle

	case stateCRC:
		d.reset()
		if b != d.crc {
			d.Code = ErrInvalidCRC
			d.ID = d.id
			d.Payload = nil
			d.Err = errInvalidCRC
			return StatusError
		}
		d.Code = d.code
		d.ID = d.id
		d.Payload = d.buf[:d.declLen]
		d.Err = nil
		return StatusDone

	default:
		d.reset()
		return StatusIdle
	}
}

// checkPayload is the synthetic CHECK_PAYLOAD tick: it validates the
// just-decoded declared length against the backing buffer's capacity
// before any payload byte is accepted.
func (d *Deserializer) checkPayload() FeedStatus {
	if d.declLen > len(d.buf) {
		d.reset()
		d.Code = ErrInvalidLength
		d.ID = d.id
		d.Payload = nil
		d.Err = errInvalidLength
		return StatusError
	}
	d.read = 0
	if d.declLen == 0 {
		d.state = stateCRC
	} else {
		d.state = statePayload
	}
	return StatusIdle
}
