package protocol

import "fmt"

// SPI transfer request flag bits (spec.md §3).
const (
	FlagHasTX  byte = 0x01
	FlagHasRX  byte = 0x02
	FlagKeepCS byte = 0x04

	flagsKnownMask = FlagHasTX | FlagHasRX | FlagKeepCS
)

// ErrUnknownFlagBits is returned when a request sets a reserved flag
// bit, which spec.md §3 requires to be zero.
var ErrUnknownFlagBits = fmt.Errorf("protocol: SPI transfer request sets reserved flag bits")

// ErrWrongPayloadSize is returned by a Decode function when the
// payload it was given doesn't match the command's expected layout.
var ErrWrongPayloadSize = fmt.Errorf("protocol: payload size does not match command layout")

// --- GET_INFO ---------------------------------------------------------

// DecodeGetInfoRequest validates that a GET_INFO request payload is
// empty, per spec.md §3.
func DecodeGetInfoRequest(payload []byte) error {
	if len(payload) != 0 {
		return ErrWrongPayloadSize
	}
	return nil
}

// GetInfoResponse is the GET_INFO success payload: a packed
// major/minor version nibble pair and the dispatcher's arena capacity.
type GetInfoResponse struct {
	VersionMajor  uint8
	VersionMinor  uint8
	MaxPacketSize int
}

// EncodedSize returns the payload size GetInfoResponse would encode to.
func (r GetInfoResponse) EncodedSize() int {
	return 1 + VarintLen(r.MaxPacketSize)
}

// Encode writes r into out, which must have at least EncodedSize()
// bytes of capacity, and returns the number of bytes written.
func (r GetInfoResponse) Encode(out []byte) (int, error) {
	out[0] = (r.VersionMajor&0x0F)<<4 | (r.VersionMinor & 0x0F)
	n, err := EncodeVarint(r.MaxPacketSize, out[1:])
	if err != nil {
		return 0, err
	}
	return 1 + n, nil
}

// DecodeGetInfoResponse parses a GET_INFO success payload.
func DecodeGetInfoResponse(payload []byte) (GetInfoResponse, error) {
	if len(payload) < 2 {
		return GetInfoResponse{}, ErrWrongPayloadSize
	}
	vlen := ProbeVarintLen(payload[1])
	if len(payload) != 1+vlen {
		return GetInfoResponse{}, ErrWrongPayloadSize
	}
	return GetInfoResponse{
		VersionMajor:  payload[0] >> 4,
		VersionMinor:  payload[0] & 0x0F,
		MaxPacketSize: DecodeVarint(payload[1:]),
	}, nil
}

// --- SPI_TRANSFER -------------------------------------------------------

// SPITransferRequest is the SPI_TRANSFER request payload: one chunk of
// a (possibly multi-chunk) logical SPI transfer.
type SPITransferRequest struct {
	Flags  byte
	TXSkip int
	TXSize int
	RXSkip int
	RXSize int
	// TXData aliases the source payload after Decode/Assign; it holds
	// exactly TXSize bytes.
	TXData []byte
}

// HasTX, HasRX, KeepCS report the corresponding flag bits.
func (r SPITransferRequest) HasTX() bool  { return r.Flags&FlagHasTX != 0 }
func (r SPITransferRequest) HasRX() bool  { return r.Flags&FlagHasRX != 0 }
func (r SPITransferRequest) KeepCS() bool { return r.Flags&FlagKeepCS != 0 }

// EncodedSize returns the payload size this request would encode to.
func (r SPITransferRequest) EncodedSize() int {
	return 1 + VarintLen(r.TXSkip) + VarintLen(r.TXSize) + VarintLen(r.RXSkip) + VarintLen(r.RXSize) + len(r.TXData)
}

// Encode writes r into out, which must have at least EncodedSize()
// bytes of capacity.
func (r SPITransferRequest) Encode(out []byte) (int, error) {
	if r.Flags&^flagsKnownMask != 0 {
		return 0, ErrUnknownFlagBits
	}
	out[0] = r.Flags
	off := 1
	for _, v := range []int{r.TXSkip, r.TXSize, r.RXSkip, r.RXSize} {
		n, err := EncodeVarint(v, out[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	n := copy(out[off:], r.TXData)
	if n != len(r.TXData) {
		return 0, ErrBufferTooSmall
	}
	return off + n, nil
}

// DecodeSPITransferRequest parses a SPI_TRANSFER request payload. The
// returned request's TXData aliases payload; it is the "assign"
// step from spec.md §4.4 folded into decoding since this codec has no
// separate interior-pointer fixup to perform beyond the TXData slice.
func DecodeSPITransferRequest(payload []byte) (SPITransferRequest, error) {
	if len(payload) < 1 {
		return SPITransferRequest{}, ErrWrongPayloadSize
	}
	flags := payload[0]
	if flags&^flagsKnownMask != 0 {
		return SPITransferRequest{}, ErrUnknownFlagBits
	}
	off := 1
	vals := make([]int, 4)
	for i := range vals {
		if off >= len(payload) {
			return SPITransferRequest{}, ErrWrongPayloadSize
		}
		vlen := ProbeVarintLen(payload[off])
		if off+vlen > len(payload) {
			return SPITransferRequest{}, ErrWrongPayloadSize
		}
		vals[i] = DecodeVarint(payload[off : off+vlen])
		off += vlen
	}
	req := SPITransferRequest{
		Flags:  flags,
		TXSkip: vals[0],
		TXSize: vals[1],
		RXSkip: vals[2],
		RXSize: vals[3],
	}
	if len(payload)-off != req.TXSize {
		return SPITransferRequest{}, ErrWrongPayloadSize
	}
	req.TXData = payload[off:]
	return req, nil
}

// SPITransferResponse is the SPI_TRANSFER success payload.
type SPITransferResponse struct {
	// RXData aliases the source payload after decode, or the caller's
	// backing buffer before encode; it holds exactly RXSize bytes.
	RXData []byte
}

// RXSize reports the encoded receive-byte count.
func (r SPITransferResponse) RXSize() int { return len(r.RXData) }

// EncodedSize returns the payload size this response would encode to.
func (r SPITransferResponse) EncodedSize() int {
	return VarintLen(len(r.RXData)) + len(r.RXData)
}

// Encode writes r into out, which must have at least EncodedSize()
// bytes of capacity.
func (r SPITransferResponse) Encode(out []byte) (int, error) {
	n, err := EncodeVarint(len(r.RXData), out)
	if err != nil {
		return 0, err
	}
	c := copy(out[n:], r.RXData)
	if c != len(r.RXData) {
		return 0, ErrBufferTooSmall
	}
	return n + c, nil
}

// DecodeSPITransferResponse parses a SPI_TRANSFER success payload.
func DecodeSPITransferResponse(payload []byte) (SPITransferResponse, error) {
	if len(payload) < 1 {
		return SPITransferResponse{}, ErrWrongPayloadSize
	}
	vlen := ProbeVarintLen(payload[0])
	if vlen > len(payload) {
		return SPITransferResponse{}, ErrWrongPayloadSize
	}
	rxSize := DecodeVarint(payload[:vlen])
	if len(payload)-vlen != rxSize {
		return SPITransferResponse{}, ErrWrongPayloadSize
	}
	return SPITransferResponse{RXData: payload[vlen:]}, nil
}
