package firmware_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norlink/flashlink/pkg/firmware"
	"github.com/norlink/flashlink/pkg/firmware/firmwaretest"
	"github.com/norlink/flashlink/pkg/protocol"
)

// captureSerial accumulates every byte a Dispatcher emits, one frame
// per Flush, so tests can decode responses with a plain Deserializer.
type captureSerial struct {
	pending []byte
	frames  [][]byte
}

func (c *captureSerial) Send(b byte) { c.pending = append(c.pending, b) }
func (c *captureSerial) Flush() {
	c.frames = append(c.frames, append([]byte(nil), c.pending...))
	c.pending = c.pending[:0]
}

type noopCS struct{ asserted []bool }

func (n *noopCS) Assert(assert bool) { n.asserted = append(n.asserted, assert) }

func decodeFrame(t *testing.T, frame []byte) (protocol.Code, byte, []byte) {
	t.Helper()
	d := protocol.NewDeserializer(make([]byte, 512))
	var status protocol.FeedStatus
	for _, b := range frame {
		status = d.Feed(b)
	}
	require.Equal(t, protocol.StatusDone, status, "frame failed to decode: % x", frame)
	return d.Code, d.ID, append([]byte(nil), d.Payload...)
}

// TestGetInfoHappyPath is scenario S1.
func TestGetInfoHappyPath(t *testing.T) {
	arena := make([]byte, 384)
	serial := &captureSerial{}
	disp := firmware.New(arena, nil, &noopCS{}, serial)

	req := make([]byte, protocol.SerializedSize(0))
	n, err := protocol.Serialize(protocol.CmdGetInfo, 5, nil, req)
	require.NoError(t, err)

	for _, b := range req[:n] {
		disp.OnByte(b)
	}

	require.Len(t, serial.frames, 1)
	code, id, payload := decodeFrame(t, serial.frames[0])
	require.Equal(t, protocol.CmdGetInfo, code)
	require.Equal(t, byte(5), id)

	resp, err := protocol.DecodeGetInfoResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(firmware.ProtoVersionMajor), resp.VersionMajor)
	assert.Equal(t, uint8(firmware.ProtoVersionMinor), resp.VersionMinor)
	assert.Equal(t, len(arena), resp.MaxPacketSize)
}

// TestCorruptedCRCProducesErrorResponse is scenario S2.
func TestCorruptedCRCProducesErrorResponse(t *testing.T) {
	arena := make([]byte, 64)
	serial := &captureSerial{}
	disp := firmware.New(arena, nil, &noopCS{}, serial)

	req := make([]byte, protocol.SerializedSize(0))
	n, err := protocol.Serialize(protocol.CmdGetInfo, 9, nil, req)
	require.NoError(t, err)
	req[n-1] ^= 0xFF // corrupt the trailing CRC byte

	for _, b := range req[:n] {
		disp.OnByte(b)
	}

	require.Len(t, serial.frames, 1)
	code, id, payload := decodeFrame(t, serial.frames[0])
	assert.Equal(t, protocol.ErrInvalidCRC, code)
	assert.Equal(t, byte(9), id)
	assert.Empty(t, payload)
}

// TestOversizedPayloadProducesErrorResponse is scenario S3: a 128-byte
// arena receiving a header that declares a 256-byte payload.
func TestOversizedPayloadProducesErrorResponse(t *testing.T) {
	arena := make([]byte, 128)
	serial := &captureSerial{}
	disp := firmware.New(arena, nil, &noopCS{}, serial)

	for _, b := range []byte{0xD0, 0x05, 0x81, 0x00} {
		disp.OnByte(b)
	}

	require.Len(t, serial.frames, 1)
	code, id, payload := decodeFrame(t, serial.frames[0])
	assert.Equal(t, protocol.ErrInvalidLength, code)
	assert.Equal(t, byte(5), id)
	assert.Empty(t, payload)
}

// TestIdleTimeoutResync is scenario S6: a truncated frame eventually
// times out, and a subsequent well-formed frame decodes normally.
func TestIdleTimeoutResync(t *testing.T) {
	arena := make([]byte, 64)
	serial := &captureSerial{}
	disp := firmware.New(arena, nil, &noopCS{}, serial)

	for _, b := range []byte{0xD0, 0x07, 0x00} { // sync/code, id=7, vlen=0 (1-byte varint): leaves the frame parked waiting on its CRC byte
		disp.OnByte(b)
	}

	for i := 0; i < firmware.IdleTimeoutTicks+1; i++ {
		disp.OnIdle()
	}

	require.Len(t, serial.frames, 1)
	code, id, _ := decodeFrame(t, serial.frames[0])
	assert.Equal(t, protocol.ErrTimeout, code)
	assert.Equal(t, byte(7), id)

	// A subsequent well-formed frame must decode normally.
	req := make([]byte, protocol.SerializedSize(0))
	n, err := protocol.Serialize(protocol.CmdGetInfo, 8, nil, req)
	require.NoError(t, err)
	for _, b := range req[:n] {
		disp.OnByte(b)
	}
	require.Len(t, serial.frames, 2)
	code, id, _ = decodeFrame(t, serial.frames[1])
	assert.Equal(t, protocol.CmdGetInfo, code)
	assert.Equal(t, byte(8), id)
}

// TestUnknownCommandIsRejected exercises the "any other code" branch
// of spec.md §4.5's dispatch algorithm. Codes 2..7 are reserved.
func TestUnknownCommandIsRejected(t *testing.T) {
	arena := make([]byte, 64)
	serial := &captureSerial{}
	disp := firmware.New(arena, nil, &noopCS{}, serial)

	req := make([]byte, protocol.SerializedSize(0))
	n, err := protocol.Serialize(protocol.Code(3), 1, nil, req)
	require.NoError(t, err)
	for _, b := range req[:n] {
		disp.OnByte(b)
	}

	require.Len(t, serial.frames, 1)
	code, _, _ := decodeFrame(t, serial.frames[0])
	assert.Equal(t, protocol.ErrInvalidCmd, code)
}

// TestSPITransferRDID drives a single-chunk RDID transaction through
// the dispatcher against firmwaretest.FakeFlash, exercising the
// CS-assert/transfer/CS-release path end to end.
func TestSPITransferRDID(t *testing.T) {
	arena := make([]byte, 64)
	serial := &captureSerial{}
	flash := firmwaretest.NewFakeFlash([3]byte{0xEF, 0x40, 0x18}, 64*1024, 2, 4096, 256, 0x8C)
	disp := firmware.New(arena, flash, flash, serial)

	reqPayload := protocol.SPITransferRequest{
		Flags:  protocol.FlagHasTX | protocol.FlagHasRX,
		TXSize: 1,
		RXSkip: 1,
		RXSize: 3,
		TXData: []byte{0x9F},
	}
	payloadBuf := make([]byte, reqPayload.EncodedSize())
	_, err := reqPayload.Encode(payloadBuf)
	require.NoError(t, err)

	frame := make([]byte, protocol.SerializedSize(len(payloadBuf)))
	n, err := protocol.Serialize(protocol.CmdSPITransfer, 1, payloadBuf, frame)
	require.NoError(t, err)
	for _, b := range frame[:n] {
		disp.OnByte(b)
	}

	require.Len(t, serial.frames, 1)
	code, id, payload := decodeFrame(t, serial.frames[0])
	require.Equal(t, protocol.CmdSPITransfer, code)
	require.Equal(t, byte(1), id)

	resp, err := protocol.DecodeSPITransferResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEF, 0x40, 0x18}, resp.RXData)
}
