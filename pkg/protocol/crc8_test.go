package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC8EmptyBuffer(t *testing.T) {
	assert.Equal(t, uint8(CRC8Init), CRC8(nil, CRC8Poly, CRC8Init))
}

func TestCRC8ByteByByteMatchesWholeBuffer(t *testing.T) {
	buf := []byte{0xD0, 0x05, 0x00}

	whole := CRC8(buf, CRC8Poly, CRC8Init)

	running := uint8(CRC8Init)
	for _, b := range buf {
		running = CRC8Byte(b, running, CRC8Poly)
	}

	assert.Equal(t, whole, running)
}

func TestCRC8SensitiveToSingleBitFlip(t *testing.T) {
	buf := []byte{0xD0, 0x05, 0x00, 0x01, 0x02}
	base := CRC8(buf, CRC8Poly, CRC8Init)

	for i := range buf {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), buf...)
			flipped[i] ^= 1 << bit
			assert.NotEqualf(t, base, CRC8(flipped, CRC8Poly, CRC8Init),
				"flipping byte %d bit %d did not change the CRC", i, bit)
		}
	}
}
