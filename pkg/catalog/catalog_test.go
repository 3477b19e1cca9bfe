package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norlink/flashlink/pkg/catalog"
)

func TestLookupKnownDevice(t *testing.T) {
	g, err := catalog.Lookup([3]byte{0xEF, 0x40, 0x18})
	require.NoError(t, err)
	assert.Equal(t, "W25Q128FV", g.Name)
	assert.Equal(t, 16*1024*1024, g.TotalSize)
	assert.Equal(t, 256, g.Blocks())
	assert.Equal(t, 4096, g.Sectors())
}

func TestLookupUnknownDevice(t *testing.T) {
	_, err := catalog.Lookup([3]byte{0x00, 0x00, 0x00})
	assert.ErrorIs(t, err, catalog.ErrUnknownDevice)
}

func TestGeometryUnitCounts(t *testing.T) {
	g, err := catalog.Lookup([3]byte{0xC8, 0x40, 0x17})
	require.NoError(t, err)
	assert.Equal(t, g.TotalSize, g.Blocks()*g.BlockSize)
	assert.Equal(t, g.TotalSize, g.Sectors()*g.SectorSize)
	assert.Equal(t, g.TotalSize, g.Pages()*g.PageSize)
}
