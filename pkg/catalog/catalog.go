// Package catalog is the flash chip catalog (spec.md §4.8): an
// immutable JEDEC-id-to-geometry registry that pkg/flash consults
// after Identify to learn a chip's block/sector/page layout. Loading
// catalog data from a file is explicitly out of scope (spec.md §1); the
// registry here is a fixed, compiled-in table, matching how the
// teacher's pkg/ble/types.go hard-codes its own lookup tables.
package catalog

import "fmt"

// Geometry describes a flash chip's erase/program granularity.
type Geometry struct {
	Name        string
	TotalSize   int
	BlockSize   int
	SectorSize  int
	PageSize    int
	ProtectMask byte
}

// Blocks, Sectors and Pages report how many of each unit the chip has.
func (g Geometry) Blocks() int  { return g.TotalSize / g.BlockSize }
func (g Geometry) Sectors() int { return g.TotalSize / g.SectorSize }
func (g Geometry) Pages() int   { return g.TotalSize / g.PageSize }

// validate checks the block/sector/page/total-size invariant spec.md
// §3 requires: every erase/program granularity must evenly divide the
// chip's total size.
func (g Geometry) validate() error {
	if g.TotalSize <= 0 || g.BlockSize <= 0 || g.SectorSize <= 0 || g.PageSize <= 0 {
		return fmt.Errorf("catalog: %s: all sizes must be positive", g.Name)
	}
	if g.TotalSize%g.BlockSize != 0 {
		return fmt.Errorf("catalog: %s: block size %d does not evenly divide total size %d", g.Name, g.BlockSize, g.TotalSize)
	}
	if g.TotalSize%g.SectorSize != 0 {
		return fmt.Errorf("catalog: %s: sector size %d does not evenly divide total size %d", g.Name, g.SectorSize, g.TotalSize)
	}
	if g.BlockSize%g.SectorSize != 0 {
		return fmt.Errorf("catalog: %s: block size %d is not a multiple of sector size %d", g.Name, g.BlockSize, g.SectorSize)
	}
	if g.TotalSize%g.PageSize != 0 {
		return fmt.Errorf("catalog: %s: page size %d does not evenly divide total size %d", g.Name, g.PageSize, g.TotalSize)
	}
	if g.SectorSize%g.PageSize != 0 {
		return fmt.Errorf("catalog: %s: sector size %d is not a multiple of page size %d", g.Name, g.SectorSize, g.PageSize)
	}
	return nil
}

const defaultPageSize = 256

// entries is the compiled-in JEDEC-id -> Geometry table. Entries cover
// the common Winbond/Macronix/GigaDevice parts a flash programmer
// would realistically target; spec.md never mandates a specific part
// list.
var entries = map[[3]byte]Geometry{
	{0xEF, 0x40, 0x18}: {Name: "W25Q128FV", TotalSize: 16 * 1024 * 1024, BlockSize: 64 * 1024, SectorSize: 4096, PageSize: defaultPageSize, ProtectMask: 0x9C},
	{0xEF, 0x40, 0x17}: {Name: "W25Q64FV", TotalSize: 8 * 1024 * 1024, BlockSize: 64 * 1024, SectorSize: 4096, PageSize: defaultPageSize, ProtectMask: 0x9C},
	{0xEF, 0x40, 0x16}: {Name: "W25Q32FV", TotalSize: 4 * 1024 * 1024, BlockSize: 64 * 1024, SectorSize: 4096, PageSize: defaultPageSize, ProtectMask: 0x9C},
	{0xC2, 0x20, 0x18}: {Name: "MX25L12835F", TotalSize: 16 * 1024 * 1024, BlockSize: 64 * 1024, SectorSize: 4096, PageSize: defaultPageSize, ProtectMask: 0xBC},
	{0xC8, 0x40, 0x17}: {Name: "GD25Q64C", TotalSize: 8 * 1024 * 1024, BlockSize: 64 * 1024, SectorSize: 4096, PageSize: defaultPageSize, ProtectMask: 0x9C},
}

func init() {
	for id, g := range entries {
		if err := g.validate(); err != nil {
			panic(err)
		}
		_ = id
	}
}

// ErrUnknownDevice is returned by Lookup when no entry matches a JEDEC
// id.
var ErrUnknownDevice = fmt.Errorf("catalog: unknown JEDEC id")

// Lookup returns the geometry registered for a 3-byte JEDEC id
// (manufacturer, memory type, capacity), as reported by the RDID
// opcode.
func Lookup(id [3]byte) (Geometry, error) {
	g, ok := entries[id]
	if !ok {
		return Geometry{}, fmt.Errorf("%w: % x", ErrUnknownDevice, id)
	}
	return g, nil
}
