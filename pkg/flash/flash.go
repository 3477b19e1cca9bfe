// Package flash is the flash operations layer (spec.md §4.7): JEDEC
// SPI NOR opcodes layered on top of pkg/hostlink's segment transport,
// with write-in-progress polling, protect-bit bookkeeping, and
// bounds/alignment checking for erase/program/read.
package flash

import (
	"fmt"
	"log"
	"time"

	"github.com/norlink/flashlink/pkg/catalog"
	"github.com/norlink/flashlink/pkg/hostlink"
)

// JEDEC opcodes.
const (
	opRDID = 0x9F
	opRDSR = 0x05
	opWRSR = 0x01
	opWREN = 0x06
	opREAD = 0x03
	opPP   = 0x02
	opSE   = 0x20
	opBE   = 0xD8
	opCE   = 0xC7
)

const (
	statusWIP = 0x01
	statusWEL = 0x02
)

// WIP poll cadence and per-operation timeouts, per spec.md §4.7.
const (
	PollInterval  = 10 * time.Millisecond
	WriteTimeout  = 200 * time.Millisecond
	SectorTimeout = 500 * time.Millisecond
	BlockTimeout  = 10 * time.Second
	ChipTimeout   = 30 * time.Second
)

// Sentinel errors describing why a flash operation was refused.
var (
	ErrNoDevice        = fmt.Errorf("flash: no device detected")
	ErrUnknownGeometry = fmt.Errorf("flash: unrecognized JEDEC id")
	ErrProtected       = fmt.Errorf("flash: device is write protected")
	ErrOutOfBounds     = fmt.Errorf("flash: address out of bounds")
	ErrAlignment       = fmt.Errorf("flash: address is not aligned to the operation's granularity")
	ErrVerifyFailed    = fmt.Errorf("flash: verification after write did not match")
	ErrTimeout         = fmt.Errorf("flash: write-in-progress did not clear before timeout")
)

// Transport is the subset of *hostlink.Transport a Device needs; kept
// as an interface so tests can substitute a lighter double than a full
// Transport when they only need to exercise flash.Device's own logic.
type Transport interface {
	Do(segments []hostlink.Segment) ([][]byte, error)
}

// Device is a single SPI NOR flash chip reachable over a Transport.
// Geometry is populated by Identify and is zero until then.
type Device struct {
	tr       Transport
	Geometry catalog.Geometry
	JEDECID  [3]byte

	// sleep is the clock seam WIP-polling loops use; tests substitute a
	// fast fake so they don't block on real time.
	sleep func(time.Duration)
}

// New wraps tr. Call Identify before any other operation.
func New(tr Transport) *Device {
	return &Device{tr: tr, sleep: time.Sleep}
}

// SetPollSleep overrides the delay pollWIP waits between status reads.
// Production code never needs this; it exists so tests exercising
// multi-iteration WIP polling don't block on real time.
func (d *Device) SetPollSleep(fn func(time.Duration)) {
	d.sleep = fn
}

func addrBytes(addr int) []byte {
	return []byte{byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// Identify issues RDID and looks the result up in pkg/catalog,
// populating Geometry and JEDECID on success.
func (d *Device) Identify() (catalog.Geometry, error) {
	res, err := d.tr.Do([]hostlink.Segment{{TX: []byte{opRDID, 0, 0, 0}, RXLen: 4}})
	if err != nil {
		return catalog.Geometry{}, fmt.Errorf("flash: RDID: %w", err)
	}
	if len(res[0]) < 4 {
		return catalog.Geometry{}, ErrNoDevice
	}
	id := [3]byte{res[0][1], res[0][2], res[0][3]}
	if id == ([3]byte{0xFF, 0xFF, 0xFF}) || id == ([3]byte{0, 0, 0}) {
		return catalog.Geometry{}, ErrNoDevice
	}
	g, err := catalog.Lookup(id)
	if err != nil {
		log.Printf("Warning: unrecognized JEDEC id % x", id)
		return catalog.Geometry{}, fmt.Errorf("%w: % x", ErrUnknownGeometry, id)
	}
	log.Printf("Identified %s (id=% x, %d bytes)", g.Name, id, g.TotalSize)
	d.JEDECID = id
	d.Geometry = g
	return g, nil
}

// ReadStatus issues RDSR and returns the raw status byte.
func (d *Device) ReadStatus() (byte, error) {
	res, err := d.tr.Do([]hostlink.Segment{{TX: []byte{opRDSR, 0}, RXLen: 2}})
	if err != nil {
		return 0, fmt.Errorf("flash: RDSR: %w", err)
	}
	return res[0][1], nil
}

func (d *Device) writeEnable() error {
	_, err := d.tr.Do([]hostlink.Segment{{TX: []byte{opWREN}}})
	if err != nil {
		return fmt.Errorf("flash: WREN: %w", err)
	}
	return nil
}

// WriteStatus issues WREN followed by WRSR with the given status byte
// and waits for the write to complete.
func (d *Device) WriteStatus(status byte) error {
	if err := d.writeEnable(); err != nil {
		return err
	}
	if _, err := d.tr.Do([]hostlink.Segment{{TX: []byte{opWRSR, status}}}); err != nil {
		return fmt.Errorf("flash: WRSR: %w", err)
	}
	return d.pollWIP(WriteTimeout)
}

// Unlock clears every protect bit the device's geometry defines,
// leaving the rest of the status register untouched.
func (d *Device) Unlock() error {
	status, err := d.ReadStatus()
	if err != nil {
		return err
	}
	return d.WriteStatus(status &^ d.Geometry.ProtectMask)
}

func (d *Device) checkWritable() error {
	status, err := d.ReadStatus()
	if err != nil {
		return err
	}
	if status&d.Geometry.ProtectMask != 0 {
		return ErrProtected
	}
	return nil
}

// EraseSector erases the sector starting at addr, which must be
// sector-aligned (ErrAlignment otherwise).
func (d *Device) EraseSector(addr int) error {
	return d.erase(opSE, addr, d.Geometry.SectorSize, SectorTimeout)
}

// EraseBlock erases the block starting at addr, which must be
// block-aligned (ErrAlignment otherwise).
func (d *Device) EraseBlock(addr int) error {
	return d.erase(opBE, addr, d.Geometry.BlockSize, BlockTimeout)
}

// EraseChip erases the entire device.
func (d *Device) EraseChip() error {
	if err := d.checkWritable(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	if _, err := d.tr.Do([]hostlink.Segment{{TX: []byte{opCE}}}); err != nil {
		return fmt.Errorf("flash: CE: %w", err)
	}
	return d.pollWIP(ChipTimeout)
}

func (d *Device) erase(op byte, addr, granularity int, timeout time.Duration) error {
	if granularity <= 0 {
		return ErrUnknownGeometry
	}
	if addr < 0 || addr >= d.Geometry.TotalSize {
		return ErrOutOfBounds
	}
	if addr%granularity != 0 {
		return ErrAlignment
	}
	if err := d.checkWritable(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	tx := append([]byte{op}, addrBytes(addr)...)
	if _, err := d.tr.Do([]hostlink.Segment{{TX: tx}}); err != nil {
		return fmt.Errorf("flash: erase op 0x%02x: %w", op, err)
	}
	return d.pollWIP(timeout)
}

// ProgramPage writes data (at most PageSize bytes) at addr, which must
// fall within a single page.
func (d *Device) ProgramPage(addr int, data []byte) error {
	if addr < 0 || addr+len(data) > d.Geometry.TotalSize {
		return ErrOutOfBounds
	}
	if len(data) > d.Geometry.PageSize {
		return ErrAlignment
	}
	if pageStart := addr - addr%d.Geometry.PageSize; pageStart+d.Geometry.PageSize < addr+len(data) {
		return ErrAlignment
	}
	if err := d.checkWritable(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	tx := append(append([]byte{opPP}, addrBytes(addr)...), data...)
	if _, err := d.tr.Do([]hostlink.Segment{{TX: tx}}); err != nil {
		return fmt.Errorf("flash: PP: %w", err)
	}
	return d.pollWIP(WriteTimeout)
}

// Read streams n bytes starting at addr.
func (d *Device) Read(addr, n int) ([]byte, error) {
	if addr < 0 || addr+n > d.Geometry.TotalSize {
		return nil, ErrOutOfBounds
	}
	tx := append([]byte{opREAD}, addrBytes(addr)...)
	res, err := d.tr.Do([]hostlink.Segment{{TX: tx, RXLen: len(tx) + n}})
	if err != nil {
		return nil, fmt.Errorf("flash: READ: %w", err)
	}
	return res[0][len(tx):], nil
}

func (d *Device) pollWIP(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := d.ReadStatus()
		if err != nil {
			return err
		}
		if status&statusWIP == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			log.Printf("Warning: write-in-progress did not clear within %s", timeout)
			return ErrTimeout
		}
		d.sleep(PollInterval)
	}
}
