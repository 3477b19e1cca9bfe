// Package orchestrator is the top-level workflow driver (spec.md
// §4.9): it turns a Plan of erase/unlock/write/read Steps into a
// sequence of pkg/flash calls, running an implicit Identify first and
// reporting progress through an optional Reporter.
package orchestrator

import (
	"bytes"
	"fmt"
	"io"
	"log"

	"github.com/norlink/flashlink/pkg/flash"
)

// Operation names what a Step does.
type Operation int

const (
	OpErase Operation = iota
	OpUnlock
	OpWrite
	OpRead
)

func (o Operation) String() string {
	switch o {
	case OpErase:
		return "erase"
	case OpUnlock:
		return "unlock"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	default:
		return "unknown"
	}
}

// Mode selects the granularity a Step's Index is measured in.
type Mode int

const (
	ModeChip Mode = iota
	ModeBlock
	ModeSector
)

func (m Mode) String() string {
	switch m {
	case ModeChip:
		return "chip"
	case ModeBlock:
		return "block"
	case ModeSector:
		return "sector"
	default:
		return "unknown"
	}
}

// Step is one unit of work in a Plan. Index is a block or sector
// number and is ignored when Mode is ModeChip. Input feeds an OpWrite
// step; Output receives an OpRead step's bytes.
type Step struct {
	Operation Operation
	Mode      Mode
	Index     int

	Input  io.Reader
	Output io.Writer

	// Verify reads back every programmed page and compares it against
	// what was written.
	Verify bool

	// SkipRedundant skips an erase whose target region already reads as
	// all 0xFF, and on a write skips programming any page whose current
	// contents already match the input (spec.md §4.9's "skip-redundant"
	// flag).
	SkipRedundant bool
}

// Plan is an ordered list of Steps to run against one device.
type Plan struct {
	Steps []Step
}

// Reporter receives progress notifications as a Plan runs. Callers
// that don't need progress reporting can leave it nil.
type Reporter interface {
	Progress(stepIndex, totalSteps int, message string)
}

// Runner executes a Plan against a flash.Device.
type Runner struct {
	Device   *flash.Device
	Reporter Reporter
}

// NewRunner constructs a Runner with no progress reporting.
func NewRunner(d *flash.Device) *Runner {
	return &Runner{Device: d}
}

func (r *Runner) report(i, total int, msg string) {
	if r.Reporter != nil {
		r.Reporter.Progress(i, total, msg)
	}
}

// Run identifies the attached device, then executes every Step in
// order, stopping at the first error.
func (r *Runner) Run(plan Plan) error {
	if _, err := r.Device.Identify(); err != nil {
		return fmt.Errorf("orchestrator: identify: %w", err)
	}

	for i, step := range plan.Steps {
		log.Printf("Running step %d/%d: %s %s index=%d", i+1, len(plan.Steps), step.Operation, step.Mode, step.Index)
		r.report(i, len(plan.Steps), fmt.Sprintf("%s %s", step.Operation, step.Mode))
		if err := r.runStep(step); err != nil {
			log.Printf("Warning: step %d (%s %s) failed: %v", i, step.Operation, step.Mode, err)
			return fmt.Errorf("orchestrator: step %d (%s %s): %w", i, step.Operation, step.Mode, err)
		}
	}
	return nil
}

func (r *Runner) runStep(s Step) error {
	switch s.Operation {
	case OpUnlock:
		return r.Device.Unlock()
	case OpErase:
		return r.runErase(s)
	case OpWrite:
		return r.runWrite(s)
	case OpRead:
		return r.runRead(s)
	default:
		return fmt.Errorf("unknown operation %v", s.Operation)
	}
}

func (r *Runner) regionBounds(mode Mode, index int) (addr, size int, err error) {
	g := r.Device.Geometry
	switch mode {
	case ModeChip:
		return 0, g.TotalSize, nil
	case ModeBlock:
		if index < 0 || index >= g.Blocks() {
			return 0, 0, flash.ErrOutOfBounds
		}
		return index * g.BlockSize, g.BlockSize, nil
	case ModeSector:
		if index < 0 || index >= g.Sectors() {
			return 0, 0, flash.ErrOutOfBounds
		}
		return index * g.SectorSize, g.SectorSize, nil
	default:
		return 0, 0, fmt.Errorf("unknown mode %v", mode)
	}
}

func (r *Runner) runErase(s Step) error {
	addr, size, err := r.regionBounds(s.Mode, s.Index)
	if err != nil {
		return err
	}

	if s.SkipRedundant {
		current, err := r.Device.Read(addr, size)
		if err != nil {
			return err
		}
		if allOnes(current) {
			return nil
		}
	}

	switch s.Mode {
	case ModeChip:
		return r.Device.EraseChip()
	case ModeBlock:
		return r.Device.EraseBlock(addr)
	case ModeSector:
		return r.Device.EraseSector(addr)
	default:
		return fmt.Errorf("unknown mode %v", s.Mode)
	}
}

func allOnes(b []byte) bool {
	for _, v := range b {
		if v != 0xFF {
			return false
		}
	}
	return true
}

func (r *Runner) runWrite(s Step) error {
	if s.Input == nil {
		return fmt.Errorf("write step has no Input")
	}
	addr, size, err := r.regionBounds(s.Mode, s.Index)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(io.LimitReader(s.Input, int64(size)))
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	pageSize := r.Device.Geometry.PageSize
	for off := 0; off < len(data); off += pageSize {
		end := off + pageSize
		if end > len(data) {
			end = len(data)
		}
		pageAddr := addr + off
		page := data[off:end]

		if s.SkipRedundant {
			current, err := r.Device.Read(pageAddr, len(page))
			if err != nil {
				return fmt.Errorf("reading page at 0x%06x for skip-redundant check: %w", pageAddr, err)
			}
			if bytes.Equal(current, page) {
				continue
			}
		}

		// A short final page is padded to the full page size with 0xFF
		// (spec.md §4.9): programming 0xFF bits is a no-op on NOR flash,
		// so this only touches bytes the caller never supplied.
		toWrite := page
		if len(page) < pageSize {
			toWrite = make([]byte, pageSize)
			copy(toWrite, page)
			for i := len(page); i < pageSize; i++ {
				toWrite[i] = 0xFF
			}
		}

		if err := r.Device.ProgramPage(pageAddr, toWrite); err != nil {
			return fmt.Errorf("programming page at 0x%06x: %w", pageAddr, err)
		}
		if s.Verify {
			readBack, err := r.Device.Read(pageAddr, len(page))
			if err != nil {
				return fmt.Errorf("verifying page at 0x%06x: %w", pageAddr, err)
			}
			if !bytes.Equal(readBack, page) {
				return fmt.Errorf("0x%06x: %w", pageAddr, flash.ErrVerifyFailed)
			}
		}
	}
	return nil
}

func (r *Runner) runRead(s Step) error {
	if s.Output == nil {
		return fmt.Errorf("read step has no Output")
	}
	addr, size, err := r.regionBounds(s.Mode, s.Index)
	if err != nil {
		return err
	}
	data, err := r.Device.Read(addr, size)
	if err != nil {
		return err
	}
	_, err = s.Output.Write(data)
	return err
}
