package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/norlink/flashlink/pkg/flash"
	"github.com/norlink/flashlink/pkg/hostlink"
	"github.com/norlink/flashlink/pkg/orchestrator"
	"github.com/norlink/flashlink/pkg/telemetry"
)

// Configuration flags
var (
	portName = flag.String("port", "/dev/ttyACM0", "Serial port connected to the flash programmer")
	baudRate = flag.Int("baud", 115200, "Serial baud rate")
	timeout  = flag.Duration("timeout", hostlink.DefaultTimeout, "Per-request timeout")

	operation     = flag.String("op", "", "Operation to run: erase, unlock, write, read")
	mode          = flag.String("mode", "chip", "Region granularity: chip, block, sector")
	index         = flag.Int("index", 0, "Block/sector index (ignored for -mode=chip)")
	inputPath     = flag.String("in", "", "File to read write data from (required for -op=write)")
	outputPath    = flag.String("out", "", "File to write read data to (required for -op=read)")
	verify        = flag.Bool("verify", false, "Read back every programmed page and compare")
	skipRedundant = flag.Bool("skip-redundant", false, "Skip erasing a region that already reads as all 0xFF, and skip programming pages that already match the input")

	redisAddr = flag.String("redis-addr", "", "Redis server address for progress telemetry (disabled if empty)")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")
	redisKey  = flag.String("redis-key", "flashlink", "Redis hash/channel key for progress telemetry")
)

func parseOperation(s string) (orchestrator.Operation, error) {
	switch strings.ToLower(s) {
	case "erase":
		return orchestrator.OpErase, nil
	case "unlock":
		return orchestrator.OpUnlock, nil
	case "write":
		return orchestrator.OpWrite, nil
	case "read":
		return orchestrator.OpRead, nil
	default:
		return 0, fmt.Errorf("unknown -op %q: want erase, unlock, write or read", s)
	}
}

func parseMode(s string) (orchestrator.Mode, error) {
	switch strings.ToLower(s) {
	case "chip":
		return orchestrator.ModeChip, nil
	case "block":
		return orchestrator.ModeBlock, nil
	case "sector":
		return orchestrator.ModeSector, nil
	default:
		return 0, fmt.Errorf("unknown -mode %q: want chip, block or sector", s)
	}
}

func buildStep() (orchestrator.Step, func(), error) {
	op, err := parseOperation(*operation)
	if err != nil {
		return orchestrator.Step{}, nil, err
	}
	m, err := parseMode(*mode)
	if err != nil {
		return orchestrator.Step{}, nil, err
	}

	step := orchestrator.Step{Operation: op, Mode: m, Index: *index, Verify: *verify, SkipRedundant: *skipRedundant}
	closeFn := func() {}

	switch op {
	case orchestrator.OpWrite:
		if *inputPath == "" {
			return orchestrator.Step{}, nil, fmt.Errorf("-op=write requires -in")
		}
		f, err := os.Open(*inputPath)
		if err != nil {
			return orchestrator.Step{}, nil, fmt.Errorf("opening -in: %w", err)
		}
		step.Input = f
		closeFn = func() { f.Close() }
	case orchestrator.OpRead:
		if *outputPath == "" {
			return orchestrator.Step{}, nil, fmt.Errorf("-op=read requires -out")
		}
		f, err := os.Create(*outputPath)
		if err != nil {
			return orchestrator.Step{}, nil, fmt.Errorf("creating -out: %w", err)
		}
		step.Output = f
		closeFn = func() { f.Close() }
	}

	return step, closeFn, nil
}

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *operation == "" {
		log.Fatalf("missing required flag -op")
	}
	step, closeInputOutput, err := buildStep()
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer closeInputOutput()

	log.Printf("Opening %s at %d baud", *portName, *baudRate)
	port, err := serial.Open(*portName, &serial.Mode{BaudRate: *baudRate})
	if err != nil {
		log.Fatalf("Failed to open serial port: %v", err)
	}
	defer port.Close()

	tr, err := hostlink.Attach(port, *timeout)
	if err != nil {
		log.Fatalf("Failed to attach to device: %v", err)
	}
	defer func() {
		if err := tr.Detach(); err != nil {
			log.Printf("Warning: detach failed: %v", err)
		}
		tr.Close()
	}()
	log.Printf("Attached to device, protocol v%d.%d, max packet size %d", tr.VersionMajor, tr.VersionMinor, tr.MaxPacketSize)

	device := flash.New(tr)

	runner := orchestrator.NewRunner(device)
	if *redisAddr != "" {
		reporter, err := telemetry.New(*redisAddr, *redisPass, *redisDB, *redisKey)
		if err != nil {
			log.Printf("Warning: telemetry disabled: %v", err)
		} else {
			defer reporter.Close()
			runner.Reporter = reporter
		}
	}

	plan := orchestrator.Plan{Steps: []orchestrator.Step{step}}
	if err := runner.Run(plan); err != nil {
		log.Fatalf("Operation failed: %v", err)
	}

	log.Printf("Identified %s (%d bytes)", device.Geometry.Name, device.Geometry.TotalSize)
	log.Printf("Done")
}
