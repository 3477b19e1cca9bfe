package telemetry_test

import (
	"testing"

	"github.com/norlink/flashlink/pkg/telemetry"
)

// TestNilReporterIsANoop documents that an orchestrator wired with no
// telemetry configured (a nil *Reporter) never panics.
func TestNilReporterIsANoop(t *testing.T) {
	var r *telemetry.Reporter
	r.Progress(1, 4, "erase sector 0")
	if err := r.Close(); err != nil {
		t.Fatalf("Close on nil Reporter returned an error: %v", err)
	}
}
