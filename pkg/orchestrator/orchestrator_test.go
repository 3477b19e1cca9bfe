package orchestrator_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/norlink/flashlink/pkg/firmware/firmwaretest"
	"github.com/norlink/flashlink/pkg/flash"
	"github.com/norlink/flashlink/pkg/hostlink"
	"github.com/norlink/flashlink/pkg/orchestrator"
)

type recordingReporter struct {
	messages []string
}

func (r *recordingReporter) Progress(i, total int, msg string) {
	r.messages = append(r.messages, msg)
}

func newRunner(t *testing.T) (*orchestrator.Runner, *recordingReporter) {
	t.Helper()
	fakeFlash := firmwaretest.NewFakeFlash([3]byte{0xEF, 0x40, 0x18}, 64*1024, 2, 4096, 256, 0x9C)
	pair := firmwaretest.NewLinkedPair(make([]byte, 256), fakeFlash, fakeFlash)
	tr, err := hostlink.Attach(pair.HostConn, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		tr.Close()
		pair.Close()
	})
	d := flash.New(tr)
	d.SetPollSleep(func(time.Duration) {})
	rep := &recordingReporter{}
	r := orchestrator.NewRunner(d)
	r.Reporter = rep
	return r, rep
}

// TestUnlockEraseWriteVerifyPlan is scenario S5 run end-to-end through
// a Plan instead of calling flash.Device methods directly.
func TestUnlockEraseWriteVerifyPlan(t *testing.T) {
	r, rep := newRunner(t)

	payload := bytes.Repeat([]byte{0xAA, 0x55}, 8)
	var out bytes.Buffer

	plan := orchestrator.Plan{Steps: []orchestrator.Step{
		{Operation: orchestrator.OpUnlock},
		{Operation: orchestrator.OpErase, Mode: orchestrator.ModeSector, Index: 0},
		{Operation: orchestrator.OpWrite, Mode: orchestrator.ModeSector, Index: 0, Input: bytes.NewReader(payload), Verify: true},
		{Operation: orchestrator.OpRead, Mode: orchestrator.ModeSector, Index: 0, Output: &out},
	}}

	require.NoError(t, r.Run(plan))
	assert.Equal(t, payload, out.Bytes()[:len(payload)])
	assert.Len(t, rep.messages, 4)
}

// TestSkipRedundantEraseAvoidsReErasingBlankRegion exercises the
// skip-redundant flag against a sector that is already fully erased.
func TestSkipRedundantEraseAvoidsReErasingBlankRegion(t *testing.T) {
	r, _ := newRunner(t)

	plan := orchestrator.Plan{Steps: []orchestrator.Step{
		{Operation: orchestrator.OpUnlock},
		{Operation: orchestrator.OpErase, Mode: orchestrator.ModeSector, Index: 1, SkipRedundant: true},
	}}
	require.NoError(t, r.Run(plan))
}

func TestWriteStepRequiresInput(t *testing.T) {
	r, _ := newRunner(t)
	plan := orchestrator.Plan{Steps: []orchestrator.Step{
		{Operation: orchestrator.OpUnlock},
		{Operation: orchestrator.OpWrite, Mode: orchestrator.ModeSector, Index: 0},
	}}
	err := r.Run(plan)
	assert.Error(t, err)
}

func TestEraseOutOfBoundsIndexFails(t *testing.T) {
	r, _ := newRunner(t)
	plan := orchestrator.Plan{Steps: []orchestrator.Step{
		{Operation: orchestrator.OpErase, Mode: orchestrator.ModeSector, Index: 9999},
	}}
	err := r.Run(plan)
	assert.ErrorIs(t, err, flash.ErrOutOfBounds)
}
