package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetrier(waits *waitRecorder, attempts int) *Retrier {
	return &Retrier{MaxAttempts: attempts, Rand: func() float64 { return 0.5 }, Wait: waits.Wait, Log: zerolog.Nop()}
}

func TestHealthGateReady(t *testing.T) {
	source := &fakeSource{info: SourceInfo{Database: "orders", DocCount: 2, UpdateSeq: "7-abc"}}
	dest := newFakeDestination()
	gate := NewHealthGate(source, dest, newTestRetrier(&waitRecorder{}, 3), zerolog.Nop())

	readiness, err := gate.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, readiness.Ready())
	assert.Equal(t, "7-abc", readiness.UpdateSeq)
	assert.False(t, readiness.CheckedAt.IsZero())
}

func TestHealthGateRetriesRefusedSource(t *testing.T) {
	source := &fakeSource{
		infoErrs: []error{connRefused("couch:5984"), connRefused("couch:5984")},
		info:     SourceInfo{Database: "orders", UpdateSeq: "1-a"},
	}
	waits := &waitRecorder{}
	gate := NewHealthGate(source, newFakeDestination(), newTestRetrier(waits, 10), zerolog.Nop())

	readiness, err := gate.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, readiness.Ready())
	assert.Equal(t, 3, source.infoCalls)
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second}, waits.recorded())
}

func TestHealthGateProvisionsMissingEndpoints(t *testing.T) {
	source := &fakeSource{infoErrs: []error{ErrSourceNotFound}}
	dest := newFakeDestination()
	dest.checkErrs = []error{ErrRelationNotFound}
	waits := &waitRecorder{}
	gate := NewHealthGate(source, dest, newTestRetrier(waits, 3), zerolog.Nop())

	readiness, err := gate.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, readiness.Ready())
	assert.Empty(t, readiness.UpdateSeq)
	assert.Equal(t, 1, source.created)
	assert.Equal(t, 1, dest.created)
	assert.Empty(t, waits.recorded())
}

func TestHealthGateFailsAfterExhaustingAttempts(t *testing.T) {
	source := &fakeSource{info: SourceInfo{Database: "orders"}}
	dest := newFakeDestination()
	dest.checkErrs = []error{connRefused("pg"), connRefused("pg"), connRefused("pg")}
	gate := NewHealthGate(source, dest, newTestRetrier(&waitRecorder{}, 3), zerolog.Nop())

	readiness, err := gate.Check(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnRefused)
	assert.True(t, readiness.SourceReady)
	assert.False(t, readiness.DestinationReady)
	assert.False(t, readiness.Ready())
}

func TestHealthGateSourceCreateFailure(t *testing.T) {
	source := &fakeSource{infoErrs: []error{ErrSourceNotFound}, createErr: errors.New("forbidden")}
	gate := NewHealthGate(source, newFakeDestination(), newTestRetrier(&waitRecorder{}, 1), zerolog.Nop())

	readiness, err := gate.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create source database")
	assert.False(t, readiness.SourceReady)
	assert.True(t, readiness.DestinationReady)
}

func TestHealthGateRejectsMissingCollaborators(t *testing.T) {
	_, err := NewHealthGate(nil, newFakeDestination(), nil, zerolog.Nop()).Check(context.Background())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// The orchestrator must not write anything while the source check is still
// pending, even though the destination is already reachable.
func TestNoWritesBeforeBothChecksPass(t *testing.T) {
	release := make(chan struct{})
	source := &fakeSource{
		infoDelay: release,
		info:      SourceInfo{Database: "orders", UpdateSeq: "2-b"},
		dump:      "[\n" + `{"id":"a1","doc":{"_id":"a1"}}` + "\n]",
		endFeed:   true,
	}
	dest := newFakeDestination()
	gate := NewHealthGate(source, dest, newTestRetrier(&waitRecorder{}, 3), zerolog.Nop())
	upserter := NewUpserter(dest, UpserterOptions{}, zerolog.Nop())
	orch := NewOrchestrator(gate, source, upserter, OrchestratorOptions{Database: "orders"}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- orch.Run(context.Background()) }()

	require.Eventually(t, func() bool { return orch.Phase() == PhaseHealthChecking }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, dest.writeLog(), "no writes while the source check is pending")
	assert.Equal(t, PhaseHealthChecking, orch.Phase())

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not finish")
	}
	assert.Equal(t, []string{"a1"}, dest.writeLog())
}
