package mirror

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustApply(t *testing.T, u *Upserter, doc Document) {
	t.Helper()
	applied, err := u.Apply(context.Background(), doc)
	require.NoError(t, err)
	require.True(t, applied, "document %s not applied", doc.ID)
}

func TestUpserterIsIdempotent(t *testing.T) {
	once := newFakeDestination()
	twice := newFakeDestination()
	a := testDoc("a1", `{"_id":"a1","v":1}`)

	mustApply(t, NewUpserter(once, UpserterOptions{}, zerolog.Nop()), a)
	u := NewUpserter(twice, UpserterOptions{}, zerolog.Nop())
	mustApply(t, u, a)
	mustApply(t, u, a)

	if diff := cmp.Diff(once.snapshot(), twice.snapshot()); diff != "" {
		t.Fatalf("state after one apply vs two (-once +twice):\n%s", diff)
	}
	assert.Equal(t, UpsertStats{Applied: 2}, u.Stats())
}

func TestUpserterLastWriteWins(t *testing.T) {
	dest := newFakeDestination()
	u := NewUpserter(dest, UpserterOptions{}, zerolog.Nop())

	mustApply(t, u, testDoc("a1", `{"_id":"a1","v":1}`))
	mustApply(t, u, testDoc("a1", `{"_id":"a1","v":2}`))

	assert.Equal(t, map[string]string{"a1": `{"_id":"a1","v":2}`}, dest.snapshot())
}

func TestUpserterLogsAndSkipsFailedWrites(t *testing.T) {
	ctx := context.Background()
	dest := newFakeDestination()
	dest.upsertErrs["bad"] = []error{errors.New("value too long")}
	var logs bytes.Buffer
	u := NewUpserter(dest, UpserterOptions{}, zerolog.New(&logs))

	applied, err := u.Apply(ctx, testDoc("bad", `{"_id":"bad"}`))
	require.NoError(t, err)
	assert.False(t, applied)
	mustApply(t, u, testDoc("good", `{"_id":"good"}`))

	assert.Equal(t, []string{"good"}, dest.writeLog())
	assert.Equal(t, UpsertStats{Applied: 1, Failed: 1}, u.Stats())
	assert.Contains(t, logs.String(), "upsert failed, document skipped")
	assert.Contains(t, logs.String(), `"id":"bad"`)
}

func TestUpserterRetriesTransientFailures(t *testing.T) {
	dest := newFakeDestination()
	dest.upsertErrs["a1"] = []error{connRefused("pg:5432"), connRefused("pg:5432")}
	waits := &waitRecorder{}
	u := NewUpserter(dest, UpserterOptions{
		Retrier: &Retrier{MaxAttempts: 3, Wait: waits.Wait, Log: zerolog.Nop()},
	}, zerolog.Nop())

	mustApply(t, u, testDoc("a1", `{"_id":"a1"}`))
	assert.Equal(t, []string{"a1"}, dest.writeLog())
	assert.Len(t, waits.recorded(), 2)
	assert.Equal(t, UpsertStats{Applied: 1}, u.Stats())
}

func TestUpserterDedupeConsecutive(t *testing.T) {
	dest := newFakeDestination()
	u := NewUpserter(dest, UpserterOptions{DedupeConsecutive: true}, zerolog.Nop())

	v1 := testDoc("a1", `{"_id":"a1","v":1}`)
	v2 := testDoc("a1", `{"_id":"a1","v":2}`)
	for _, d := range []Document{v1, v1, v2, v2, v1} {
		mustApply(t, u, d)
	}
	assert.Equal(t, []string{"a1", "a1", "a1"}, dest.writeLog())
	assert.Equal(t, UpsertStats{Applied: 3, Deduped: 2}, u.Stats())
	assert.Equal(t, `{"_id":"a1","v":1}`, dest.snapshot()["a1"])
}

func TestUpserterDedupeDoesNotRememberFailures(t *testing.T) {
	ctx := context.Background()
	dest := newFakeDestination()
	dest.upsertErrs["a1"] = []error{errors.New("boom")}
	u := NewUpserter(dest, UpserterOptions{DedupeConsecutive: true}, zerolog.Nop())

	d := testDoc("a1", `{"_id":"a1"}`)
	applied, err := u.Apply(ctx, d)
	require.NoError(t, err)
	assert.False(t, applied)
	mustApply(t, u, d)
	assert.Equal(t, []string{"a1"}, dest.writeLog())
	assert.Equal(t, UpsertStats{Applied: 1, Failed: 1}, u.Stats())
}

func TestUpserterRejectsMissingID(t *testing.T) {
	dest := newFakeDestination()
	u := NewUpserter(dest, UpserterOptions{}, zerolog.Nop())
	applied, err := u.Apply(context.Background(), testDoc("", `{}`))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Empty(t, dest.writeLog())
	assert.Equal(t, int64(1), u.Stats().Failed)
}

func TestUpserterReturnsContextErrors(t *testing.T) {
	dest := newFakeDestination()
	dest.upsertDelay = time.Second
	u := NewUpserter(dest, UpserterOptions{}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	applied, err := u.Apply(ctx, testDoc("a1", `{"_id":"a1"}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, applied)
	assert.Equal(t, UpsertStats{}, u.Stats())
}

func TestUpserterThrottle(t *testing.T) {
	dest := newFakeDestination()
	u := NewUpserter(dest, UpserterOptions{WritesPerSecond: 50}, zerolog.Nop())
	start := time.Now()
	for i := 0; i < 60; i++ {
		mustApply(t, u, testDoc("a1", `{"_id":"a1"}`))
	}
	// burst of 50, then 10 more at 50/s.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Len(t, dest.writeLog(), 60)
}

func TestUpserterThrottleDeadlineCountsFailure(t *testing.T) {
	dest := newFakeDestination()
	var logs bytes.Buffer
	u := NewUpserter(dest, UpserterOptions{WritesPerSecond: 0.01}, zerolog.New(&logs))
	mustApply(t, u, testDoc("a1", `{"_id":"a1"}`))

	// The next token is 100s away, far past this deadline.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	applied, err := u.Apply(ctx, testDoc("a2", `{"_id":"a2"}`))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, []string{"a1"}, dest.writeLog())
	assert.Equal(t, UpsertStats{Applied: 1, Failed: 1}, u.Stats())
	assert.Contains(t, logs.String(), `"id":"a2"`)
}
