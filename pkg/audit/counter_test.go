package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/realmgate/pkg/errors"
)

type fakeCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	windows map[string]time.Duration
	err     error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}, windows: map[string]time.Duration{}}
}

func (c *fakeCounter) IncrWithin(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.counts[key]++
	c.windows[key] = window
	return c.counts[key], nil
}

func TestRedisCounter_KeysPerCodeAndCaller(t *testing.T) {
	t.Parallel()
	fc := newFakeCounter()
	rc := NewRedisCounter(fc, CounterConfig{}, zerolog.Nop())
	ctx := context.Background()

	rc.RecordDeny(ctx, denyEvent(sserr.CodeTokenExpired))
	rc.RecordDeny(ctx, denyEvent(sserr.CodeTokenExpired))
	ev := denyEvent(sserr.CodeInvalidSignature)
	ev.Caller = ""
	rc.RecordDeny(ctx, ev)

	assert.Equal(t, int64(2), fc.counts["realmgate:denies:TOKEN_EXPIRED:10.0.0.7"])
	assert.Equal(t, int64(1), fc.counts["realmgate:denies:INVALID_SIGNATURE:unknown"])
	assert.Equal(t, time.Minute, fc.windows["realmgate:denies:TOKEN_EXPIRED:10.0.0.7"])
}

func TestRedisCounter_AlertsOnceAtThreshold(t *testing.T) {
	t.Parallel()
	logger, buf := newTestLogger()
	rc := NewRedisCounter(newFakeCounter(), CounterConfig{
		KeyPrefix:          "t:",
		Window:             30 * time.Second,
		Threshold:          3,
		CrossPoolThreshold: 2,
	}, logger)
	ctx := context.Background()

	for range 5 {
		rc.RecordDeny(ctx, denyEvent(sserr.CodeTokenExpired))
		rc.RecordDeny(ctx, denyEvent(sserr.CodeCrossPoolAccess))
	}

	lines := logLines(t, buf.String())
	require.Len(t, lines, 2)
	assert.Equal(t, "CROSS_POOL_ACCESS", lines[0]["error_code"])
	assert.EqualValues(t, 2, lines[0]["count"])
	assert.Equal(t, "TOKEN_EXPIRED", lines[1]["error_code"])
	assert.EqualValues(t, 3, lines[1]["count"])
	for _, l := range lines {
		assert.Equal(t, "error", l["level"])
		assert.Equal(t, "deny_rate_exceeded", l["event"])
	}
}

func TestRedisCounter_ZeroThresholdDisablesAlerts(t *testing.T) {
	t.Parallel()
	logger, buf := newTestLogger()
	rc := NewRedisCounter(newFakeCounter(), CounterConfig{}, logger)
	rc.RecordDeny(context.Background(), denyEvent(sserr.CodeCrossPoolAccess))
	assert.Empty(t, buf.String())
}

func TestRedisCounter_StoreErrorLogged(t *testing.T) {
	t.Parallel()
	logger, buf := newTestLogger()
	fc := newFakeCounter()
	fc.err = sserr.Wrap(errors.New("i/o timeout"), sserr.CodeStorageTimeout, "redis: INCR")
	rc := NewRedisCounter(fc, CounterConfig{Threshold: 1}, logger)

	rc.RecordDeny(context.Background(), denyEvent(sserr.CodeTokenExpired))

	lines := logLines(t, buf.String())
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "STORAGE_TIMEOUT", lines[0]["error_code"])
}
