package obs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRequestIDIsEightCharacters(t *testing.T) {
	id := NewRequestID()
	require.Len(t, id, 8)
}

func TestNewRequestIDIsUnique(t *testing.T) {
	require.NotEqual(t, NewRequestID(), NewRequestID())
}

func TestWithRequestIDRoundTrips(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc123")
	require.Equal(t, "req-abc123", RequestIDFromContext(ctx))
}

func TestRequestIDFromContextEmptyWhenUnset(t *testing.T) {
	require.Equal(t, "", RequestIDFromContext(context.Background()))
}

func TestTimerStopReturnsElapsedDuration(t *testing.T) {
	timer := NewTimer("unit-test-timer")
	time.Sleep(2 * time.Millisecond)
	elapsed := timer.Stop()
	require.GreaterOrEqual(t, elapsed, 2*time.Millisecond)
}

func TestGetLoggerReturnsDefaultWhenUnset(t *testing.T) {
	logger := GetLogger(context.Background())
	require.NotNil(t, logger)
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	require.Equal(t, parseLevel(Level("not-a-real-level")), parseLevel(InfoLevel))
}
