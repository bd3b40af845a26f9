package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconcilerFinishCommitsOnSuccess(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	r := NewReconciler(e)
	ctx := context.Background()

	_, res, err := e.Admit(ctx, "key-a", 50, 50)
	require.NoError(t, err)

	require.NoError(t, r.Finish(ctx, res, 30, 20, nil))

	inUsed, outUsed, _, err := e.Usage(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(30), inUsed)
	require.Equal(t, int64(20), outUsed)
}

func TestReconcilerFinishReleasesOnUpstreamError(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	r := NewReconciler(e)
	ctx := context.Background()

	_, res, err := e.Admit(ctx, "key-a", 50, 50)
	require.NoError(t, err)

	require.NoError(t, r.Finish(ctx, res, 0, 0, errors.New("upstream blew up")))

	inUsed, outUsed, reqUsed, err := e.Usage(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(0), inUsed)
	require.Equal(t, int64(0), outUsed)
	require.Equal(t, int64(0), reqUsed)
}

func TestReconcilerFinishOnNilReservationIsNoop(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	r := NewReconciler(e)
	require.NoError(t, r.Finish(context.Background(), nil, 1, 1, nil))
}

func TestReconcilerGuardIsNoopAfterFinish(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	r := NewReconciler(e)
	ctx := context.Background()

	_, res, err := e.Admit(ctx, "key-a", 50, 50)
	require.NoError(t, err)

	require.NoError(t, r.Finish(ctx, res, 30, 20, nil))

	// Guard must be a no-op once Finish already closed the reservation,
	// otherwise a deferred guard would double-release committed usage.
	r.Guard(ctx, res)()

	inUsed, outUsed, _, err := e.Usage(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(30), inUsed)
	require.Equal(t, int64(20), outUsed)
}

func TestReconcilerGuardReleasesAbandonedReservation(t *testing.T) {
	e, _ := newTestEngine(t, baseConfig())
	r := NewReconciler(e)
	ctx := context.Background()

	_, res, err := e.Admit(ctx, "key-a", 50, 50)
	require.NoError(t, err)

	r.Guard(ctx, res)()

	inUsed, outUsed, reqUsed, err := e.Usage(ctx, "key-a")
	require.NoError(t, err)
	require.Equal(t, int64(0), inUsed)
	require.Equal(t, int64(0), outUsed)
	require.Equal(t, int64(0), reqUsed)
}
