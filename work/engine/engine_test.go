package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kptv-player/work/engine"
	"kptv-player/work/engine/enginetest"
	"kptv-player/work/types"
)

func TestOpenBuildsEngineLazily(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := enginetest.New()
	h := engine.NewHandle(enginetest.Factory(fake))
	defer h.Close()

	assert.False(t, h.Available())
	require.NoError(t, h.Open("http://a/1.ts"))
	assert.True(t, h.Available())
	assert.Equal(t, []string{"http://a/1.ts"}, fake.Opened())
}

func TestControlWithoutEngine(t *testing.T) {
	h := engine.NewHandle(enginetest.Factory())
	defer h.Close()

	assert.NoError(t, h.Stop(), "stop with nothing playing is a no-op")
	assert.ErrorIs(t, h.Pause(), engine.ErrEngineUnavailable)

	err := h.Open("http://a/1.ts")
	assert.ErrorIs(t, err, engine.ErrEngineUnavailable)

	_, err = h.Position(time.Second)
	assert.ErrorIs(t, err, engine.ErrEngineUnavailable)
}

func TestPanicsBecomeErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := enginetest.New()
	fake.PanicOn("Pause")
	h := engine.NewHandle(enginetest.Factory(fake))
	defer h.Close()

	require.NoError(t, h.Open("http://a/1.ts"))
	err := h.Pause()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine panic")
}

func TestReadsAreBounded(t *testing.T) {
	fake := enginetest.New()
	h := engine.NewHandle(enginetest.Factory(fake))
	defer h.Close()
	require.NoError(t, h.Open("http://a/1.ts"))

	release := fake.BlockReads()
	defer release()

	start := time.Now()
	_, err := h.Position(50 * time.Millisecond)
	assert.ErrorIs(t, err, engine.ErrReadTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, err = h.AudioDelay(20 * time.Millisecond)
	assert.ErrorIs(t, err, engine.ErrReadTimeout)

	release()
	fake.SetPosition(1500 * time.Millisecond)
	pos, err := h.Position(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, pos)
}

func TestSubscriptionIsScoped(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := enginetest.New()
	h := engine.NewHandle(enginetest.Factory(fake))
	defer h.Close()
	require.NoError(t, h.Open("http://a/1.ts"))

	ctx, cancel := context.WithCancel(context.Background())
	events := h.Subscribe(ctx, 4)

	fake.Emit(types.EngineEvent{Kind: types.EventPlaying})
	select {
	case ev := <-events:
		assert.Equal(t, types.EventPlaying, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "subscription channel closes after cancel")
}

func TestRecreateReplacesEngine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	first, second := enginetest.New(), enginetest.New()
	h := engine.NewHandle(enginetest.Factory(first, second))
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.Subscribe(ctx, 4)

	require.NoError(t, h.Open("http://a/1.ts"))
	require.NoError(t, h.Recreate())

	assert.True(t, first.Released())
	assert.Equal(t, int64(1), h.Recreations())

	require.NoError(t, h.Open("http://a/1.ts"))
	assert.Equal(t, []string{"http://a/1.ts"}, second.Opened())

	second.Emit(types.EngineEvent{Kind: types.EventError, Err: errors.New("boom")})
	select {
	case ev := <-events:
		assert.Equal(t, types.EventError, ev.Kind, "subscriptions survive recreation")
	case <-time.After(time.Second):
		t.Fatal("event from recreated engine not delivered")
	}
}

func TestRecreateFailureLeavesHandleEmpty(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := engine.NewHandle(enginetest.Factory(enginetest.New()))
	defer h.Close()

	require.NoError(t, h.Open("http://a/1.ts"))
	err := h.Recreate()
	assert.ErrorIs(t, err, engine.ErrEngineUnavailable)
	assert.False(t, h.Available())
}

func TestTeardownBuildsFreshEngineOnNextOpen(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	first, second := enginetest.New(), enginetest.New()
	h := engine.NewHandle(enginetest.Factory(first, second))
	defer h.Close()

	require.NoError(t, h.Open("http://a/1.ts"))
	h.Teardown()
	assert.False(t, h.Available())
	assert.True(t, first.Released())

	require.NoError(t, h.Open("http://a/2.ts"))
	assert.Equal(t, []string{"http://a/2.ts"}, second.Opened())
	assert.Zero(t, h.Recreations(), "a teardown is not a recreation")
}

func TestScopeGoesStaleAtTeardown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	old, next := enginetest.New(), enginetest.New()
	h := engine.NewHandle(enginetest.Factory(old, next))
	defer h.Close()

	scope := h.Scope()
	require.NoError(t, scope.Open("http://a/1.ts"))
	require.NoError(t, scope.Pause())
	assert.False(t, scope.Stale())

	h.Teardown()
	require.NoError(t, h.Open("http://a/2.ts"))
	assert.True(t, scope.Stale())

	assert.ErrorIs(t, scope.Pause(), engine.ErrStaleScope)
	assert.ErrorIs(t, scope.Play(), engine.ErrStaleScope)
	assert.ErrorIs(t, scope.Stop(), engine.ErrStaleScope)
	assert.ErrorIs(t, scope.SetAudioDelay(0), engine.ErrStaleScope)
	assert.ErrorIs(t, scope.Open("http://a/1.ts"), engine.ErrStaleScope)
	assert.ErrorIs(t, scope.Recreate(), engine.ErrStaleScope)

	assert.Equal(t, []string{"Open"}, next.Calls())
	assert.Zero(t, h.Recreations())

	fresh := h.Scope()
	assert.NoError(t, fresh.Pause())
	assert.Equal(t, 1, next.Count("Pause"))
}

func TestPlayIfChecksConditionUnderLock(t *testing.T) {
	fake := enginetest.New()
	h := engine.NewHandle(enginetest.Factory(fake))
	defer h.Close()
	require.NoError(t, h.Open("http://a/1.ts"))

	require.NoError(t, h.PlayIf(func() bool { return false }))
	assert.Zero(t, fake.Count("Play"))

	require.NoError(t, h.PlayIf(func() bool { return true }))
	assert.Equal(t, 1, fake.Count("Play"))
}
