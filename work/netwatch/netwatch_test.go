package netwatch

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kptv-player/work/metrics"
)

func TestRegainedFiresOncePerOutage(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var down atomic.Bool
	probe := func(context.Context) error {
		if down.Load() {
			return errors.New("unreachable")
		}
		return nil
	}

	var regained atomic.Int32
	w := New(probe, 5*time.Millisecond, func() { regained.Add(1) })
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	w.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, regained.Load(), "no callback without a prior loss")

	down.Store(true)
	require.Eventually(t, func() bool { return !w.Online() }, time.Second, time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.NetworkUp))

	down.Store(false)
	require.Eventually(t, func() bool { return regained.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, w.Online())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), regained.Load())

	cancel()
	w.Wait()
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	probe := DialProbe(ln.Addr().String(), time.Second)
	assert.NoError(t, probe(context.Background()))

	addr := ln.Addr().String()
	ln.Close()
	assert.Error(t, DialProbe(addr, 100*time.Millisecond)(context.Background()))
}
