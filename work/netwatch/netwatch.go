package netwatch

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"kptv-player/work/logger"
	"kptv-player/work/metrics"
)

// ProbeFunc reports whether the network is reachable. It must honour ctx.
type ProbeFunc func(ctx context.Context) error

// Watcher probes connectivity on an interval and calls onRegained each time the
// network comes back after at least one failed probe.
type Watcher struct {
	probe      ProbeFunc
	interval   time.Duration
	onRegained func()

	running atomic.Bool
	online  atomic.Bool
	wg      sync.WaitGroup
}

// DialProbe returns a probe that opens and closes a TCP connection to target
// (host:port), bounded by timeout.
func DialProbe(target string, timeout time.Duration) ProbeFunc {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// New creates a watcher. The network is assumed up until a probe says otherwise.
func New(probe ProbeFunc, interval time.Duration, onRegained func()) *Watcher {
	w := &Watcher{probe: probe, interval: interval, onRegained: onRegained}
	w.online.Store(true)
	metrics.NetworkUp.Set(1)
	return w
}

// Online reports the result of the most recent probe.
func (w *Watcher) Online() bool {
	return w.online.Load()
}

// Start runs the probe loop until ctx is done. Calling it again is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.running.Store(false)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.check(ctx)
			}
		}
	}()
}

// Wait blocks until the probe loop has exited.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, w.interval)
	err := w.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		if w.online.CompareAndSwap(true, false) {
			metrics.NetworkUp.Set(0)
			logger.Warn("{netwatch/netwatch - check} network lost: %v", err)
		}
		return
	}

	if w.online.CompareAndSwap(false, true) {
		metrics.NetworkUp.Set(1)
		logger.Info("{netwatch/netwatch - check} network regained")
		if w.onRegained != nil {
			w.onRegained()
		}
	}
}
