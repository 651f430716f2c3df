package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/types"
	"kptv-player/work/utils"
)

// FFmpegEngine plays a stream by decoding it with an ffmpeg child process into the
// null muxer. The process runs in its own process group so pause and resume can be
// delivered as SIGSTOP/SIGCONT and teardown can kill the whole group.
//
// Position comes from ffmpeg's -progress output (out_time_us). Each "Stream #"
// line on stderr is reported as a TrackAdded event; the first progress report
// emits Playing. A non-zero exit that we did not cause becomes EventError, a
// clean exit EventEndReached.
type FFmpegEngine struct {
	cfg    *config.Config
	binary string
	events chan types.EngineEvent

	mu       sync.Mutex
	url      string
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	paused   bool
	stopping *atomic.Bool // per-process flag set when we kill it ourselves
	exited   chan struct{}

	position    atomic.Int64 // microseconds
	progressing atomic.Bool
	audioDelay  atomic.Int64 // nanoseconds, applied on the next open via -itsoffset
	volume      atomic.Int32
	released    atomic.Bool
}

// NewFFmpegFactory returns a Factory that builds ffmpeg-backed engines. The factory
// fails when the configured binary cannot be found.
func NewFFmpegFactory(cfg *config.Config) Factory {
	return func() (Engine, error) {
		bin, err := exec.LookPath(cfg.FFmpegPath)
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: %w", err)
		}
		e := &FFmpegEngine{
			cfg:    cfg,
			binary: bin,
			events: make(chan types.EngineEvent, 64),
		}
		e.volume.Store(100)
		return e, nil
	}
}

// Events returns the engine's raw event stream.
func (e *FFmpegEngine) Events() <-chan types.EngineEvent {
	return e.events
}

// Open stops any running process and starts decoding url.
func (e *FFmpegEngine) Open(url string) error {
	if e.released.Load() {
		return ErrEngineUnavailable
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopLocked()
	e.url = url
	return e.startLocked()
}

// Play resumes a paused process, or restarts the last URL when nothing runs.
func (e *FFmpegEngine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil {
		if e.url == "" {
			return errors.New("nothing to play")
		}
		return e.startLocked()
	}
	if e.paused {
		if err := syscall.Kill(-e.cmd.Process.Pid, syscall.SIGCONT); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		e.paused = false
		e.emit(types.EngineEvent{Kind: types.EventPlaying})
	}
	return nil
}

// Pause suspends the process group.
func (e *FFmpegEngine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cmd == nil || e.paused {
		return nil
	}
	if err := syscall.Kill(-e.cmd.Process.Pid, syscall.SIGSTOP); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	e.paused = true
	return nil
}

// Stop kills the process group. It is a no-op when nothing is running.
func (e *FFmpegEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	return nil
}

// Position returns the decoded media time.
func (e *FFmpegEngine) Position() (time.Duration, error) {
	return time.Duration(e.position.Load()) * time.Microsecond, nil
}

// IsPlaying reports whether a process is running, not paused and has reported progress.
func (e *FFmpegEngine) IsPlaying() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd != nil && !e.paused && e.progressing.Load(), nil
}

// AudioDelay returns the configured offset; ffmpeg's null output keeps audio and
// video locked to the input timestamps, so there is no measured drift to report.
func (e *FFmpegEngine) AudioDelay() (time.Duration, error) {
	return time.Duration(e.audioDelay.Load()), nil
}

// SetAudioDelay stores the offset for the next open.
func (e *FFmpegEngine) SetAudioDelay(d time.Duration) error {
	e.audioDelay.Store(int64(d))
	return nil
}

// SetVolume stores the volume applied on the next open.
func (e *FFmpegEngine) SetVolume(level int) error {
	e.volume.Store(int32(level))
	return nil
}

// Release stops the process and closes the event stream.
func (e *FFmpegEngine) Release() error {
	if !e.released.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	e.stopLocked()
	e.mu.Unlock()
	close(e.events)
	return nil
}

// args builds the ffmpeg command line for url.
func (e *FFmpegEngine) args(url string) []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "info", "-progress", "pipe:1"}
	args = append(args, e.cfg.FFmpegPreInput...)
	if d := time.Duration(e.audioDelay.Load()); d != 0 {
		args = append(args, "-itsoffset", strconv.FormatFloat(d.Seconds(), 'f', 3, 64))
	}
	args = append(args, "-re", "-i", url)
	if v := e.volume.Load(); v != 100 {
		args = append(args, "-af", fmt.Sprintf("volume=%.2f", float64(v)/100))
	}
	return append(args, "-f", "null", "-")
}

// startLocked launches ffmpeg for e.url. e.mu must be held.
func (e *FFmpegEngine) startLocked() error {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, e.binary, e.args(e.url)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	logger.Debug("{engine/ffmpeg - startLocked} started ffmpeg pid %d for %s", cmd.Process.Pid, utils.LogURL(e.cfg, e.url))

	stopping := &atomic.Bool{}
	exited := make(chan struct{})
	e.cmd, e.cancel, e.paused, e.stopping, e.exited = cmd, cancel, false, stopping, exited
	e.position.Store(0)
	e.progressing.Store(false)

	e.emit(types.EngineEvent{Kind: types.EventBufferingProgress, Percent: 0})

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		e.readProgress(stdout)
	}()
	go func() {
		defer readers.Done()
		e.readStderr(stderr)
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		close(exited)

		switch {
		case stopping.Load():
			e.emit(types.EngineEvent{Kind: types.EventStopped})
		case err != nil:
			e.emit(types.EngineEvent{Kind: types.EventError, Err: fmt.Errorf("ffmpeg exited: %w", err)})
		default:
			e.emit(types.EngineEvent{Kind: types.EventEndReached})
		}

		e.mu.Lock()
		if e.cmd == cmd {
			e.cmd, e.cancel = nil, nil
		}
		e.mu.Unlock()
		cancel()
	}()

	return nil
}

// stopLocked kills the running process group and waits for it to exit. e.mu must be held.
func (e *FFmpegEngine) stopLocked() {
	if e.cmd == nil || e.cmd.Process == nil {
		return
	}

	e.stopping.Store(true)
	pid := e.cmd.Process.Pid
	if e.paused {
		syscall.Kill(-pid, syscall.SIGCONT)
	}
	syscall.Kill(-pid, syscall.SIGKILL)
	e.cancel()

	exited := e.exited
	e.cmd, e.cancel, e.paused = nil, nil, false
	e.progressing.Store(false)

	// the wait goroutine takes e.mu after exit, so release it while waiting
	e.mu.Unlock()
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		logger.Warn("{engine/ffmpeg - stopLocked} ffmpeg pid %d did not exit after SIGKILL", pid)
	}
	e.mu.Lock()
}

// readProgress parses -progress key=value lines.
func (e *FFmpegEngine) readProgress(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := parseProgressLine(scanner.Text())
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms": // both are microseconds in ffmpeg's progress output
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				e.position.Store(us)
			}
		case "progress":
			if value == "continue" && e.progressing.CompareAndSwap(false, true) {
				e.emit(types.EngineEvent{Kind: types.EventBufferingProgress, Percent: 100})
				e.emit(types.EngineEvent{Kind: types.EventPlaying})
			}
		}
	}
}

// readStderr watches ffmpeg's log for stream declarations.
func (e *FFmpegEngine) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if isStreamLine(line) {
			e.emit(types.EngineEvent{Kind: types.EventTrackAdded})
		}
	}
}

// emit delivers ev without blocking; a full buffer drops the event.
func (e *FFmpegEngine) emit(ev types.EngineEvent) {
	if e.released.Load() {
		return
	}
	ev.At = time.Now()
	defer func() { recover() }() // events closed by a concurrent Release
	select {
	case e.events <- ev:
	default:
	}
}

// parseProgressLine splits an ffmpeg -progress line ("key=value").
func parseProgressLine(line string) (string, string, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok || key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

// isStreamLine reports whether an ffmpeg log line declares an input stream,
// e.g. "  Stream #0:1[0x101]: Audio: aac (LC)".
func isStreamLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "Stream #") &&
		(strings.Contains(trimmed, "Video:") || strings.Contains(trimmed, "Audio:"))
}
