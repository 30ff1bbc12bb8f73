// Package encoderproc implements EncoderProcess: spawning exactly one
// encoder subprocess per Stream, running the MP3→AAC→OGG startup-only
// format cascade, and classifying its exit into a Diagnosis.
package encoderproc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jerryagenyi/streamorchestratorgo/internal/device"
	"github.com/jerryagenyi/streamorchestratorgo/internal/diagnosis"
	"github.com/jerryagenyi/streamorchestratorgo/internal/platform"
	"github.com/jerryagenyi/streamorchestratorgo/internal/ring"
	"github.com/jerryagenyi/streamorchestratorgo/internal/stream"
	"github.com/jerryagenyi/streamorchestratorgo/internal/util"
)

// platformInputFormat returns the encoder's device-input demuxer name
// for the current OS.
func platformInputFormat() string {
	switch runtime.GOOS {
	case "windows":
		return "dshow"
	case "darwin":
		return "avfoundation"
	default:
		return "alsa"
	}
}

// Codec is an encoder audio codec, tried in cascade order during the
// startup window only (spec.md §4.3).
type Codec string

const (
	CodecMP3 Codec = "mp3"
	CodecAAC Codec = "aac"
	CodecOGG Codec = "ogg"
)

// cascade is the fixed startup-only retry order.
var cascade = []Codec{CodecMP3, CodecAAC, CodecOGG}

// State is EncoderProcess's lifecycle state.
type State int32

const (
	StateNotSpawned State = iota
	StateSpawning
	StateUp
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateUp:
		return "up"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "not-spawned"
	}
}

// startupWindow is how long after a successful spawn event the process
// must run fatal-pattern-free before being promoted to running.
const startupWindow = 5 * time.Second

// terminateGrace is how long to wait after SIGTERM before SIGKILL.
const terminateGrace = 5 * time.Second

// terminateBudget is the total time Terminate() is allowed to take.
const terminateBudget = 10 * time.Second

// logFlushInterval throttles structured stderr log lines (spec.md §4.3:
// "at most once per 200 ms").
const logFlushInterval = 200 * time.Millisecond

// Input is exactly one of a capture device or a file, per INV-S2.
type Input struct {
	DeviceID      string
	InputFilePath string
}

// Spec is the subset of a Stream this process needs to build an
// encoder invocation.
type Spec struct {
	StreamID   string
	Input      Input
	SampleRate int
	Channels   int
	Bitrate    string
}

// BrokerParams are the broker connection details EncoderProcess needs;
// the port is always read live from the parsed BrokerConfig, never
// hardcoded (spec.md §9 Open Question).
type BrokerParams struct {
	Port           int
	SourcePassword string
}

// ErrDeviceNotMapped is returned by Spawn when Input.DeviceID does not
// resolve to a backend device name via DeviceService.
type ErrDeviceNotMapped struct {
	DeviceID string
}

func (e *ErrDeviceNotMapped) Error() string {
	return fmt.Sprintf("device %q is not mapped to a backend device name", e.DeviceID)
}

// Process is one running (or terminated) EncoderProcess instance.
type Process struct {
	spec        Spec
	encoderPath string
	cap         platform.Capability
	devices     *device.Service
	broker      BrokerParams
	log         *slog.Logger

	state       atomic.Int32
	intentional atomic.Bool
	activeCodec atomic.Value // Codec
	ring        *ring.Buffer
	archive     io.Writer // optional durable stderr tail, beyond the ring
	monitor     *stream.ResourceMonitor
	mu          sync.Mutex
	proc        platform.Process
	diagnosis   atomic.Pointer[diagnosis.Diagnosis]
}

// SetArchive attaches a durable sink (e.g. a stream.RotatingWriter) that
// every captured stderr line is also written to, independent of the
// bounded in-memory ring. Optional; nil disables archiving.
func (p *Process) SetArchive(w io.Writer) { p.archive = w }

func (p *Process) captureLine(line string) {
	_, _ = p.ring.Write([]byte(line + "\n"))
	if p.archive != nil {
		_, _ = p.archive.Write([]byte(line + "\n"))
	}
}

// New creates an unspawned EncoderProcess.
func New(spec Spec, encoderPath string, cap platform.Capability, devices *device.Service, broker BrokerParams, log *slog.Logger) *Process {
	if log == nil {
		log = slog.Default()
	}
	p := &Process{
		spec:        spec,
		encoderPath: encoderPath,
		cap:         cap,
		devices:     devices,
		broker:      broker,
		log:         log,
		ring:        ring.New(ring.DefaultCapacity),
		monitor:     stream.NewResourceMonitor(),
	}
	p.state.Store(int32(StateNotSpawned))
	return p
}

// State returns the current lifecycle state.
func (p *Process) State() State { return State(p.state.Load()) }

// StderrTail returns the bounded tail of captured stderr.
func (p *Process) StderrTail() string { return p.ring.String() }

// Metrics samples /proc for the encoder subprocess's current resource
// usage (file descriptors, memory, thread count, uptime). It returns an
// error if the process has not been spawned yet or has already exited.
func (p *Process) Metrics() (*stream.ResourceMetrics, error) {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return nil, fmt.Errorf("encoderproc: process not running")
	}
	return p.monitor.GetMetrics(proc.PID())
}

// Diagnosis returns the terminal-state diagnosis, if any.
func (p *Process) Diagnosis() *diagnosis.Diagnosis { return p.diagnosis.Load() }

// fatalPattern reports whether a stderr line looks like a startup-fatal
// condition worth short-circuiting the startup window for. It deliberately
// mirrors (a strict subset of) diagnosis' pattern vocabulary: anything
// this misses still gets classified correctly on actual process exit.
func fatalPattern(line string) bool {
	l := strings.ToLower(line)
	for _, s := range []string{
		"unknown encoder", "no such device", "device or resource busy",
		"connection refused", "address already in use", "permission denied",
		"invalid data found", "could not open", "error opening",
	} {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

func isUnknownEncoder(line string) bool {
	return strings.Contains(strings.ToLower(line), "unknown encoder")
}

// Spawn constructs the encoder invocation and starts the subprocess,
// running the MP3→AAC→OGG cascade during the startup window only.
func (p *Process) Spawn(ctx context.Context) error {
	p.state.Store(int32(StateSpawning))

	backendName := ""
	if p.spec.Input.DeviceID != "" {
		name, ok := p.devices.ResolveBackendName(p.spec.Input.DeviceID)
		if !ok {
			p.state.Store(int32(StateFailed))
			d := diagnosis.Classify("", 0, diagnosis.Context{
				DeviceID: p.spec.Input.DeviceID,
				StreamID: p.spec.StreamID,
				BrokerPort: p.broker.Port,
			})
			p.diagnosis.Store(&d)
			return &ErrDeviceNotMapped{DeviceID: p.spec.Input.DeviceID}
		}
		backendName = name
	}

	var lastErr error
	for _, codec := range cascade {
		args := buildArgs(p.encoderPath, p.spec, backendName, codec, p.broker)
		proc, err := p.cap.SpawnWithStderr(ctx, p.encoderPath, args)
		if err != nil {
			lastErr = err
			continue
		}

		p.activeCodec.Store(codec)
		p.mu.Lock()
		p.proc = proc
		p.mu.Unlock()
		p.state.Store(int32(StateUp))

		retryNextCodec, startErr := p.awaitStartup(ctx, proc)
		if startErr == nil {
			p.state.Store(int32(StateRunning))
			util.SafeGo(fmt.Sprintf("encoderproc-monitor-%s", p.spec.StreamID), nil, func() {
				p.monitorExit(proc)
			}, func(recovered interface{}, stack []byte) {
				p.log.Error("recovered from panic in exit monitor", "stream", p.spec.StreamID, "panic", recovered, "stack", string(stack))
			})
			return nil
		}
		if !retryNextCodec {
			p.state.Store(int32(StateFailed))
			return startErr
		}
		lastErr = startErr
	}

	p.state.Store(int32(StateFailed))
	if lastErr == nil {
		lastErr = fmt.Errorf("encoder cascade exhausted without success")
	}
	return lastErr
}

// awaitStartup watches stderr for fatalWindow, returning
// (retryNextCodec=true, err) only when the failure was specifically an
// "unknown encoder" for the codec just attempted.
func (p *Process) awaitStartup(ctx context.Context, proc platform.Process) (retryNextCodec bool, err error) {
	deadline := time.NewTimer(startupWindow)
	defer deadline.Stop()

	flushTicker := time.NewTicker(logFlushInterval)
	defer flushTicker.Stop()
	var pending []string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		p.log.Info("encoder stderr", "stream", p.spec.StreamID, "lines", strings.Join(pending, "\n"))
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			flush()
			return false, nil
		case <-flushTicker.C:
			flush()
		case line, ok := <-proc.StderrLines():
			if !ok {
				continue
			}
			p.captureLine(line)
			pending = append(pending, line)
			if isUnknownEncoder(line) {
				flush()
				return true, fmt.Errorf("encoder rejected codec %q: %s", p.activeCodec.Load(), line)
			}
			if fatalPattern(line) {
				flush()
				return false, fmt.Errorf("fatal startup condition: %s", line)
			}
		}
	}
}

// monitorExit drains stderr for the lifetime of the process and
// classifies its exit once Wait() returns.
func (p *Process) monitorExit(proc platform.Process) {
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		flushTicker := time.NewTicker(logFlushInterval)
		defer flushTicker.Stop()
		var pending []string
		flush := func() {
			if len(pending) == 0 {
				return
			}
			p.log.Info("encoder stderr", "stream", p.spec.StreamID, "lines", strings.Join(pending, "\n"))
			pending = pending[:0]
		}
		for {
			select {
			case line, ok := <-proc.StderrLines():
				if !ok {
					flush()
					return
				}
				p.captureLine(line)
				pending = append(pending, line)
			case <-flushTicker.C:
				flush()
			}
		}
	}()

	waitErr := proc.Wait()
	<-drainDone

	if p.intentional.Load() {
		p.state.Store(int32(StateStopped))
		return
	}

	var exitCode int64
	if ee, ok := asExitCoder(waitErr); ok {
		exitCode = int64(ee)
	}

	d := diagnosis.Classify(p.ring.String(), exitCode, diagnosis.Context{
		StreamID:   p.spec.StreamID,
		BrokerPort: p.broker.Port,
	})
	p.diagnosis.Store(&d)
	p.state.Store(int32(StateFailed))
}

// asExitCoder extracts an integer exit code from a process-wait error,
// if any (nil error means exit 0).
func asExitCoder(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	type exitCoder interface{ ExitCode() int }
	if ec, ok := err.(exitCoder); ok {
		return ec.ExitCode(), true
	}
	return 0, false
}

// Terminate sends SIGTERM, waits terminateGrace, then SIGKILL, bounded
// by terminateBudget overall.
func (p *Process) Terminate(ctx context.Context) error {
	p.intentional.Store(true)
	p.state.Store(int32(StateStopping))

	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		p.state.Store(int32(StateStopped))
		return nil
	}

	budget, cancel := context.WithTimeout(ctx, terminateBudget)
	defer cancel()

	if err := proc.Signal(false); err != nil {
		p.log.Warn("encoder SIGTERM failed", "stream", p.spec.StreamID, "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	select {
	case <-done:
		p.state.Store(int32(StateStopped))
		return nil
	case <-time.After(terminateGrace):
	}

	if err := proc.Signal(true); err != nil {
		p.log.Warn("encoder SIGKILL failed", "stream", p.spec.StreamID, "error", err)
	}

	select {
	case <-done:
	case <-budget.Done():
		return fmt.Errorf("encoder for stream %s did not terminate within %s", p.spec.StreamID, terminateBudget)
	}

	p.state.Store(int32(StateStopped))
	return nil
}

// buildArgs constructs the encoder command line, grounded on the
// teacher's buildFFmpegCommand input/codec/output assembly, generalized
// to the three-codec cascade and the broker's source-protocol URL
// target instead of an RTSP path.
func buildArgs(encoderPath string, spec Spec, backendName string, codec Codec, broker BrokerParams) []string {
	var args []string

	if spec.Input.InputFilePath != "" {
		args = append(args, "-re", "-i", spec.Input.InputFilePath)
	} else {
		inputFormat := platformInputFormat()
		args = append(args, "-f", inputFormat, "-i", backendName,
			"-ar", strconv.Itoa(spec.SampleRate),
			"-ac", strconv.Itoa(spec.Channels),
		)
	}

	switch codec {
	case CodecMP3:
		args = append(args, "-c:a", "libmp3lame", "-f", "mp3")
	case CodecAAC:
		args = append(args, "-c:a", "aac", "-f", "adts")
	case CodecOGG:
		args = append(args, "-c:a", "libvorbis", "-f", "ogg")
	}
	if spec.Bitrate != "" {
		args = append(args, "-b:a", spec.Bitrate)
	}

	args = append(args,
		"-content_type", contentTypeFor(codec),
		"-password", broker.SourcePassword,
		fmt.Sprintf("icecast://source@localhost:%d/%s", broker.Port, spec.StreamID),
	)
	return args
}

func contentTypeFor(codec Codec) string {
	switch codec {
	case CodecMP3:
		return "audio/mpeg"
	case CodecAAC:
		return "audio/aac"
	default:
		return "audio/ogg"
	}
}
