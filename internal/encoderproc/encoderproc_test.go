package encoderproc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jerryagenyi/streamorchestratorgo/internal/device"
	"github.com/jerryagenyi/streamorchestratorgo/internal/platform"
)

type fakeProcess struct {
	lines   chan string
	waitErr error
	waitCh  chan struct{}
	signals []bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{lines: make(chan string, 16), waitCh: make(chan struct{})}
}

func (f *fakeProcess) PID() int                      { return 4242 }
func (f *fakeProcess) StderrLines() <-chan string     { return f.lines }
func (f *fakeProcess) Wait() error {
	<-f.waitCh
	return f.waitErr
}
func (f *fakeProcess) Signal(terminate bool) error {
	f.signals = append(f.signals, terminate)
	return nil
}
func (f *fakeProcess) finish(err error) {
	f.waitErr = err
	close(f.waitCh)
}

type exitCodeErr struct{ code int }

func (e exitCodeErr) Error() string { return "exit error" }
func (e exitCodeErr) ExitCode() int { return e.code }

type fakeCapability struct {
	processes []*fakeProcess
	spawnErr  error
}

func (f *fakeCapability) EnumerateDevices(ctx context.Context) ([]platform.RawDevice, error) {
	return nil, nil
}
func (f *fakeCapability) IsProcessAlive(pid int) bool { return true }
func (f *fakeCapability) KillProcessTree(ctx context.Context, pid int) error { return nil }
func (f *fakeCapability) SpawnWithStderr(ctx context.Context, name string, args []string) (platform.Process, error) {
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	p := newFakeProcess()
	f.processes = append(f.processes, p)
	return p, nil
}

func newTestDevices() *device.Service {
	return device.NewService(&noopCapability{}, time.Minute)
}

type noopCapability struct{}

func (noopCapability) EnumerateDevices(ctx context.Context) ([]platform.RawDevice, error) {
	return []platform.RawDevice{{BackendName: "hw:CARD=Test", Kind: "input"}}, nil
}
func (noopCapability) IsProcessAlive(pid int) bool { return true }
func (noopCapability) KillProcessTree(ctx context.Context, pid int) error { return nil }
func (noopCapability) SpawnWithStderr(ctx context.Context, name string, args []string) (platform.Process, error) {
	return nil, errors.New("not implemented")
}

func TestSpawnFileInputSucceedsAfterStartupWindow(t *testing.T) {
	cap := &fakeCapability{}
	p := New(Spec{
		StreamID:   "studio-a",
		Input:      Input{InputFilePath: "/tmp/loop.mp3"},
		SampleRate: 44100,
		Channels:   2,
	}, "ffmpeg", cap, newTestDevices(), BrokerParams{Port: 8000}, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Spawn(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if len(cap.processes) != 1 {
		t.Fatalf("spawned %d processes, want 1", len(cap.processes))
	}
	cap.processes[0].lines <- "Stream mapping:"

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Spawn() error = %v", err)
		}
	case <-time.After(7 * time.Second):
		t.Fatal("Spawn() did not return within the startup window + margin")
	}

	if p.State() != StateRunning {
		t.Errorf("State() = %v, want running", p.State())
	}

	cap.processes[0].finish(nil)
}

type fakeArchive struct {
	lines []string
}

func (a *fakeArchive) Write(p []byte) (int, error) {
	a.lines = append(a.lines, string(p))
	return len(p), nil
}

func TestCaptureLineWritesRingAndArchive(t *testing.T) {
	p := New(Spec{StreamID: "studio-d"}, "ffmpeg", &fakeCapability{}, newTestDevices(), BrokerParams{Port: 8000}, nil)

	archive := &fakeArchive{}
	p.SetArchive(archive)

	p.captureLine("hello from ffmpeg")

	if !strings.Contains(p.StderrTail(), "hello from ffmpeg") {
		t.Errorf("StderrTail() = %q, want it to contain the captured line", p.StderrTail())
	}
	if len(archive.lines) != 1 || !strings.Contains(archive.lines[0], "hello from ffmpeg") {
		t.Errorf("archive.lines = %v, want one line containing the captured text", archive.lines)
	}
}

func TestCaptureLineWithNilArchiveDoesNotPanic(t *testing.T) {
	p := New(Spec{StreamID: "studio-e"}, "ffmpeg", &fakeCapability{}, newTestDevices(), BrokerParams{Port: 8000}, nil)
	p.captureLine("no archive attached")
	if !strings.Contains(p.StderrTail(), "no archive attached") {
		t.Error("ring should still capture the line with no archive set")
	}
}

func TestMetricsErrorsBeforeSpawn(t *testing.T) {
	p := New(Spec{StreamID: "studio-f"}, "ffmpeg", &fakeCapability{}, newTestDevices(), BrokerParams{Port: 8000}, nil)
	if _, err := p.Metrics(); err == nil {
		t.Fatal("Metrics() before Spawn() should error")
	}
}

func TestSpawnDeviceNotMappedFails(t *testing.T) {
	cap := &fakeCapability{}
	p := New(Spec{
		StreamID: "studio-b",
		Input:    Input{DeviceID: "unmapped-device-slug"},
	}, "ffmpeg", cap, newTestDevices(), BrokerParams{Port: 8000}, nil)

	err := p.Spawn(context.Background())
	if err == nil {
		t.Fatal("Spawn() with an unmapped device slug should error")
	}
	var notMapped *ErrDeviceNotMapped
	if !errors.As(err, &notMapped) {
		t.Errorf("error = %v, want *ErrDeviceNotMapped", err)
	}
	if p.Diagnosis() == nil {
		t.Error("Diagnosis() should be populated on device-not-mapped failure")
	}
}

func TestSpawnCascadesOnUnknownEncoder(t *testing.T) {
	cap := &fakeCapability{}
	p := New(Spec{
		StreamID:   "studio-c",
		Input:      Input{InputFilePath: "/tmp/loop.mp3"},
		SampleRate: 44100,
		Channels:   2,
	}, "ffmpeg", cap, newTestDevices(), BrokerParams{Port: 8000}, nil)

	go func() {
		for len(cap.processes) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cap.processes[0].lines <- "Unknown encoder 'libmp3lame'"
		cap.processes[0].finish(nil)
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Spawn(context.Background()) }()

	deadline := time.After(3 * time.Second)
	for len(cap.processes) < 2 {
		select {
		case <-deadline:
			t.Fatal("cascade did not advance to a second codec attempt")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if cap.processes[1] == nil {
		t.Fatal("expected a second spawned process for the AAC retry")
	}
}

func TestTerminateSendsSigtermThenStops(t *testing.T) {
	cap := &fakeCapability{}
	p := New(Spec{
		StreamID:   "studio-d",
		Input:      Input{InputFilePath: "/tmp/loop.mp3"},
		SampleRate: 44100,
		Channels:   2,
	}, "ffmpeg", cap, newTestDevices(), BrokerParams{Port: 8000}, nil)

	go p.Spawn(context.Background())
	for len(cap.processes) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	proc := cap.processes[0]

	go func() {
		time.Sleep(20 * time.Millisecond)
		proc.finish(nil)
	}()

	if err := p.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if len(proc.signals) == 0 || proc.signals[0] != false {
		t.Errorf("signals = %v, want first signal to be graceful (false)", proc.signals)
	}
	if p.State() != StateStopped {
		t.Errorf("State() = %v, want stopped", p.State())
	}
}

func TestMonitorExitClassifiesUnintentionalFailure(t *testing.T) {
	cap := &fakeCapability{}
	p := New(Spec{
		StreamID:   "studio-e",
		Input:      Input{InputFilePath: "/tmp/loop.mp3"},
		SampleRate: 44100,
		Channels:   2,
	}, "ffmpeg", cap, newTestDevices(), BrokerParams{Port: 8000}, nil)

	go p.Spawn(context.Background())
	for len(cap.processes) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	proc := cap.processes[0]
	proc.lines <- "Stream mapping:"
	time.Sleep(6 * time.Second)

	proc.lines <- "Connection refused"
	proc.finish(exitCodeErr{code: 1})

	deadline := time.Now().Add(2 * time.Second)
	for p.State() != StateFailed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.State() != StateFailed {
		t.Fatalf("State() = %v, want failed", p.State())
	}
	if p.Diagnosis() == nil {
		t.Error("Diagnosis() should be populated after an unintentional exit")
	}
}
