// Package platform abstracts the operations that differ by operating
// system — device enumeration, process liveness, and process-tree
// termination — behind one capability interface, per spec.md §9's
// explicit instruction that "no platform conditionals leak into
// StreamManager."
package platform

import "context"

// Backend identifies which OS audio subsystem produced a Device.
type Backend string

const (
	BackendDirectShow  Backend = "directshow"
	BackendWASAPI      Backend = "wasapi"
	BackendWMI         Backend = "wmi"
	BackendAVFoundation Backend = "avfoundation"
	BackendALSAOrPulse Backend = "alsa-or-pulse"
)

// Source records how a RawDevice was discovered, distinguishing a real
// backend enumeration from an OS-management-interface fallback.
type Source string

const (
	SourceEncoderEnumerated Source = "ffmpeg-enumerated"
	SourceOSManagement      Source = "os-wmi"
)

// RawDevice is a single device record as reported by a backend, prior to
// DeviceService's slug assignment and deduplication.
type RawDevice struct {
	BackendName string
	Kind        string // "input" or "output"
	Backend     Backend
	Source      Source

	// PortPath, when non-empty, identifies the stable physical
	// connector the device is attached to (e.g. a USB topology path
	// like "1-2.4"). DeviceService uses it to keep two otherwise
	// identically-named devices distinguishable. Only populated by
	// backends that can resolve one; always empty elsewhere.
	PortPath string
}

// Capability is the per-platform capability set. Exactly one
// implementation is compiled in per GOOS via build-tagged constructors
// (NewCapability in each platform_*.go file).
type Capability interface {
	// EnumerateDevices lists input (and output) audio devices across
	// every backend available on this platform.
	EnumerateDevices(ctx context.Context) ([]RawDevice, error)

	// IsProcessAlive reports whether pid refers to a live process.
	IsProcessAlive(pid int) bool

	// KillProcessTree terminates pid and any children it spawned,
	// escalating from a graceful signal to a forceful one if necessary.
	KillProcessTree(ctx context.Context, pid int) error

	// SpawnWithStderr starts name with args, returning the process
	// handle and a reader attached to its stderr. The caller owns the
	// returned Process and must call Wait or Kill on every exit path.
	SpawnWithStderr(ctx context.Context, name string, args []string) (Process, error)
}

// Process is the minimal process handle StreamManager/EncoderProcess
// need, independent of exec.Cmd so platform implementations can vary.
type Process interface {
	PID() int
	StderrLines() <-chan string
	Wait() error
	Signal(terminate bool) error // false = graceful, true = force kill
}
