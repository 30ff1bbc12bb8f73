// Package diagnosis implements the DiagnosticsClassifier: a deterministic,
// precedence-ordered mapping from (stderr, exit code, context) to exactly
// one structured Diagnosis.
//
// Grounded on the teacher's internal/diagnostics.go CheckResult idiom
// (a typed result populated by an ordered sequence of checks), but
// restructured per spec.md §9's explicit instruction to represent the
// pattern table as ORDERED DATA rather than code, so the precedence is
// reviewable without reading control flow.
package diagnosis

import (
	"strconv"
	"strings"
)

// Severity is the presentation severity of a Diagnosis.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Category is one of the closed set of classifier outputs.
type Category string

const (
	CategoryWindowsCrash        Category = "windows-crash"
	CategoryDeviceNotFound      Category = "device-not-found"
	CategoryDeviceBusy          Category = "device-busy"
	CategoryVirtualAudio        Category = "virtual-audio"
	CategoryBackendEnumeration  Category = "backend-enumeration"
	CategoryCodecMissing        Category = "codec-missing"
	CategoryFormatUnsupported   Category = "format-unsupported"
	CategoryAuth                Category = "auth"
	CategoryMountInUse          Category = "mount-in-use"
	CategoryPortConflict        Category = "port-conflict"
	CategoryConnection          Category = "connection"
	CategoryResource            Category = "resource"
	CategoryTimeout             Category = "timeout"
	CategoryGeneric             Category = "generic"
)

// Context carries the situational details the classifier embeds into a
// Diagnosis's TechnicalDetails and uses to tailor Solutions.
type Context struct {
	DeviceID    string
	DeviceName  string
	BrokerPort  int
	StreamID    string
	Backend     string
}

// Diagnosis is the classifier's immutable output.
type Diagnosis struct {
	Category         Category
	Title            string
	Description      string
	Causes           []string
	Solutions        []string
	TechnicalDetails string
	Severity         Severity
}

// ShortForm returns a toast-notification-sized view: top-2 causes,
// top-3 solutions.
func (d Diagnosis) ShortForm() Diagnosis {
	sf := d
	if len(sf.Causes) > 2 {
		sf.Causes = sf.Causes[:2]
	}
	if len(sf.Solutions) > 3 {
		sf.Solutions = sf.Solutions[:3]
	}
	return sf
}

// NormalizeExitCode converts a raw exit code — which may be an unsigned
// 32-bit value on Windows — into its signed 32-bit two's-complement
// representation, as required by spec.md §4.3/§4.5.
//
//	NormalizeExitCode(4294967291) == -5
//	NormalizeExitCode(2812791304) == -1482175992 (0xA7F00008 as int32)
func NormalizeExitCode(raw int64) int32 {
	return int32(uint32(raw))
}

// exitCodeRule is a direct exit-code-to-category override, checked before
// any stderr pattern matching. Exit codes are the most specific signal
// available (stderr may be empty or noisy) so they take absolute
// precedence.
type exitCodeRule struct {
	code     int32
	category Category
	severity Severity
	title    string
	causes   []string
	solutions []string
}

var exitCodeRules = []exitCodeRule{
	{
		code:     -1482175992, // 0xA7F00008 as signed int32 (2812791304 unsigned)
		category: CategoryWindowsCrash,
		severity: SeverityCritical,
		title:    "⛔ Encoder crashed (Windows)",
		causes: []string{
			"the encoder binary crashed at the OS level",
			"a missing or corrupt codec DLL",
		},
		solutions: []string{
			"reinstall the encoder binary",
			"update your audio driver",
			"run the encoder manually from a terminal to see the native crash dialog",
		},
	},
	{
		code:     -5, // Win32 ERROR_ACCESS_DENIED, surfaced here as connection-refused
		category: CategoryConnection,
		severity: SeverityCritical,
		title:    "🔌 Connection refused",
		causes: []string{
			"access was denied or the connection was refused by the broker",
		},
		solutions: []string{
			"verify the broker is running and reachable",
			"check the source password",
		},
	},
}

// patternRule is one row of the precedence-ordered stderr pattern table.
// Rows are tested top-to-bottom; the first match wins. Precedence matches
// spec.md §4.5's table exactly: more specific categories precede more
// general ones.
type patternRule struct {
	category  Category
	severity  Severity
	title     string
	match     func(lowered string) bool
	causes    []string
	solutions []string
}

func contains(any ...string) func(string) bool {
	return func(s string) bool {
		for _, needle := range any {
			if strings.Contains(s, needle) {
				return true
			}
		}
		return false
	}
}

var patternRules = []patternRule{
	{
		category: CategoryDeviceNotFound,
		severity: SeverityCritical,
		title:    "🎙️ Device not found",
		match:    contains("no such device", "device not found", "cannot find", "i/o error"),
		causes:   []string{"the capture device was unplugged or its backend name changed"},
		solutions: []string{
			"reconnect the device",
			"refresh the device list",
			"re-select the device for this stream",
		},
	},
	{
		category: CategoryDeviceBusy,
		severity: SeverityWarning,
		title:    "🔒 Device busy",
		match:    contains("device or resource busy", "already in use", "resource busy"),
		causes:   []string{"another process (or another stream) is holding the device"},
		solutions: []string{
			"stop the other application/stream using this device",
			"choose a different device",
		},
	},
	{
		category: CategoryVirtualAudio,
		severity: SeverityWarning,
		title:    "🎛️ Virtual audio driver issue",
		match:    contains("vb-audio", "voicemeeter", "virtual cable", "virtual-audio"),
		causes:   []string{"the virtual audio driver is not installed correctly or is not running"},
		solutions: []string{
			"reinstall the virtual audio driver",
			"restart the virtual audio driver's control application",
		},
	},
	{
		category: CategoryBackendEnumeration,
		severity: SeverityCritical,
		title:    "🧭 Device backend failure",
		match:    contains("directshow", "could not enumerate", "error opening input", "immediatedevicestate"),
		causes:   []string{"the OS capture backend's device subsystem failed to enumerate devices"},
		solutions: []string{
			"restart the audio subsystem/service",
			"reboot the host",
		},
	},
	{
		category: CategoryCodecMissing,
		severity: SeverityCritical,
		title:    "🧩 Codec missing",
		match:    contains("unknown encoder", "encoder not found", "libmp3lame", "codec not currently supported"),
		causes:   []string{"the encoder binary was built without the requested codec"},
		solutions: []string{
			"install a build of the encoder with the required codec",
			"switch to a different output format",
		},
	},
	{
		category: CategoryFormatUnsupported,
		severity: SeverityWarning,
		title:    "📼 Format unsupported",
		match:    contains("invalid argument", "unsupported format", "could not find codec parameters"),
		causes:   []string{"the requested sample rate/channel/format combination is not supported"},
		solutions: []string{"try a lower sample rate or a different format"},
	},
	{
		category: CategoryAuth,
		severity: SeverityCritical,
		title:    "🔑 Authentication rejected",
		match:    contains("401", "unauthorized", "authentication failed", "invalid password"),
		causes:   []string{"the broker rejected the source password"},
		solutions: []string{"verify the broker's source password matches the encoder's credentials"},
	},
	{
		category: CategoryMountInUse,
		severity: SeverityWarning,
		title:    "🚧 Mount already in use",
		match:    contains("mount point", "source limit", "too many sources", "already connected"),
		causes:   []string{"the broker mount is already held by another source, or the source cap was reached"},
		solutions: []string{
			"stop the stream that is already using this mount",
			"increase the broker's max-sources limit",
		},
	},
	{
		category: CategoryPortConflict,
		severity: SeverityCritical,
		title:    "🔌 Port conflict",
		match:    contains("address already in use", "bind: address in use", "eaddrinuse"),
		causes:   []string{"another process is already bound to the required port"},
		solutions: []string{"stop the conflicting process or choose a different port"},
	},
	{
		category: CategoryConnection,
		severity: SeverityCritical,
		title:    "🔌 Connection failed",
		match:    contains("connection refused", "network is unreachable", "no route to host", "could not connect"),
		causes:   []string{"the broker is unreachable at the configured host/port"},
		solutions: []string{"verify the broker is running", "check firewall rules"},
	},
	{
		category: CategoryResource,
		severity: SeverityCritical,
		title:    "💥 Resource exhausted",
		match:    contains("out of memory", "cannot allocate memory", "enomem"),
		causes:   []string{"the host ran out of memory or hit a resource limit"},
		solutions: []string{"free up memory", "reduce the number of concurrent streams"},
	},
	{
		category: CategoryTimeout,
		severity: SeverityWarning,
		title:    "⏱️ Timed out",
		match:    contains("timed out", "timeout", "deadline exceeded"),
		causes:   []string{"the encoder or broker did not respond in time"},
		solutions: []string{"retry the operation", "check network latency to the broker"},
	},
}

// Classify converts stderr, a raw (possibly unsigned-on-Windows) exit
// code, and context into exactly one Diagnosis. Output is deterministic:
// identical inputs always produce a byte-identical Diagnosis.
func Classify(stderr string, rawExitCode int64, ctx Context) Diagnosis {
	exitCode := NormalizeExitCode(rawExitCode)
	lowered := strings.ToLower(stderr)

	for _, rule := range exitCodeRules {
		if rule.code == exitCode {
			return build(rule.category, rule.severity, rule.title, rule.causes, rule.solutions, lowered, exitCode, ctx)
		}
	}

	for _, rule := range patternRules {
		if rule.match(lowered) {
			return build(rule.category, rule.severity, rule.title, rule.causes, rule.solutions, lowered, exitCode, ctx)
		}
	}

	severity := SeverityWarning
	if exitCode == 0 {
		severity = SeverityInfo
	}
	return build(CategoryGeneric, severity, "❓ Unclassified failure", nil, nil, lowered, exitCode, ctx)
}

func build(category Category, severity Severity, title string, causes, solutions []string, stderrLower string, exitCode int32, ctx Context) Diagnosis {
	return Diagnosis{
		Category:    category,
		Title:       title,
		Description: description(category, ctx),
		Causes:      causes,
		Solutions:   solutions,
		TechnicalDetails: technicalDetails(stderrLower, exitCode, ctx),
		Severity:    severity,
	}
}

func description(category Category, ctx Context) string {
	switch category {
	case CategoryDeviceNotFound, CategoryDeviceBusy:
		if ctx.DeviceName != "" {
			return "Problem with capture device: " + ctx.DeviceName
		}
		return "Problem with the capture device"
	case CategoryAuth, CategoryMountInUse, CategoryPortConflict, CategoryConnection:
		return "Problem communicating with the broker"
	default:
		return "The encoder process exited unexpectedly"
	}
}

func technicalDetails(stderrLower string, exitCode int32, ctx Context) string {
	var b strings.Builder
	b.WriteString("exitCode=")
	b.WriteString(strconv.FormatInt(int64(exitCode), 10))
	if ctx.StreamID != "" {
		b.WriteString(" streamId=")
		b.WriteString(ctx.StreamID)
	}
	if ctx.DeviceID != "" {
		b.WriteString(" deviceId=")
		b.WriteString(ctx.DeviceID)
	}
	if ctx.Backend != "" {
		b.WriteString(" backend=")
		b.WriteString(ctx.Backend)
	}
	if ctx.BrokerPort != 0 {
		b.WriteString(" brokerPort=")
		b.WriteString(strconv.Itoa(ctx.BrokerPort))
	}
	if stderrLower != "" {
		b.WriteString(" stderr=")
		b.WriteString(stderrLower)
	}
	return b.String()
}
