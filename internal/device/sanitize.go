// Package device implements DeviceService: audio input device
// enumeration, slug<->backendName mapping, and the shared name
// sanitization rules spec.md reuses for both Device.id and
// Stream.streamId (both are "≤64 chars, URL-path-safe").
//
// Grounded on the teacher's internal/audio/sanitize.go SanitizeDeviceName,
// generalized into an exported Sanitize usable by streammanager for
// streamId validation too, since spec.md §3 gives streamId the identical
// 64-char/URL-safe constraint.
package device

import (
	"strings"
	"time"
	"unicode"
)

// MaxNameLength is the maximum length of a sanitized slug, shared by
// Device.id and Stream.streamId per spec.md §3.
const MaxNameLength = 64

// Sanitize converts an arbitrary display name into a stable, URL-safe
// slug: non-alphanumeric runs become a single underscore, leading
// digits get a "dev_" prefix (slugs must not look like bare numbers),
// repeated underscores collapse, and the result is trimmed and capped
// at MaxNameLength. Empty, oversized, control-character, or
// path-traversal input falls back to a timestamped placeholder rather
// than propagating an unsafe string into a filename or URL path.
func Sanitize(name string) string {
	if !isSafeInput(name) {
		return fallbackName()
	}

	var b strings.Builder
	lastWasUnderscore := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastWasUnderscore = false
		default:
			if !lastWasUnderscore {
				b.WriteByte('_')
				lastWasUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return fallbackName()
	}
	if len(out) > MaxNameLength {
		out = out[:MaxNameLength]
		out = strings.TrimRight(out, "_")
	}
	if unicode.IsDigit(rune(out[0])) {
		out = "dev_" + out
		if len(out) > MaxNameLength {
			out = out[:MaxNameLength]
		}
	}
	return out
}

func isSafeInput(name string) bool {
	if name == "" || len(name) > 1024 {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func fallbackName() string {
	return "unknown_device_" + time.Now().UTC().Format("20060102150405")
}

// NormalizeForUniqueness implements spec.md INV-S4: case-insensitive,
// trim-insensitive comparison for Stream.name uniqueness.
func NormalizeForUniqueness(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
