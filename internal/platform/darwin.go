//go:build darwin

package platform

import (
	"context"
	"os"
	"regexp"
	"strings"
)

// darwinCapability is the AVFoundation backend: enumeration shells out
// to ffmpeg's "-list_devices true -f avfoundation" invocation, per
// spec.md §6, since macOS has no equivalent of /proc/asound to read
// directly.
type darwinCapability struct {
	unixCapability
	encoderPath string
}

// NewCapability returns the macOS Capability implementation.
func NewCapability() Capability {
	path := os.Getenv("ENCODER_EXE_PATH")
	if path == "" {
		path = "ffmpeg"
	}
	return &darwinCapability{encoderPath: path}
}

var avfAudioLineRE = regexp.MustCompile(`\[AVFoundation[^\]]*\]\s+\[(\d+)\]\s+(.+)`)

func (d *darwinCapability) EnumerateDevices(ctx context.Context) ([]RawDevice, error) {
	inAudioSection := false
	return listDevicesViaEncoder(ctx, d.encoderPath,
		[]string{"-f", "avfoundation", "-list_devices", "true", "-i", ""},
		BackendAVFoundation,
		func(line string) (string, bool, bool) {
			if strings.Contains(line, "AVFoundation audio devices") {
				inAudioSection = true
				return "", false, false
			}
			if strings.Contains(line, "AVFoundation video devices") {
				inAudioSection = false
				return "", false, false
			}
			if !inAudioSection {
				return "", false, false
			}
			m := avfAudioLineRE.FindStringSubmatch(line)
			if m == nil {
				return "", false, false
			}
			return m[2], true, true
		})
}
