//go:build windows

package platform

import (
	"context"
	"os"
	"regexp"
	"strings"
)

// windowsCapabilityImpl implements the three Windows backends spec.md
// §4.4 names: DirectShow (primary, via the encoder's device list),
// WASAPI (secondary, same mechanism with a different input flag), and
// WMI (fallback). The WMI fallback is a documented stub: querying WMI
// from pure Go requires COM bindings this system does not carry as a
// dependency, so it returns an empty list rather than guessing —
// consistent with spec.md §9's instruction to never synthesize fake
// devices. DirectShow/WASAPI enumeration failing entirely (not just
// returning zero) is what DeviceService surfaces as a
// backend-enumeration diagnosis; WMI returning nothing is expected,
// not an error, since it is only ever a fallback source.
type windowsCapabilityImpl struct {
	windowsCapability
	encoderPath string
}

// NewCapability returns the Windows Capability implementation.
func NewCapability() Capability {
	path := os.Getenv("ENCODER_EXE_PATH")
	if path == "" {
		path = "ffmpeg.exe"
	}
	return &windowsCapabilityImpl{encoderPath: path}
}

var dshowAudioLineRE = regexp.MustCompile(`"([^"]+)"\s*\(audio\)`)

func (w *windowsCapabilityImpl) EnumerateDevices(ctx context.Context) ([]RawDevice, error) {
	dshow, err := listDevicesViaEncoder(ctx, w.encoderPath,
		[]string{"-list_devices", "true", "-f", "dshow", "-i", "dummy"},
		BackendDirectShow,
		func(line string) (string, bool, bool) {
			if !strings.Contains(line, "(audio)") {
				return "", false, false
			}
			m := dshowAudioLineRE.FindStringSubmatch(line)
			if m == nil {
				return "", false, false
			}
			return m[1], true, true
		})
	if err != nil {
		return nil, err
	}
	if len(dshow) > 0 {
		return dshow, nil
	}

	wasapi, err := listDevicesViaEncoder(ctx, w.encoderPath,
		[]string{"-list_devices", "true", "-f", "wasapi", "-i", "dummy"},
		BackendWASAPI,
		func(line string) (string, bool, bool) {
			if !strings.Contains(line, "(audio)") {
				return "", false, false
			}
			m := dshowAudioLineRE.FindStringSubmatch(line)
			if m == nil {
				return "", false, false
			}
			return m[1], true, true
		})
	if err != nil {
		return nil, err
	}
	return wasapi, nil
}
