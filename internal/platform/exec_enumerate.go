package platform

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// listDevicesViaEncoder shells out to the encoder binary's "list
// devices" invocation (spec.md §6: "the same encoder binary is used to
// list devices, producing newline-delimited device records on
// stderr") and extracts device names matching linePrefix, the common
// strategy on platforms where there is no /proc-style filesystem to
// read directly (macOS, Windows).
func listDevicesViaEncoder(ctx context.Context, encoderPath string, args []string, backend Backend, namePattern func(line string) (name string, isInput bool, ok bool)) ([]RawDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, encoderPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// The list-devices invocations of ffmpeg-style encoders exit
	// non-zero after printing the device list; that is expected and not
	// an error for enumeration purposes.
	_ = cmd.Run()

	var out []RawDevice
	scanner := bufio.NewScanner(strings.NewReader(stderr.String()))
	for scanner.Scan() {
		name, isInput, ok := namePattern(scanner.Text())
		if !ok || !isInput {
			continue
		}
		out = append(out, RawDevice{
			BackendName: name,
			Kind:        "input",
			Backend:     backend,
			Source:      SourceEncoderEnumerated,
		})
	}
	return out, nil
}
