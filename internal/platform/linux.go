//go:build linux

package platform

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// linuxCapability is the ALSA-or-PulseAudio backend. Enumeration is
// grounded on the teacher's internal/audio/detector.go (which walks
// /proc/asound/card[0-9]* looking for a usbid file) generalized to all
// capture-capable cards, not only USB ones, since spec.md §4.4 only
// names "alsa-or-pulse" as a single Linux backend rather than
// distinguishing USB from built-in capture hardware.
type linuxCapability struct {
	unixCapability
	asoundPath string
}

// NewCapability returns the Linux Capability implementation.
func NewCapability() Capability {
	return &linuxCapability{asoundPath: "/proc/asound"}
}

func (l *linuxCapability) EnumerateDevices(ctx context.Context) ([]RawDevice, error) {
	entries, err := os.ReadDir(l.asoundPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", l.asoundPath, err)
	}

	var cards []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !strings.HasPrefix(e.Name(), "card") {
			continue
		}
		cards = append(cards, e.Name())
	}
	sort.Strings(cards)

	var out []RawDevice
	for _, card := range cards {
		cardDir := filepath.Join(l.asoundPath, card)

		// Only cards exposing a capture stream are input devices.
		if !hasCaptureStream(cardDir) {
			continue
		}

		idPath := filepath.Join(cardDir, "id")
		// #nosec G304 -- reading from /proc, controlled path
		idBytes, err := os.ReadFile(idPath)
		if err != nil {
			continue
		}
		cardID := strings.TrimSpace(string(idBytes))
		if cardID == "" {
			continue
		}

		var portPath string
		if n, err := strconv.Atoi(strings.TrimPrefix(card, "card")); err == nil {
			if p, ok := usbPortForCard(n); ok {
				portPath = p
			}
		}

		out = append(out, RawDevice{
			BackendName: fmt.Sprintf("hw:CARD=%s", cardID),
			Kind:        "input",
			Backend:     BackendALSAOrPulse,
			Source:      SourceEncoderEnumerated,
			PortPath:    portPath,
		})
	}

	return out, nil
}

// hasCaptureStream reports whether a card directory has any capture
// substream, per the teacher's capabilities.go approach of checking
// pcmNc entries rather than assuming every sound card can capture.
func hasCaptureStream(cardDir string) bool {
	entries, err := os.ReadDir(cardDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "c") && strings.HasPrefix(e.Name(), "pcm") {
			return true
		}
	}
	return false
}

// IsDeviceBusy performs a non-invasive busy check by reading the PCM
// substream's status file, matching the teacher's
// internal/audio/capabilities.go checkDeviceBusy: never opens the
// device itself.
func IsDeviceBusy(asoundPath string, cardNumber int) (bool, error) {
	statusPath := filepath.Join(asoundPath, "card"+strconv.Itoa(cardNumber), "pcm0c", "sub0", "status")
	// #nosec G304 -- reading from /proc, controlled path
	f, err := os.Open(statusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "state: RUNNING") || strings.Contains(line, "state: PREPARED") {
			return true, nil
		}
	}
	return false, nil
}
