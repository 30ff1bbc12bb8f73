//go:build linux

package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// usbPortPathRE matches a USB topology path such as "1-2" or "1-2.4.1":
// a root hub/bus number followed by one or more dot-separated port
// numbers. Adapted from the teacher's internal/udev/mapper.go, which
// uses the same pattern to recognize a sysfs USB device directory name
// among its siblings.
var usbPortPathRE = regexp.MustCompile(`^[0-9]+-[0-9]+(\.[0-9]+)*$`)

// isValidUSBPortPath reports whether path looks like a USB topology
// path rather than some other sysfs directory name (e.g. "usb1" or
// "1-0:1.0").
func isValidUSBPortPath(path string) bool {
	return usbPortPathRE.MatchString(path)
}

// parseBusDevNum parses a busnum/devnum file's content, tolerating the
// leading zeros the kernel sometimes pads these with.
func parseBusDevNum(s string) (int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// usbPortInfo identifies the stable physical USB port a capture device
// is attached to, plus whatever product/serial strings the kernel
// exposed for it. portPath survives device unplug/replug at the same
// port; it does not survive moving the device to a different port.
type usbPortInfo struct {
	portPath string
	product  string
	serial   string
}

// resolveUSBPort walks /sys/bus/usb/devices looking for the directory
// whose busnum/devnum files match the target, then reports its
// directory name as the physical port path. Adapted from the teacher's
// internal/udev/mapper.go GetUSBPhysicalPort, generalized to take a
// sysfs root so it can be pointed at a fake tree in tests.
func resolveUSBPort(sysfsUSBDevices string, busNum, devNum int) (usbPortInfo, error) {
	entries, err := os.ReadDir(sysfsUSBDevices)
	if err != nil {
		return usbPortInfo{}, fmt.Errorf("read %s: %w", sysfsUSBDevices, err)
	}

	for _, e := range entries {
		if !isValidUSBPortPath(e.Name()) {
			continue
		}
		devDir := filepath.Join(sysfsUSBDevices, e.Name())

		gotBus, gotDev, err := readBusDevNum(devDir)
		if err != nil {
			continue
		}
		if gotBus != busNum || gotDev != devNum {
			continue
		}

		info := usbPortInfo{portPath: e.Name()}
		if b, err := os.ReadFile(filepath.Join(devDir, "product")); err == nil {
			info.product = strings.TrimSpace(string(b))
		}
		if b, err := os.ReadFile(filepath.Join(devDir, "serial")); err == nil {
			info.serial = strings.TrimSpace(string(b))
		}
		return info, nil
	}

	return usbPortInfo{}, fmt.Errorf("no USB device at bus %d dev %d under %s", busNum, devNum, sysfsUSBDevices)
}

// readBusDevNum reads and parses a device directory's busnum/devnum
// files.
func readBusDevNum(devDir string) (busNum, devNum int, err error) {
	busBytes, err := os.ReadFile(filepath.Join(devDir, "busnum"))
	if err != nil {
		return 0, 0, err
	}
	devBytes, err := os.ReadFile(filepath.Join(devDir, "devnum"))
	if err != nil {
		return 0, 0, err
	}
	busNum, err = parseBusDevNum(string(busBytes))
	if err != nil {
		return 0, 0, err
	}
	devNum, err = parseBusDevNum(string(devBytes))
	if err != nil {
		return 0, 0, err
	}
	return busNum, devNum, nil
}

// cardUSBBusDevNum resolves an ALSA card number to the bus/device
// numbers of the USB device backing it, by following the card's sysfs
// "device" symlink up to the USB interface node and reading its
// parent's busnum/devnum. Not grounded in any single teacher file: the
// teacher's detector.go only checks for a card's usbid file, it never
// needs the bus/dev numbers themselves. This follows the standard
// Linux sysfs convention that /sys/class/sound/cardN/device resolves
// to .../usbN/N-M:1.0, whose grandparent directory is the USB device
// node carrying busnum/devnum.
func cardUSBBusDevNum(sysClassSound string, cardNumber int) (busNum, devNum int, err error) {
	cardDevice := filepath.Join(sysClassSound, fmt.Sprintf("card%d", cardNumber), "device")
	resolved, err := filepath.EvalSymlinks(cardDevice)
	if err != nil {
		return 0, 0, err
	}

	// resolved is typically .../usbN/N-M/N-M:1.0 (an interface node);
	// its parent is the USB device node carrying busnum/devnum.
	usbDeviceDir := filepath.Dir(resolved)
	if !isValidUSBPortPath(filepath.Base(usbDeviceDir)) {
		return 0, 0, fmt.Errorf("%s does not resolve under a USB device node", cardDevice)
	}
	return readBusDevNum(usbDeviceDir)
}

// usbPortForCard resolves the stable USB physical-port path for an
// ALSA capture card, for use as a device-identity disambiguator when
// two capture devices would otherwise report identical names. Returns
// ok=false (never an error) when the card isn't USB-backed or its
// sysfs topology can't be resolved, since most callers should fall
// back to name-only identification rather than fail enumeration.
func usbPortForCard(cardNumber int) (portPath string, ok bool) {
	busNum, devNum, err := cardUSBBusDevNum("/sys/class/sound", cardNumber)
	if err != nil {
		return "", false
	}
	info, err := resolveUSBPort("/sys/bus/usb/devices", busNum, devNum)
	if err != nil || info.portPath == "" {
		return "", false
	}
	return info.portPath, true
}
