// Package loop attaches image files to Linux loop devices so they can back
// a private volume like any other raw block device.
package loop

import (
	"fmt"
	"strconv"
	"strings"
)

// Config holds configuration options for attaching a loop device.
type Config struct {
	// ReadOnly attaches the image read-only.
	ReadOnly bool
	// Autoclear detaches the device when its last user closes it.
	Autoclear bool
	// DirectIO bypasses the page cache of the backing file.
	DirectIO bool
	// Offset is where the device starts in the backing file.
	Offset uint64
	// SizeLimit caps the device size (0 = entire file).
	SizeLimit uint64
}

// Device is an attached loop device.
type Device struct {
	// Path is the device path (e.g., "/dev/loop0").
	Path string
	// Number is the loop device number.
	Number int
}

func devicePath(n int) string {
	return "/dev/loop" + strconv.Itoa(n)
}

// parseName returns the number of a "loopN" block device name.
func parseName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "loop")
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// cString returns the NUL terminated string at the start of b.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (loop%d)", d.Path, d.Number)
}
