// Package blockdev holds block device numbering helpers: device classes by
// major number and parsing of "major:minor" device specs.
package blockdev

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

// Block major numbers from Documentation/admin-guide/devices.txt.
const (
	MajorLoop = 7
	MajorMMC  = 179

	// virtio-blk has no fixed major. The kernel hands it one from the
	// range reserved for local/experimental use.
	majorExperimentalMin = 240
	majorExperimentalMax = 254
)

// IsVirtioBlk reports whether major falls in the range the kernel assigns
// to virtio-blk devices.
func IsVirtioBlk(major uint32) bool {
	return major >= majorExperimentalMin && major <= majorExperimentalMax
}

// IsFlashClass reports whether a device with the given major number is
// likely backed by flash or low-seek media: MMC/SD cards, loop devices
// and virtio-blk disks. Rotational detection through sysfs is unreliable on
// these devices, so the class is inferred from the major number.
func IsFlashClass(major uint32) bool {
	return major == MajorMMC || major == MajorLoop || IsVirtioBlk(major)
}

// Mkdev builds a device number from its major and minor parts.
func Mkdev(major, minor uint32) uint64 {
	return unix.Mkdev(major, minor)
}

// Split returns the major and minor parts of dev.
func Split(dev uint64) (major, minor uint32) {
	return unix.Major(dev), unix.Minor(dev)
}

// Parse parses a "major:minor" device spec.
func Parse(spec string) (uint64, error) {
	majStr, minStr, ok := strings.Cut(spec, ":")
	if !ok {
		return 0, fmt.Errorf("device %q is not major:minor: %w", spec, errdefs.ErrInvalidArgument)
	}
	major, err := strconv.ParseUint(majStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid major in %q: %w", spec, errdefs.ErrInvalidArgument)
	}
	minor, err := strconv.ParseUint(minStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid minor in %q: %w", spec, errdefs.ErrInvalidArgument)
	}
	return Mkdev(uint32(major), uint32(minor)), nil
}

// Format renders dev as "major:minor".
func Format(dev uint64) string {
	major, minor := Split(dev)
	return fmt.Sprintf("%d:%d", major, minor)
}

// parseBlockMajors reads the "Block devices:" section of /proc/devices into
// a driver name to major number map.
func parseBlockMajors(r io.Reader) map[string]uint32 {
	majors := make(map[string]uint32)
	inBlock := false
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "":
			continue
		case strings.HasSuffix(line, ":"):
			inBlock = line == "Block devices:"
			continue
		case !inBlock:
			continue
		}
		numStr, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(numStr, 10, 32)
		if err != nil {
			continue
		}
		majors[strings.TrimSpace(name)] = uint32(n)
	}
	return majors
}
