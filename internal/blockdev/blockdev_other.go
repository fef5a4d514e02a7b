//go:build !linux

package blockdev

import "github.com/containerd/errdefs"

// Size returns the size in bytes of the block device at path.
func Size(path string) (uint64, error) {
	return 0, errdefs.ErrNotImplemented
}

// DeviceOf returns the device number of the block special file at path.
func DeviceOf(path string) (uint64, error) {
	return 0, errdefs.ErrNotImplemented
}

// RegisteredMajor is not available off Linux.
func RegisteredMajor(name string) (uint32, bool) {
	return 0, false
}

// IsFlashDevice falls back to IsFlashClass off Linux.
func IsFlashDevice(major uint32) bool {
	return IsFlashClass(major)
}
