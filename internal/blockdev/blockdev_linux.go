package blockdev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RegisteredMajor returns the block major the kernel registered for the
// driver called name, as listed in /proc/devices.
func RegisteredMajor(name string) (uint32, bool) {
	f, err := os.Open("/proc/devices")
	if err != nil {
		return 0, false
	}
	defer f.Close()
	major, ok := parseBlockMajors(f)[name]
	return major, ok
}

// IsFlashDevice is IsFlashClass with the virtio-blk major taken from
// /proc/devices when the driver is loaded.
func IsFlashDevice(major uint32) bool {
	if major == MajorMMC || major == MajorLoop {
		return true
	}
	if m, ok := RegisteredMajor("virtblk"); ok {
		return major == m
	}
	return IsVirtioBlk(major)
}

// Size returns the size in bytes of the block device at path.
func Size(path string) (uint64, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer unix.Close(fd)

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, fmt.Errorf("BLKGETSIZE64 failed for %s: %w", path, errno)
	}
	return size, nil
}

// DeviceOf returns the device number of the block special file at path.
func DeviceOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return 0, fmt.Errorf("%s is not a block device", path)
	}
	return uint64(st.Rdev), nil
}
