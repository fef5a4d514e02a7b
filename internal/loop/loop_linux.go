package loop

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/spin-stack/privatevol/internal/blockdev"
)

// Attach binds backingFile to a free loop device.
func Attach(backingFile string, cfg Config) (*Device, error) {
	flags := unix.O_CLOEXEC | unix.O_RDWR
	if cfg.ReadOnly {
		flags = unix.O_CLOEXEC | unix.O_RDONLY
	}
	backingFd, err := unix.Open(backingFile, flags, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: backingFile, Err: err}
	}
	defer unix.Close(backingFd)

	ctlFd, err := unix.Open("/dev/loop-control", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/loop-control: %w", err)
	}
	defer unix.Close(ctlFd)

	// Another process may claim the free device between GET_FREE and
	// SET_FD; ask again when that happens.
	for range 3 {
		n, err := unix.IoctlRetInt(ctlFd, unix.LOOP_CTL_GET_FREE)
		if err != nil {
			return nil, fmt.Errorf("LOOP_CTL_GET_FREE failed: %w", err)
		}
		dev, err := bind(n, backingFd, backingFile, cfg)
		if errors.Is(err, unix.EBUSY) {
			continue
		}
		return dev, err
	}
	return nil, fmt.Errorf("no free loop device for %s: %w", backingFile, unix.EBUSY)
}

func bind(n, backingFd int, backingFile string, cfg Config) (*Device, error) {
	path := devicePath(n)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop device %s: %w", path, err)
	}
	defer unix.Close(fd)

	if err := unix.IoctlSetInt(fd, unix.LOOP_SET_FD, backingFd); err != nil {
		return nil, fmt.Errorf("LOOP_SET_FD failed for %s: %w", path, err)
	}

	info := statusInfo(backingFile, cfg)
	if err := unix.IoctlLoopSetStatus64(fd, &info); err != nil {
		_ = unix.IoctlSetInt(fd, unix.LOOP_CLR_FD, 0)
		return nil, fmt.Errorf("LOOP_SET_STATUS64 failed for %s: %w", path, err)
	}
	return &Device{Path: path, Number: n}, nil
}

// statusInfo renders cfg as the LOOP_SET_STATUS64 argument.
func statusInfo(backingFile string, cfg Config) unix.LoopInfo64 {
	info := unix.LoopInfo64{
		Offset:    cfg.Offset,
		Sizelimit: cfg.SizeLimit,
	}
	if cfg.ReadOnly {
		info.Flags |= unix.LO_FLAGS_READ_ONLY
	}
	if cfg.Autoclear {
		info.Flags |= unix.LO_FLAGS_AUTOCLEAR
	}
	if cfg.DirectIO {
		info.Flags |= unix.LO_FLAGS_DIRECT_IO
	}
	copy(info.File_name[:len(info.File_name)-1], backingFile)
	return info
}

// Dev returns the device number of the loop device.
func (d *Device) Dev() (uint64, error) {
	return blockdev.DeviceOf(d.Path)
}

// BackingFile returns the file the device is bound to, as recorded at
// attach time.
func (d *Device) BackingFile() (string, error) {
	fd, err := unix.Open(d.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return "", fmt.Errorf("failed to open loop device %s: %w", d.Path, err)
	}
	defer unix.Close(fd)

	info, err := unix.IoctlLoopGetStatus64(fd)
	if err != nil {
		return "", fmt.Errorf("LOOP_GET_STATUS64 failed for %s: %w", d.Path, err)
	}
	return cString(info.File_name[:]), nil
}

// Detach unbinds the loop device. A device that is gone or no longer bound
// is not an error.
func (d *Device) Detach() error {
	fd, err := unix.Open(d.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}
		return fmt.Errorf("failed to open loop device %s: %w", d.Path, err)
	}
	defer unix.Close(fd)

	if err := unix.IoctlSetInt(fd, unix.LOOP_CLR_FD, 0); err != nil && !errors.Is(err, unix.ENXIO) {
		return fmt.Errorf("LOOP_CLR_FD failed for %s: %w", d.Path, err)
	}
	return nil
}

// Lookup finds the loop device bound to backingFile. It returns nil when no
// device is bound.
func Lookup(backingFile string) (*Device, error) {
	abs, err := filepath.Abs(backingFile)
	if err != nil {
		abs = backingFile
	}

	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return nil, fmt.Errorf("failed to read /sys/block: %w", err)
	}
	for _, entry := range entries {
		n, ok := parseName(entry.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/sys/block", entry.Name(), "loop", "backing_file"))
		if err != nil {
			// Not bound.
			continue
		}
		bound := strings.TrimSuffix(string(data), "\n")
		if bound == abs || bound == backingFile {
			return &Device{Path: devicePath(n), Number: n}, nil
		}
	}
	return nil, nil
}
