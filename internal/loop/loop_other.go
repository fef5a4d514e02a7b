//go:build !linux

package loop

import "github.com/containerd/errdefs"

// Attach binds backingFile to a free loop device.
func Attach(backingFile string, cfg Config) (*Device, error) {
	return nil, errdefs.ErrNotImplemented
}

// Dev returns the device number of the loop device.
func (d *Device) Dev() (uint64, error) {
	return 0, errdefs.ErrNotImplemented
}

// BackingFile returns the file the device is bound to.
func (d *Device) BackingFile() (string, error) {
	return "", errdefs.ErrNotImplemented
}

// Detach unbinds the loop device.
func (d *Device) Detach() error {
	return nil
}

// Lookup finds the loop device bound to backingFile.
func Lookup(backingFile string) (*Device, error) {
	return nil, errdefs.ErrNotImplemented
}
