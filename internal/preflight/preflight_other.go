//go:build !linux

// Package preflight provides system requirement checks for privatevol.
package preflight

import (
	"context"

	"github.com/containerd/errdefs"
)

// MinKernelVersion is the minimum required kernel version.
const MinKernelVersion = "5.4"

// Options selects which checks Check runs.
type Options struct {
	MountRoot   string
	Filesystems []string
}

// Check runs all preflight checks.
// On non-Linux platforms, this returns ErrNotImplemented.
func Check(ctx context.Context, opts Options) error {
	return errdefs.ErrNotImplemented
}

// KernelVersion returns the current kernel version.
func KernelVersion() (string, error) {
	return "", errdefs.ErrNotImplemented
}

// CompareVersions compares two version strings.
func CompareVersions(v1, v2 string) (int, error) {
	return 0, errdefs.ErrNotImplemented
}

// CheckKernelVersion checks if the running kernel meets the minimum version requirement.
func CheckKernelVersion(minVersion string) error {
	return errdefs.ErrNotImplemented
}

// CheckDmCrypt checks that dm-crypt is available.
func CheckDmCrypt() error {
	return errdefs.ErrNotImplemented
}

// CheckDType checks that dir supports d_type.
func CheckDType(dir string) error {
	return errdefs.ErrNotImplemented
}

// FilesystemRegistered always reports false off Linux.
func FilesystemRegistered(name string) bool {
	return false
}
