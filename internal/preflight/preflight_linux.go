// Package preflight provides system requirement checks for privatevol.
package preflight

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// MinKernelVersion is the minimum required kernel version.
// Casefolded directories on ext4 and f2fs need at least this.
const MinKernelVersion = "5.4"

// Options selects which checks Check runs.
type Options struct {
	// MountRoot, when set, must live on a filesystem that reports d_type.
	MountRoot string
	// Filesystems lists filesystem types that must be registered with the
	// kernel.
	Filesystems []string
}

// Check runs all preflight checks and returns an error if any fail.
// This should be called early in main() to fail fast.
func Check(ctx context.Context, opts Options) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		return CheckKernelVersion(MinKernelVersion)
	})
	g.Go(CheckDmCrypt)
	for _, name := range opts.Filesystems {
		g.Go(func() error {
			if !FilesystemRegistered(name) {
				return fmt.Errorf("%s filesystem not available, please run: modprobe %s", name, name)
			}
			return nil
		})
	}
	if opts.MountRoot != "" {
		g.Go(func() error {
			return CheckDType(opts.MountRoot)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.G(ctx).WithField("filesystems", opts.Filesystems).Debug("preflight checks passed")
	return nil
}

// KernelVersion returns the current kernel version as a string (e.g., "6.16.0").
func KernelVersion() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("uname failed: %w", err)
	}
	return unix.ByteSliceToString(uname.Release[:]), nil
}

// parseVersion parses a kernel version string into major, minor, patch components.
// Handles versions like "6.16.0", "6.16.0-rc1", "6.16.0-generic", etc.
func parseVersion(version string) (major, minor, patch int, err error) {
	version, _, _ = strings.Cut(version, "-")

	nums := strings.Split(version, ".")
	if len(nums) < 2 {
		return 0, 0, 0, fmt.Errorf("invalid version format: %s", version)
	}

	major, err = strconv.Atoi(nums[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid major version: %s", nums[0])
	}

	minor, err = strconv.Atoi(nums[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid minor version: %s", nums[1])
	}

	if len(nums) >= 3 {
		// Patch may carry a trailing suffix such as "5+".
		digits := strings.IndexFunc(nums[2], func(r rune) bool { return r < '0' || r > '9' })
		p := nums[2]
		if digits >= 0 {
			p = p[:digits]
		}
		if p != "" {
			patch, _ = strconv.Atoi(p)
		}
	}

	return major, minor, patch, nil
}

// CompareVersions compares two version strings.
// Returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2.
func CompareVersions(v1, v2 string) (int, error) {
	maj1, min1, pat1, err := parseVersion(v1)
	if err != nil {
		return 0, err
	}
	maj2, min2, pat2, err := parseVersion(v2)
	if err != nil {
		return 0, err
	}

	for _, pair := range [][2]int{{maj1, maj2}, {min1, min2}, {pat1, pat2}} {
		switch {
		case pair[0] < pair[1]:
			return -1, nil
		case pair[0] > pair[1]:
			return 1, nil
		}
	}
	return 0, nil
}

// CheckKernelVersion checks if the running kernel meets the minimum version requirement.
func CheckKernelVersion(minVersion string) error {
	current, err := KernelVersion()
	if err != nil {
		return err
	}

	cmp, err := CompareVersions(current, minVersion)
	if err != nil {
		return fmt.Errorf("failed to compare versions: %w", err)
	}
	if cmp < 0 {
		return fmt.Errorf("kernel version %s is less than required %s", current, minVersion)
	}
	return nil
}

// CheckDmCrypt checks that dmsetup is installed and the kernel exposes the
// crypt target.
func CheckDmCrypt() error {
	if _, err := exec.LookPath("dmsetup"); err != nil {
		return fmt.Errorf("dmsetup not found in PATH: %w", err)
	}
	out, err := exec.Command("dmsetup", "targets").CombinedOutput()
	if err != nil {
		return fmt.Errorf("dmsetup targets failed: %w: %s", err, out)
	}
	if !hasTarget(out, "crypt") {
		return fmt.Errorf("dm-crypt target not available, please run: modprobe dm-crypt")
	}
	return nil
}

// hasTarget reports whether dmsetup targets output lists target.
func hasTarget(out []byte, target string) bool {
	s := bufio.NewScanner(bytes.NewReader(out))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) > 0 && fields[0] == target {
			return true
		}
	}
	return false
}

// CheckDType checks that dir lives on a filesystem that fills in d_type.
func CheckDType(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	ok, err := fs.SupportsDType(dir)
	if err != nil {
		return fmt.Errorf("failed to check d_type support on %s: %w", dir, err)
	}
	if !ok {
		return fmt.Errorf("%s is on a filesystem without d_type support", dir)
	}
	return nil
}

// FilesystemRegistered checks if name is registered in /proc/filesystems.
func FilesystemRegistered(name string) bool {
	f, err := os.Open("/proc/filesystems")
	if err != nil {
		return false
	}
	defer f.Close()
	return registered(f, name)
}

func registered(r io.Reader, name string) bool {
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) > 0 && fields[len(fields)-1] == name {
			return true
		}
	}
	return false
}
