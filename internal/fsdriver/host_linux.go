/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package fsdriver

import (
	"errors"
	"fmt"
	"os"

	"github.com/containerd/containerd/v2/core/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// FlagCasefold is FS_CASEFOLD_FL: lookups in the directory ignore case.
const FlagCasefold uint32 = 0x40000000

// Host performs the directory and mount-table operations around a
// filesystem. The zero value is ready to use.
type Host struct{}

// NewHost returns a Host.
func NewHost() *Host {
	return &Host{}
}

// PrepareDir ensures path is a directory with exactly mode, owned by uid:gid,
// and with the inode flags in attrs set.
func (h *Host) PrepareDir(path string, mode os.FileMode, uid, gid int, attrs uint32) error {
	if err := unix.Mkdir(path, uint32(mode.Perm())); err != nil && !errors.Is(err, unix.EEXIST) {
		return &os.PathError{Op: "mkdir", Path: path, Err: err}
	}

	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("%s exists and is not a directory", path)
	}
	if err := unix.Chmod(path, uint32(mode.Perm())); err != nil {
		return &os.PathError{Op: "chmod", Path: path, Err: err}
	}
	if int(st.Uid) != uid || int(st.Gid) != gid {
		if err := unix.Lchown(path, uid, gid); err != nil {
			return &os.PathError{Op: "chown", Path: path, Err: err}
		}
	}
	if attrs != 0 {
		if err := setInodeFlags(path, attrs); err != nil {
			return fmt.Errorf("failed to set inode flags %#x on %s: %w", attrs, path, err)
		}
	}
	return nil
}

// setInodeFlags ORs attrs into the inode flags of path.
func setInodeFlags(path string, attrs uint32) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open: %w", err)
	}
	defer f.Close()

	oldattr, err := unix.IoctlGetInt(int(f.Fd()), unix.FS_IOC_GETFLAGS)
	if err != nil {
		return fmt.Errorf("error getting inode flags: %w", err)
	}
	newattr := oldattr | int(attrs)
	if newattr == oldattr {
		return nil
	}
	return unix.IoctlSetPointerInt(int(f.Fd()), unix.FS_IOC_SETFLAGS, newattr)
}

// ForceUnmount detaches every mount on target. A target that is not mounted,
// or no longer exists, is not an error.
func (h *Host) ForceUnmount(target string) error {
	return forceUnmount(target)
}

func forceUnmount(target string) error {
	return forceUnmountWith(target, mount.UnmountAll)
}

// forceUnmountWith tries a plain unmount and falls back to a lazy detach.
func forceUnmountWith(target string, unmount func(string, int) error) error {
	err := unmount(target, 0)
	if err == nil || isNotMountError(err) {
		return nil
	}
	derr := unmount(target, unix.MNT_DETACH)
	if derr == nil || isNotMountError(derr) {
		return nil
	}
	return fmt.Errorf("unmount %s failed (lazy unmount also failed): %w", target, errors.Join(err, derr))
}

func isNotMountError(err error) bool {
	// EINVAL: target is not a mount point
	// ENOENT: path doesn't exist
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) || os.IsNotExist(err)
}

// RemoveDir removes the empty directory path. A missing path is not an
// error.
func (h *Host) RemoveDir(path string) error {
	if err := unix.Rmdir(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return &os.PathError{Op: "rmdir", Path: path, Err: err}
	}
	return nil
}

// IsSourceMounted reports whether the block device at source backs any
// mount in this mount namespace. Devices are compared by number, so any
// alias of source (/dev/dm-N, /dev/mapper/name) matches.
func (h *Host) IsSourceMounted(source string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(source, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, &os.PathError{Op: "stat", Path: source, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return false, fmt.Errorf("%s is not a block device", source)
	}
	major, minor := int(unix.Major(uint64(st.Rdev))), int(unix.Minor(uint64(st.Rdev)))

	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		match := info.Major == major && info.Minor == minor
		return !match, match
	})
	if err != nil {
		return false, fmt.Errorf("failed to read mount table: %w", err)
	}
	return len(mounts) > 0, nil
}

func mountFS(typ, source, target string, options []string) error {
	m := mount.Mount{
		Type:    typ,
		Source:  source,
		Options: options,
	}
	return m.Mount(target)
}
