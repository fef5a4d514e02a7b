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

// Package fsdriver checks, mounts and formats the filesystems a private
// volume can carry, and provides the host-side helpers around them:
// metadata probing, relabeling, directory preparation and forced unmount.
//
// Checks and formats shell out to the userspace tools (e2fsck, mke2fs,
// fsck.f2fs, mkfs.f2fs, blkid, restorecon). Mounts go through the
// containerd mount package.
package fsdriver

import (
	"context"
	"errors"
	"os/exec"

	"github.com/containerd/log"

	"github.com/spin-stack/privatevol/internal/preflight"
	"github.com/spin-stack/privatevol/internal/stringutil"
)

// Filesystem type names.
const (
	TypeExt4 = "ext4"
	TypeF2fs = "f2fs"
)

// fsck exit codes shared by e2fsck and fsck.f2fs.
const (
	CheckClean     = 0
	CheckRepaired  = 1
	CheckRebootReq = 2
	CheckUncorrect = 4
)

// maxOutput bounds the tool output kept in error messages.
const maxOutput = 512

// Metadata is what a probe learns about a filesystem.
type Metadata struct {
	Type  string
	UUID  string
	Label string
}

// MountOptions tunes the flags a driver mounts with.
type MountOptions struct {
	// ReadOnly mounts without write access.
	ReadOnly bool
	// Executable drops noexec.
	Executable bool
	// DirSync makes directory updates synchronous.
	DirSync bool
}

// FormatOptions tunes a format.
type FormatOptions struct {
	// Sectors limits the filesystem size in 512-byte sectors. Zero uses the
	// whole device.
	Sectors uint64
	// Target records the directory the filesystem is meant to be mounted
	// at.
	Target string
	// UUID pins the filesystem UUID. Empty generates a fresh one.
	UUID string
}

// runner executes a tool and returns its combined output.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execTool(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// exitCode extracts the exit status of a tool that ran to completion.
// ok is false when the tool could not be started at all.
func exitCode(err error) (code int, ok bool) {
	if err == nil {
		return 0, true
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), true
	}
	return 0, false
}

// toolAvailable reports whether name resolves through PATH.
func toolAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// supported reports whether fsType is registered with the kernel and every
// tool is installed.
func supported(ctx context.Context, fsType string, tools ...string) bool {
	if !preflight.FilesystemRegistered(fsType) {
		log.G(ctx).WithField("type", fsType).Debug("filesystem not registered with the kernel")
		return false
	}
	for _, t := range tools {
		if !toolAvailable(t) {
			log.G(ctx).WithField("tool", t).Debug("filesystem tool missing")
			return false
		}
	}
	return true
}

func truncate(out []byte) string {
	return stringutil.TruncateOutput(out, maxOutput)
}
