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
	"context"
	"fmt"
	"strconv"

	"github.com/containerd/log"
	"github.com/google/uuid"
)

const (
	e2fsckPath = "e2fsck"
	mke2fsPath = "mke2fs"

	// ext4BlockSize is the block size new ext4 filesystems are made with.
	ext4BlockSize = 4096
)

// Ext4 drives ext4 filesystems.
type Ext4 struct {
	run       runner
	available func(string) bool
	mount     func(typ, source, target string, options []string) error
	unmount   func(target string) error
}

// NewExt4 returns an ext4 driver using the host tools.
func NewExt4() *Ext4 {
	return &Ext4{
		run:       execTool,
		available: toolAvailable,
		mount:     mountFS,
		unmount:   forceUnmount,
	}
}

// Check replays the journal of source by mounting it on target briefly, then
// runs e2fsck -y. The fsck exit code is returned; an error is returned only
// when e2fsck could not be run. A host without e2fsck reports a clean check.
func (d *Ext4) Check(ctx context.Context, source, target string) (int, error) {
	// The kernel replays the journal and orphan list far faster than
	// e2fsck does.
	if err := d.mount(TypeExt4, source, target, []string{"noatime", "noexec", "nosuid", "nomblk_io_submit", "errors=remount-ro"}); err != nil {
		log.G(ctx).WithError(err).WithField("source", source).Debug("journal replay mount failed")
	} else if err := d.unmount(target); err != nil {
		log.G(ctx).WithError(err).WithField("target", target).Warn("failed to unmount after journal replay")
	}

	if !d.available(e2fsckPath) {
		log.G(ctx).WithField("source", source).Debug("e2fsck not installed, skipping check")
		return CheckClean, nil
	}

	out, err := d.run(ctx, e2fsckPath, "-y", source)
	code, ok := exitCode(err)
	if !ok {
		return 0, fmt.Errorf("failed to run e2fsck on %s: %w", source, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"source": source,
		"code":   code,
	}).Debug("e2fsck finished")
	if code != CheckClean {
		log.G(ctx).WithField("source", source).Infof("e2fsck reported code %d: %s", code, truncate(out))
	}
	return code, nil
}

// Mount mounts source on target.
func (d *Ext4) Mount(ctx context.Context, source, target string, opts MountOptions) error {
	options := ext4MountOptions(opts)
	if err := d.mount(TypeExt4, source, target, options); err != nil {
		return fmt.Errorf("failed to mount ext4 %s on %s: %w", source, target, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"source":  source,
		"target":  target,
		"options": options,
	}).Debug("mounted ext4")
	return nil
}

func ext4MountOptions(opts MountOptions) []string {
	options := []string{"noatime", "nodev", "nosuid"}
	if !opts.Executable {
		options = append(options, "noexec")
	}
	if opts.DirSync {
		options = append(options, "dirsync")
	}
	if opts.ReadOnly {
		options = append(options, "ro")
	}
	return options
}

// Format makes a new ext4 filesystem on source.
func (d *Ext4) Format(ctx context.Context, source string, opts FormatOptions) error {
	args, err := ext4FormatArgs(source, opts)
	if err != nil {
		return err
	}
	if out, err := d.run(ctx, mke2fsPath, args...); err != nil {
		return fmt.Errorf("mke2fs failed on %s: %w: %s", source, err, truncate(out))
	}
	log.G(ctx).WithField("source", source).Info("formatted ext4")
	return nil
}

func ext4FormatArgs(source string, opts FormatOptions) ([]string, error) {
	id := opts.UUID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid filesystem uuid %q: %w", id, err)
	}
	args := []string{
		"-F",
		"-t", TypeExt4,
		"-b", strconv.Itoa(ext4BlockSize),
		"-U", id,
		"-O", "encrypt,casefold",
		"-E", "encoding=utf8",
	}
	if opts.Target != "" {
		args = append(args, "-M", opts.Target)
	}
	args = append(args, source)
	if opts.Sectors > 0 {
		args = append(args, strconv.FormatUint(opts.Sectors*512/ext4BlockSize, 10))
	}
	return args, nil
}

// IsSupported reports whether ext4 can be checked, mounted and formatted.
func (d *Ext4) IsSupported() bool {
	return supported(context.Background(), TypeExt4, mke2fsPath)
}
