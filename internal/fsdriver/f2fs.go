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
	fsckF2fsPath = "fsck.f2fs"
	mkfsF2fsPath = "mkfs.f2fs"
)

// F2fs drives f2fs filesystems.
type F2fs struct {
	run   runner
	mount func(typ, source, target string, options []string) error
}

// NewF2fs returns an f2fs driver using the host tools.
func NewF2fs() *F2fs {
	return &F2fs{run: execTool, mount: mountFS}
}

// Check runs fsck.f2fs -a on source and returns its exit code. target is
// unused; f2fs recovers its checkpoint at mount time.
func (d *F2fs) Check(ctx context.Context, source, target string) (int, error) {
	out, err := d.run(ctx, fsckF2fsPath, "-a", source)
	code, ok := exitCode(err)
	if !ok {
		return 0, fmt.Errorf("failed to run fsck.f2fs on %s: %w", source, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"source": source,
		"code":   code,
	}).Debug("fsck.f2fs finished")
	if code != CheckClean {
		log.G(ctx).WithField("source", source).Infof("fsck.f2fs reported code %d: %s", code, truncate(out))
	}
	return code, nil
}

// Mount mounts source on target.
func (d *F2fs) Mount(ctx context.Context, source, target string, opts MountOptions) error {
	options := f2fsMountOptions(opts)
	if err := d.mount(TypeF2fs, source, target, options); err != nil {
		return fmt.Errorf("failed to mount f2fs %s on %s: %w", source, target, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"source":  source,
		"target":  target,
		"options": options,
	}).Debug("mounted f2fs")
	return nil
}

func f2fsMountOptions(opts MountOptions) []string {
	// Executable and DirSync are implied: f2fs volumes always mount
	// dirsync and never noexec.
	options := []string{"noatime", "nodev", "nosuid", "dirsync"}
	if opts.ReadOnly {
		options = append(options, "ro")
	}
	return options
}

// Format makes a new f2fs filesystem on source.
func (d *F2fs) Format(ctx context.Context, source string, opts FormatOptions) error {
	args, err := f2fsFormatArgs(source, opts)
	if err != nil {
		return err
	}
	if out, err := d.run(ctx, mkfsF2fsPath, args...); err != nil {
		return fmt.Errorf("mkfs.f2fs failed on %s: %w: %s", source, err, truncate(out))
	}
	log.G(ctx).WithField("source", source).Info("formatted f2fs")
	return nil
}

func f2fsFormatArgs(source string, opts FormatOptions) ([]string, error) {
	id := opts.UUID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid filesystem uuid %q: %w", id, err)
	}
	args := []string{"-f", "-U", id, "-O", "encrypt,casefold", "-C", "utf8", source}
	if opts.Sectors > 0 {
		args = append(args, strconv.FormatUint(opts.Sectors, 10))
	}
	return args, nil
}

// IsSupported reports whether f2fs can be checked, mounted and formatted.
func (d *F2fs) IsSupported() bool {
	return supported(context.Background(), TypeF2fs, mkfsF2fsPath, fsckF2fsPath)
}
