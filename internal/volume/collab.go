package volume

import (
	"context"
	"os"

	"github.com/spin-stack/privatevol/internal/fsdriver"
)

// DeviceNodes binds device numbers to device node paths.
type DeviceNodes interface {
	Create(path string, dev uint64) error
	Destroy(path string) error
}

// BlockMapper removes named block mappings. A busy mapping fails with an
// error wrapping unix.EBUSY; a missing one with errdefs.ErrNotFound.
type BlockMapper interface {
	DeleteIfExists(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// EncryptionSetup establishes an encrypted mapping called name over rawPath
// and returns the path of the mapped device.
type EncryptionSetup interface {
	Setup(ctx context.Context, name, rawPath string, key []byte) (string, error)
}

// FilesystemDriver checks, mounts and formats one filesystem type.
// Check returns the fsck exit code; its error is reserved for failures to
// run the check at all.
type FilesystemDriver interface {
	Check(ctx context.Context, source, target string) (int, error)
	Mount(ctx context.Context, source, target string, opts fsdriver.MountOptions) error
	Format(ctx context.Context, source string, opts fsdriver.FormatOptions) error
	IsSupported() bool
}

// MetadataProber reads filesystem metadata from an untrusted device.
type MetadataProber interface {
	ReadMetadata(ctx context.Context, source string) (fsdriver.Metadata, error)
}

// Relabeler restores security labels on a tree.
type Relabeler interface {
	RestoreRecursive(ctx context.Context, path string) error
}

// Host covers the directory and mount-table operations of a volume.
type Host interface {
	PrepareDir(path string, mode os.FileMode, uid, gid int, attrs uint32) error
	ForceUnmount(target string) error
	// RemoveDir removes an empty directory; a missing one is not an error.
	RemoveDir(path string) error
	IsSourceMounted(source string) (bool, error)
}

// Listener receives lifecycle notifications. Calls are made synchronously
// from the goroutine driving the volume and their outcome is ignored.
type Listener interface {
	OnVolumeCreated(id string, typ Type, mountUserID int)
	OnVolumeStateChanged(id string, state State)
	OnVolumeMetadataChanged(id, fsType, fsUUID, fsLabel string)
	OnVolumePathChanged(id, path string)
	OnVolumeDestroyed(id string)
}

// UserSessions reports the users whose sessions are running.
type UserSessions interface {
	StartedUsers() []int
}

// StaticUsers is a fixed set of started users.
type StaticUsers []int

// StartedUsers returns a copy of the set.
func (s StaticUsers) StartedUsers() []int {
	return append([]int(nil), s...)
}
