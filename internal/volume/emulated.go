package volume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/privatevol/internal/blockdev"
)

// Emulated is the per-user view stacked on the media directory of a
// mounted private volume. It owns no devices; mounting publishes the user's
// directory under the media tree.
type Emulated struct {
	*Base

	mediaPath string
	rawDevice uint64
	fsUUID    string
	userID    int
}

// NewEmulated returns the derived volume of userID over mediaPath. It
// satisfies DerivedFactory.
func NewEmulated(mediaPath string, rawDevice uint64, fsUUID string, userID int) Volume {
	major, minor := blockdev.Split(rawDevice)
	e := &Emulated{
		mediaPath: mediaPath,
		rawDevice: rawDevice,
		fsUUID:    fsUUID,
		userID:    userID,
	}
	e.Base = NewBase(fmt.Sprintf("emulated:%d,%d;%d", major, minor, userID), TypeEmulated, e)
	return e
}

// FsUUID returns the filesystem UUID of the backing private volume.
func (e *Emulated) FsUUID() string { return e.fsUUID }

// UserID returns the user the view belongs to.
func (e *Emulated) UserID() int { return e.userID }

func (e *Emulated) userPath() string {
	return filepath.Join(e.mediaPath, strconv.Itoa(e.userID))
}

// DoCreate has nothing to bind; the view lives inside the private volume.
func (e *Emulated) DoCreate(ctx context.Context) error {
	log.G(ctx).WithFields(log.Fields{
		"id":   e.ID(),
		"path": e.userPath(),
	}).Debug("emulated volume created")
	return nil
}

// DoDestroy has nothing to release.
func (e *Emulated) DoDestroy(ctx context.Context) error {
	return nil
}

// DoMount publishes the user's media directory as the volume path. The
// directory must already exist.
func (e *Emulated) DoMount(ctx context.Context) error {
	path := e.userPath()
	fi, err := os.Stat(path)
	if err != nil {
		return &OpError{VolumeID: e.ID(), Op: "mount", Step: ErrCodeMount, Cause: err}
	}
	if !fi.IsDir() {
		return &OpError{VolumeID: e.ID(), Op: "mount", Step: ErrCodeMount, Cause: fmt.Errorf("%s is not a directory", path)}
	}
	e.SetPath(path)
	return nil
}

// DoPostMount is a no-op.
func (e *Emulated) DoPostMount(ctx context.Context) {}

// DoUnmount clears the published path.
func (e *Emulated) DoUnmount(ctx context.Context) error {
	e.SetPath("")
	return nil
}

// DoFormat always fails with errdefs.ErrNotImplemented.
func (e *Emulated) DoFormat(ctx context.Context, fsType string) error {
	return fmt.Errorf("emulated volumes cannot be formatted: %w", errdefs.ErrNotImplemented)
}
