package volume

import (
	"os"

	"github.com/spin-stack/privatevol/internal/blockdev"
	"github.com/spin-stack/privatevol/internal/devmapper"
	"github.com/spin-stack/privatevol/internal/devnode"
	"github.com/spin-stack/privatevol/internal/fsdriver"
)

// Env holds the collaborators a private volume drives.
type Env struct {
	Nodes     DeviceNodes
	Mapper    BlockMapper
	Crypt     EncryptionSetup
	Prober    MetadataProber
	Drivers   map[string]FilesystemDriver
	Relabeler Relabeler
	Host      Host

	// OpenDevice opens path for writing and closes it again. It fails while
	// the device node has not appeared.
	OpenDevice func(path string) error
	// IsFlashDevice reports whether a raw device major belongs to the
	// flash or virtual device class that prefers f2fs.
	IsFlashDevice func(major uint32) bool
}

// DefaultEnv returns the host implementations: mknod device nodes, dmsetup
// for mappings and dm-crypt, and the ext4 and f2fs tools.
func DefaultEnv() Env {
	dm := devmapper.New()
	return Env{
		Nodes:  devnode.New(),
		Mapper: dm,
		Crypt:  dm,
		Prober: fsdriver.NewProber(),
		Drivers: map[string]FilesystemDriver{
			fsdriver.TypeExt4: fsdriver.NewExt4(),
			fsdriver.TypeF2fs: fsdriver.NewF2fs(),
		},
		Relabeler:     fsdriver.NewRestorecon(),
		Host:          fsdriver.NewHost(),
		OpenDevice:    openForWrite,
		IsFlashDevice: blockdev.IsFlashDevice,
	}
}

// openForWrite opens path write-only. The os package always sets
// O_CLOEXEC.
func openForWrite(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	return f.Close()
}
