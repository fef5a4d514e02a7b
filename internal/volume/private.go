package volume

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/privatevol/internal/blockdev"
	"github.com/spin-stack/privatevol/internal/fsdriver"
	"github.com/spin-stack/privatevol/internal/retry"
)

const (
	// DefaultDevRoot holds the raw device nodes of private volumes.
	DefaultDevRoot = "/dev/block/vold"
	// DefaultMountRoot holds the mountpoints of private volumes.
	DefaultMountRoot = "/mnt/expand"

	// FormatAuto picks the filesystem from the raw device class.
	FormatAuto = "auto"

	// ext4DataTarget is recorded as the last mount point of new ext4
	// filesystems.
	ext4DataTarget = "/data"
)

// DefaultBusyPolicy retries mapping removal while the kernel still holds
// the mapping.
var DefaultBusyPolicy = retry.Policy{
	Attempts:  10,
	Delay:     100 * time.Millisecond,
	Retryable: retry.On(unix.EBUSY),
}

// DefaultOpenPolicy waits for a freshly mapped device to show up: one
// attempt plus ten retries, a second apart.
var DefaultOpenPolicy = retry.Policy{
	Attempts: 11,
	Delay:    time.Second,
}

// DerivedFactory builds the per-user volume stacked on a mounted private
// volume. mediaPath is the media directory of the private volume.
type DerivedFactory func(mediaPath string, rawDevice uint64, fsUUID string, userID int) Volume

// PrivateConfig configures a private volume.
type PrivateConfig struct {
	devRoot    string
	mountRoot  string
	listener   Listener
	sessions   UserSessions
	sdcardfs   bool
	derived    DerivedFactory
	busy       retry.Policy
	open       retry.Policy
	retryTimer backoff.Timer
}

// Opt is an option to configure a private volume.
type Opt func(config *PrivateConfig)

// WithDevRoot sets the directory holding raw device nodes.
func WithDevRoot(dir string) Opt {
	return func(config *PrivateConfig) {
		config.devRoot = dir
	}
}

// WithMountRoot sets the directory holding mountpoints.
func WithMountRoot(dir string) Opt {
	return func(config *PrivateConfig) {
		config.mountRoot = dir
	}
}

// WithListener registers a lifecycle listener.
func WithListener(l Listener) Opt {
	return func(config *PrivateConfig) {
		config.listener = l
	}
}

// WithSessions sets the source of started users for post-mount stacking.
func WithSessions(s UserSessions) Opt {
	return func(config *PrivateConfig) {
		config.sessions = s
	}
}

// WithSdcardfs marks the host as using sdcardfs, which disables casefolding
// of the media directory.
func WithSdcardfs(enabled bool) Opt {
	return func(config *PrivateConfig) {
		config.sdcardfs = enabled
	}
}

// WithDerivedFactory replaces the builder of per-user child volumes.
func WithDerivedFactory(f DerivedFactory) Opt {
	return func(config *PrivateConfig) {
		config.derived = f
	}
}

// WithBusyPolicy replaces the retry policy for mapping removal.
func WithBusyPolicy(p retry.Policy) Opt {
	return func(config *PrivateConfig) {
		config.busy = p
	}
}

// WithOpenPolicy replaces the retry policy for the mapped device poll.
func WithOpenPolicy(p retry.Policy) Opt {
	return func(config *PrivateConfig) {
		config.open = p
	}
}

// WithRetryTimer replaces the timer both retry loops wait on.
func WithRetryTimer(t backoff.Timer) Opt {
	return func(config *PrivateConfig) {
		config.retryTimer = t
	}
}

// secret holds key material and keeps it out of formatted output.
type secret []byte

func (secret) String() string   { return "<redacted>" }
func (secret) GoString() string { return "<redacted>" }

// Private is a private volume: a raw block device mapped through dm-crypt
// and carrying an ext4 or f2fs filesystem.
type Private struct {
	*Base

	env       Env
	rawDevice uint64
	keyRaw    secret

	devRoot   string
	mountRoot string
	sessions  UserSessions
	sdcardfs  bool
	derived   DerivedFactory
	busy      retry.Policy
	open      retry.Policy

	fieldsMu   sync.RWMutex
	rawDevPath string
	dmDevPath  string
	fsType     string
	fsUUID     string
	fsLabel    string
	mountPath  string
}

// PrivateID returns the identity of the private volume on rawDevice.
func PrivateID(rawDevice uint64) string {
	major, minor := blockdev.Split(rawDevice)
	return fmt.Sprintf("private:%d,%d", major, minor)
}

// NewPrivate returns a private volume for rawDevice unlocked with keyRaw.
// The key is copied.
func NewPrivate(rawDevice uint64, keyRaw []byte, env Env, opts ...Opt) *Private {
	config := PrivateConfig{
		devRoot:   DefaultDevRoot,
		mountRoot: DefaultMountRoot,
		derived:   NewEmulated,
		busy:      DefaultBusyPolicy,
		open:      DefaultOpenPolicy,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.retryTimer != nil {
		config.busy.Timer = config.retryTimer
		config.open.Timer = config.retryTimer
	}

	p := &Private{
		env:       env,
		rawDevice: rawDevice,
		keyRaw:    secret(slices.Clone(keyRaw)),
		devRoot:   config.devRoot,
		mountRoot: config.mountRoot,
		sessions:  config.sessions,
		sdcardfs:  config.sdcardfs,
		derived:   config.derived,
		busy:      config.busy,
		open:      config.open,
	}
	p.Base = NewBase(PrivateID(rawDevice), TypePrivate, p)
	if config.listener != nil {
		p.SetListener(config.listener)
	}
	return p
}

// RawDevice returns the raw device number.
func (p *Private) RawDevice() uint64 { return p.rawDevice }

// nodePath is where the raw device node lives while the volume exists.
func (p *Private) nodePath() string {
	return filepath.Join(p.devRoot, p.ID())
}

// RawDevicePath returns the raw device node path, empty unless the node
// exists.
func (p *Private) RawDevicePath() string {
	p.fieldsMu.RLock()
	defer p.fieldsMu.RUnlock()
	return p.rawDevPath
}

// MappedDevicePath returns the dm-crypt device path, empty unless the
// mapping exists.
func (p *Private) MappedDevicePath() string {
	p.fieldsMu.RLock()
	defer p.fieldsMu.RUnlock()
	return p.dmDevPath
}

// FsType returns the filesystem type from the last metadata read.
func (p *Private) FsType() string {
	p.fieldsMu.RLock()
	defer p.fieldsMu.RUnlock()
	return p.fsType
}

// FsUUID returns the filesystem UUID from the last metadata read.
func (p *Private) FsUUID() string {
	p.fieldsMu.RLock()
	defer p.fieldsMu.RUnlock()
	return p.fsUUID
}

// FsLabel returns the filesystem label from the last metadata read.
func (p *Private) FsLabel() string {
	p.fieldsMu.RLock()
	defer p.fieldsMu.RUnlock()
	return p.fsLabel
}

// MountPath returns where the volume is mounted, empty unless mounted.
func (p *Private) MountPath() string {
	p.fieldsMu.RLock()
	defer p.fieldsMu.RUnlock()
	return p.mountPath
}

func (p *Private) set(f func()) {
	p.fieldsMu.Lock()
	defer p.fieldsMu.Unlock()
	f()
}

func (p *Private) opError(op string, step ErrorCode, cause error) error {
	return &OpError{VolumeID: p.ID(), Op: op, Step: step, Cause: cause}
}

// withNotify returns policy logging every failed attempt that will be
// retried.
func withNotify(ctx context.Context, policy retry.Policy, msg string) retry.Policy {
	policy.Notify = func(err error, attempt int) {
		log.G(ctx).WithError(err).WithField("attempt", attempt).Warn(msg)
	}
	return policy
}

// DoCreate binds the raw device node, clears any stale mapping and maps the
// raw device through dm-crypt. A failed encryption setup leaves the raw
// node in place for DoDestroy.
func (p *Private) DoCreate(ctx context.Context) error {
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("id", p.ID()))

	node := p.nodePath()
	if err := p.env.Nodes.Create(node, p.rawDevice); err != nil {
		return p.opError("create", ErrCodeDeviceNode, err)
	}
	p.set(func() { p.rawDevPath = node })

	// A previous instance may have died with the mapping still in place.
	busy := withNotify(ctx, p.busy, "cannot remove dm device, retrying")
	if err := busy.Do(func() error {
		return p.env.Mapper.DeleteIfExists(ctx, p.ID())
	}); err != nil {
		return p.opError("create", ErrCodeMapping, err)
	}

	dmPath, err := p.env.Crypt.Setup(ctx, p.ID(), node, p.keyRaw)
	if err != nil {
		return p.opError("create", ErrCodeEncryption, err)
	}
	p.set(func() { p.dmDevPath = dmPath })

	open := withNotify(ctx, p.open, "mapped device not ready, retrying")
	if err := open.Do(func() error {
		return p.env.OpenDevice(dmPath)
	}); err != nil {
		return p.opError("create", ErrCodeDeviceOpen, fmt.Errorf("failed to open %s: %w", dmPath, err))
	}

	log.G(ctx).WithField("path", dmPath).Debug("private volume created")
	return nil
}

// DoDestroy removes the mapping and then the raw device node. A mapping that
// is already gone counts as removed. When the mapping cannot be removed the
// node is kept and the mapping error is returned.
func (p *Private) DoDestroy(ctx context.Context) error {
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("id", p.ID()))

	// A mount that failed half way is still holding the mapping.
	if p.MountPath() != "" {
		_ = p.DoUnmount(ctx)
	}

	busy := withNotify(ctx, p.busy, "cannot remove dm device, retrying")
	if err := busy.Do(func() error {
		if err := p.env.Mapper.Delete(ctx, p.ID()); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		return nil
	}); err != nil {
		return p.opError("destroy", ErrCodeMapping, err)
	}
	p.set(func() { p.dmDevPath = "" })

	if err := p.env.Nodes.Destroy(p.nodePath()); err != nil {
		return p.opError("destroy", ErrCodeDeviceNode, err)
	}
	p.set(func() { p.rawDevPath = "" })
	return nil
}

// readMetadata probes the mapped device and records its filesystem
// metadata. The listener hears about the result even when the probe fails.
func (p *Private) readMetadata(ctx context.Context) error {
	md, err := p.env.Prober.ReadMetadata(ctx, p.MappedDevicePath())
	p.set(func() {
		p.fsType, p.fsUUID, p.fsLabel = md.Type, md.UUID, md.Label
	})
	if l := p.Listener(); l != nil {
		l.OnVolumeMetadataChanged(p.ID(), md.Type, md.UUID, md.Label)
	}
	if err != nil {
		return p.opError("mount", ErrCodeMetadata, err)
	}
	return nil
}

// DoMount checks and mounts the filesystem on the mapped device under the
// mount root and prepares the volume layout.
func (p *Private) DoMount(ctx context.Context) (retErr error) {
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("id", p.ID()))

	dmPath := p.MappedDevicePath()
	if dmPath == "" {
		return p.opError("mount", ErrCodeMetadata, fmt.Errorf("no mapped device: %w", errdefs.ErrFailedPrecondition))
	}
	if err := p.readMetadata(ctx); err != nil {
		return err
	}

	fsType, fsUUID := p.FsType(), p.FsUUID()
	if !isSafeName(fsUUID) {
		return p.opError("mount", ErrCodeMetadata, fmt.Errorf("filesystem uuid %q is not a valid directory name: %w", fsUUID, errdefs.ErrInvalidArgument))
	}

	target := filepath.Join(p.mountRoot, fsUUID)
	p.SetPath(target)
	if err := p.env.Host.PrepareDir(target, 0o700, AIDRoot, AIDRoot, 0); err != nil {
		return p.opError("mount", ErrCodeLayout, fmt.Errorf("failed to create mount point: %w", err))
	}
	defer func() {
		// Nothing was mounted on target; do not leave the directory behind.
		if retErr != nil && p.MountPath() == "" {
			p.removeMountpoint(ctx, target)
		}
	}()

	var (
		accepted []int
		opts     fsdriver.MountOptions
	)
	switch fsType {
	case fsdriver.TypeExt4:
		accepted = []int{fsdriver.CheckClean, fsdriver.CheckRepaired}
		opts = fsdriver.MountOptions{Executable: true, DirSync: true}
	case fsdriver.TypeF2fs:
		accepted = []int{fsdriver.CheckClean}
	}
	drv, ok := p.env.Drivers[fsType]
	if accepted == nil || !ok {
		return p.opError("mount", ErrCodeMount, fmt.Errorf("unsupported filesystem %q", fsType))
	}

	code, err := drv.Check(ctx, dmPath, target)
	if err != nil {
		return p.opError("mount", ErrCodeCheck, err)
	}
	if !slices.Contains(accepted, code) {
		return p.opError("mount", ErrCodeCheck, fmt.Errorf("%s check returned %d", fsType, code))
	}
	log.G(ctx).Debug("passed filesystem check")

	if err := drv.Mount(ctx, dmPath, target, opts); err != nil {
		return p.opError("mount", ErrCodeMount, err)
	}
	p.set(func() { p.mountPath = target })

	if err := p.env.Relabeler.RestoreRecursive(ctx, target); err != nil {
		log.G(ctx).WithError(err).WithField("path", target).Warn("failed to restore labels")
	}

	if err := prepareLayout(p.env.Host, target, p.sdcardfs); err != nil {
		return p.opError("mount", ErrCodeLayout, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"path": target,
		"type": fsType,
	}).Info("private volume mounted")
	return nil
}

// DoPostMount stacks one derived volume per started user on the media
// directory. Child creation failures are logged.
func (p *Private) DoPostMount(ctx context.Context) {
	if p.sessions == nil || p.derived == nil {
		return
	}
	mediaPath := filepath.Join(p.MountPath(), "media")
	fsUUID := p.FsUUID()

	for _, user := range p.sessions.StartedUsers() {
		child := p.derived(mediaPath, p.rawDevice, fsUUID, user)
		child.SetMountUserID(user)
		p.AddChild(child)
		if err := child.Create(ctx); err != nil {
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"id":    p.ID(),
				"child": child.ID(),
			}).Warn("failed to create derived volume")
		}
	}
}

// DoUnmount lazily detaches the mount and removes the mountpoint. It always
// succeeds; a mountpoint that cannot be removed is only logged.
func (p *Private) DoUnmount(ctx context.Context) error {
	target := p.MountPath()
	if target == "" {
		return nil
	}

	if err := p.env.Host.ForceUnmount(target); err != nil {
		log.G(ctx).WithError(err).WithField("path", target).Warn("force unmount failed")
	}
	p.removeMountpoint(ctx, target)
	p.set(func() { p.mountPath = "" })
	return nil
}

func (p *Private) removeMountpoint(ctx context.Context, target string) {
	if err := p.env.Host.RemoveDir(target); err != nil {
		log.G(ctx).WithError(err).WithField("path", target).Error("failed to remove mount point")
	}
}

// DoFormat makes a new filesystem of fsType on the mapped device. "auto"
// picks f2fs for flash-class raw devices when f2fs is supported and ext4
// otherwise.
func (p *Private) DoFormat(ctx context.Context, fsType string) error {
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("id", p.ID()))

	resolved := fsType
	if fsType == FormatAuto {
		resolved = p.resolveAuto()
		log.G(ctx).WithField("type", resolved).Debug("resolved auto filesystem type")
	}

	var opts fsdriver.FormatOptions
	switch resolved {
	case fsdriver.TypeExt4:
		opts.Target = ext4DataTarget
	case fsdriver.TypeF2fs:
	default:
		return fmt.Errorf("unsupported filesystem %q: %w", fsType, errdefs.ErrInvalidArgument)
	}
	drv, ok := p.env.Drivers[resolved]
	if !ok {
		return fmt.Errorf("no driver for filesystem %q: %w", resolved, errdefs.ErrInvalidArgument)
	}

	dmPath := p.MappedDevicePath()
	if dmPath == "" {
		return fmt.Errorf("volume %s has no mapped device: %w", p.ID(), errdefs.ErrFailedPrecondition)
	}
	if p.MountPath() != "" {
		return fmt.Errorf("volume %s is mounted: %w", p.ID(), errdefs.ErrFailedPrecondition)
	}
	mounted, err := p.env.Host.IsSourceMounted(dmPath)
	if err != nil {
		return p.opError("format", ErrCodeFormat, err)
	}
	if mounted {
		return fmt.Errorf("%s is mounted elsewhere: %w", dmPath, errdefs.ErrFailedPrecondition)
	}

	if err := drv.Format(ctx, dmPath, opts); err != nil {
		return p.opError("format", ErrCodeFormat, err)
	}
	log.G(ctx).WithField("type", resolved).Info("private volume formatted")
	return nil
}

func (p *Private) resolveAuto() string {
	major, _ := blockdev.Split(p.rawDevice)
	if p.env.IsFlashDevice != nil && p.env.IsFlashDevice(major) {
		if drv, ok := p.env.Drivers[fsdriver.TypeF2fs]; ok && drv.IsSupported() {
			return fsdriver.TypeF2fs
		}
	}
	return fsdriver.TypeExt4
}
