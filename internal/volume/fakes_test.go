package volume

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/mock"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/privatevol/internal/blockdev"
	"github.com/spin-stack/privatevol/internal/fsdriver"
	"github.com/spin-stack/privatevol/internal/retry/retrytest"
)

// events is an ordered log of collaborator calls shared by the fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeNodes struct {
	ev         *events
	nodes      map[string]uint64
	createErr  error
	destroyErr error
}

func (f *fakeNodes) Create(path string, dev uint64) error {
	f.ev.add("node.create %s", path)
	if f.createErr != nil {
		return f.createErr
	}
	f.nodes[path] = dev
	return nil
}

func (f *fakeNodes) Destroy(path string) error {
	f.ev.add("node.destroy %s", path)
	if f.destroyErr != nil {
		return f.destroyErr
	}
	delete(f.nodes, path)
	return nil
}

// fakeMapper fails calls with queued errors before acting.
type fakeMapper struct {
	ev            *events
	mappings      map[string]bool
	errs          []error
	deleteIfCalls int
	deleteCalls   int
}

func (f *fakeMapper) next() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeMapper) DeleteIfExists(_ context.Context, name string) error {
	f.deleteIfCalls++
	f.ev.add("mapper.deleteIfExists %s", name)
	if err := f.next(); err != nil {
		return err
	}
	delete(f.mappings, name)
	return nil
}

func (f *fakeMapper) Delete(_ context.Context, name string) error {
	f.deleteCalls++
	f.ev.add("mapper.delete %s", name)
	if err := f.next(); err != nil {
		return err
	}
	if !f.mappings[name] {
		return fmt.Errorf("mapping %s: %w", name, errdefs.ErrNotFound)
	}
	delete(f.mappings, name)
	return nil
}

type fakeCrypt struct {
	ev     *events
	mapper *fakeMapper
	err    error
	calls  int
	key    []byte
}

func (f *fakeCrypt) Setup(_ context.Context, name, rawPath string, key []byte) (string, error) {
	f.calls++
	f.ev.add("crypt.setup %s %s", name, rawPath)
	if f.err != nil {
		return "", f.err
	}
	f.key = append([]byte(nil), key...)
	f.mapper.mappings[name] = true
	return "/dev/dm-0", nil
}

type fakeProber struct {
	md  fsdriver.Metadata
	err error
}

func (f *fakeProber) ReadMetadata(context.Context, string) (fsdriver.Metadata, error) {
	return f.md, f.err
}

type mountCall struct {
	source, target string
	opts           fsdriver.MountOptions
}

type fakeDriver struct {
	ev        *events
	name      string
	checkCode int
	checkErr  error
	mountErr  error
	formatErr error
	supported bool

	checks  int
	mounts  []mountCall
	formats []fsdriver.FormatOptions
}

func (f *fakeDriver) Check(_ context.Context, source, target string) (int, error) {
	f.checks++
	f.ev.add("%s.check %s", f.name, source)
	return f.checkCode, f.checkErr
}

func (f *fakeDriver) Mount(_ context.Context, source, target string, opts fsdriver.MountOptions) error {
	f.ev.add("%s.mount %s %s", f.name, source, target)
	if f.mountErr != nil {
		return f.mountErr
	}
	f.mounts = append(f.mounts, mountCall{source: source, target: target, opts: opts})
	return nil
}

func (f *fakeDriver) Format(_ context.Context, source string, opts fsdriver.FormatOptions) error {
	f.ev.add("%s.format %s", f.name, source)
	if f.formatErr != nil {
		return f.formatErr
	}
	f.formats = append(f.formats, opts)
	return nil
}

func (f *fakeDriver) IsSupported() bool { return f.supported }

type fakeRelabeler struct {
	err   error
	paths []string
}

func (f *fakeRelabeler) RestoreRecursive(_ context.Context, path string) error {
	f.paths = append(f.paths, path)
	return f.err
}

type preparedDir struct {
	mode     os.FileMode
	uid, gid int
	attrs    uint32
}

// fakeHost records prepared and removed directories. With onDisk set it
// also creates the prepared directories.
type fakeHost struct {
	ev         *events
	onDisk     bool
	dirs       map[string]preparedDir
	order      []string
	prepareErr map[string]error
	unmounts   []string
	removed    []string
	removeErr  error
	mounted    bool
}

func (f *fakeHost) PrepareDir(path string, mode os.FileMode, uid, gid int, attrs uint32) error {
	if err := f.prepareErr[path]; err != nil {
		return err
	}
	if f.onDisk {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return err
		}
	}
	f.dirs[path] = preparedDir{mode: mode, uid: uid, gid: gid, attrs: attrs}
	f.order = append(f.order, path)
	return nil
}

func (f *fakeHost) ForceUnmount(target string) error {
	f.ev.add("host.unmount %s", target)
	f.unmounts = append(f.unmounts, target)
	return nil
}

func (f *fakeHost) RemoveDir(path string) error {
	f.ev.add("host.rmdir %s", path)
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeHost) IsSourceMounted(string) (bool, error) {
	return f.mounted, nil
}

// opener fails the first failures calls.
type opener struct {
	failures int
	calls    int
}

func (o *opener) open(path string) error {
	o.calls++
	if o.calls <= o.failures {
		return &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return nil
}

// recordingListener keeps every notification.
type recordingListener struct {
	mu       sync.Mutex
	created  []string
	states   []State
	metadata []fsdriver.Metadata
	paths    []string
	removed  []string
}

func (r *recordingListener) OnVolumeCreated(id string, _ Type, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, id)
}

func (r *recordingListener) OnVolumeStateChanged(_ string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingListener) OnVolumeMetadataChanged(_ string, fsType, fsUUID, fsLabel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = append(r.metadata, fsdriver.Metadata{Type: fsType, UUID: fsUUID, Label: fsLabel})
}

func (r *recordingListener) OnVolumePathChanged(_ string, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recordingListener) OnVolumeDestroyed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnVolumeCreated(id string, typ Type, mountUserID int) {
	m.Called(id, typ, mountUserID)
}

func (m *mockListener) OnVolumeStateChanged(id string, state State) {
	m.Called(id, state)
}

func (m *mockListener) OnVolumeMetadataChanged(id, fsType, fsUUID, fsLabel string) {
	m.Called(id, fsType, fsUUID, fsLabel)
}

func (m *mockListener) OnVolumePathChanged(id, path string) {
	m.Called(id, path)
}

func (m *mockListener) OnVolumeDestroyed(id string) {
	m.Called(id)
}

const testUUID = "0b5c6d3e-7a55-4c39-9f1a-2f1f0c3e9a10"

var (
	errBusy   = fmt.Errorf("dmsetup remove: %w", unix.EBUSY)
	errDenied = errors.New("permission denied")
)

// harness wires a Private volume to fakes.
type harness struct {
	t         *testing.T
	ev        *events
	nodes     *fakeNodes
	mapper    *fakeMapper
	crypt     *fakeCrypt
	prober    *fakeProber
	ext4      *fakeDriver
	f2fs      *fakeDriver
	relabeler *fakeRelabeler
	host      *fakeHost
	opener    *opener
	timer     *retrytest.InstantTimer
	devRoot   string
	mountRoot string
}

func newHarness(t *testing.T) *harness {
	ev := &events{}
	mapper := &fakeMapper{ev: ev, mappings: map[string]bool{}}
	return &harness{
		t:         t,
		ev:        ev,
		nodes:     &fakeNodes{ev: ev, nodes: map[string]uint64{}},
		mapper:    mapper,
		crypt:     &fakeCrypt{ev: ev, mapper: mapper},
		prober:    &fakeProber{md: fsdriver.Metadata{Type: fsdriver.TypeExt4, UUID: testUUID, Label: "data"}},
		ext4:      &fakeDriver{ev: ev, name: "ext4", supported: true},
		f2fs:      &fakeDriver{ev: ev, name: "f2fs", supported: true},
		relabeler: &fakeRelabeler{},
		host:      &fakeHost{ev: ev, dirs: map[string]preparedDir{}, prepareErr: map[string]error{}},
		opener:    &opener{},
		timer:     &retrytest.InstantTimer{},
		devRoot:   "/dev/block/vold",
		mountRoot: filepath.Join(t.TempDir(), "expand"),
	}
}

func (h *harness) env() Env {
	return Env{
		Nodes:  h.nodes,
		Mapper: h.mapper,
		Crypt:  h.crypt,
		Prober: h.prober,
		Drivers: map[string]FilesystemDriver{
			fsdriver.TypeExt4: h.ext4,
			fsdriver.TypeF2fs: h.f2fs,
		},
		Relabeler:     h.relabeler,
		Host:          h.host,
		OpenDevice:    h.opener.open,
		IsFlashDevice: blockdev.IsFlashClass,
	}
}

func (h *harness) volume(dev uint64, opts ...Opt) *Private {
	opts = append([]Opt{
		WithDevRoot(h.devRoot),
		WithMountRoot(h.mountRoot),
		WithRetryTimer(h.timer),
	}, opts...)
	return NewPrivate(dev, testKey, h.env(), opts...)
}

var testKey = []byte("0123456789abcdef0123456789abcdef")

// sdDev is a SCSI disk partition, outside the flash class.
var sdDev = blockdev.Mkdev(8, 3)
