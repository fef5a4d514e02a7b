package volume

import (
	"context"
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHooks records which hooks ran and fails the ones told to.
type stubHooks struct {
	calls    []string
	mountErr error
	fmtErr   error
	postMnt  func()
}

func (s *stubHooks) DoCreate(context.Context) error {
	s.calls = append(s.calls, "create")
	return nil
}

func (s *stubHooks) DoDestroy(context.Context) error {
	s.calls = append(s.calls, "destroy")
	return nil
}

func (s *stubHooks) DoMount(context.Context) error {
	s.calls = append(s.calls, "mount")
	return s.mountErr
}

func (s *stubHooks) DoPostMount(context.Context) {
	s.calls = append(s.calls, "postmount")
	if s.postMnt != nil {
		s.postMnt()
	}
}

func (s *stubHooks) DoUnmount(context.Context) error {
	s.calls = append(s.calls, "unmount")
	return nil
}

func (s *stubHooks) DoFormat(context.Context, string) error {
	s.calls = append(s.calls, "format")
	return s.fmtErr
}

func newStubBase() (*Base, *stubHooks) {
	hooks := &stubHooks{}
	return NewBase("stub:1", TypePrivate, hooks), hooks
}

func TestBaseLifecycle(t *testing.T) {
	ctx := context.Background()
	b, hooks := newStubBase()
	l := &recordingListener{}
	b.SetListener(l)

	require.NoError(t, b.Create(ctx))
	require.NoError(t, b.Mount(ctx))
	require.NoError(t, b.Unmount(ctx))
	require.NoError(t, b.Destroy(ctx))

	assert.Equal(t, []string{"create", "mount", "postmount", "unmount", "destroy"}, hooks.calls)
	assert.Equal(t, []State{
		StateUnmounted,
		StateChecking,
		StateMounted,
		StateEjecting,
		StateUnmounted,
		StateRemoved,
	}, l.states)
	assert.Equal(t, []string{"stub:1"}, l.created)
	assert.Equal(t, []string{"stub:1"}, l.removed)
	assert.False(t, b.Created())
}

func TestBaseCreateTwice(t *testing.T) {
	ctx := context.Background()
	b, _ := newStubBase()
	require.NoError(t, b.Create(ctx))

	err := b.Create(ctx)
	assert.True(t, errdefs.IsAlreadyExists(err))
}

func TestBaseDestroyNotCreated(t *testing.T) {
	b, hooks := newStubBase()
	err := b.Destroy(context.Background())
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Empty(t, hooks.calls)
}

func TestBaseMountFailure(t *testing.T) {
	ctx := context.Background()
	b, hooks := newStubBase()
	hooks.mountErr = &OpError{VolumeID: "stub:1", Op: "mount", Step: ErrCodeMount, Cause: errors.New("bad superblock")}
	require.NoError(t, b.Create(ctx))

	err := b.Mount(ctx)
	require.Error(t, err)
	assert.Equal(t, StateUnmountable, b.State())
	assert.NotContains(t, hooks.calls, "postmount")

	// An unmountable volume may be mounted again.
	hooks.mountErr = nil
	require.NoError(t, b.Mount(ctx))
	assert.Equal(t, StateMounted, b.State())
}

func TestBaseStateGuards(t *testing.T) {
	ctx := context.Background()
	b, _ := newStubBase()
	require.NoError(t, b.Create(ctx))

	assert.True(t, errdefs.IsFailedPrecondition(b.Unmount(ctx)), "unmount while unmounted")

	require.NoError(t, b.Mount(ctx))
	assert.True(t, errdefs.IsFailedPrecondition(b.Mount(ctx)), "mount while mounted")
}

func TestBaseDestroyWhileMounted(t *testing.T) {
	ctx := context.Background()
	b, hooks := newStubBase()
	require.NoError(t, b.Create(ctx))
	require.NoError(t, b.Mount(ctx))

	require.NoError(t, b.Destroy(ctx))
	assert.Equal(t, StateBadRemoval, b.State())
	assert.Equal(t, []string{"create", "mount", "postmount", "unmount", "destroy"}, hooks.calls)
}

func TestBaseFormatWhileMounted(t *testing.T) {
	ctx := context.Background()
	b, hooks := newStubBase()
	require.NoError(t, b.Create(ctx))
	require.NoError(t, b.Mount(ctx))

	require.NoError(t, b.Format(ctx, "ext4"))
	assert.Equal(t, []string{"create", "mount", "postmount", "unmount", "format"}, hooks.calls)
	assert.Equal(t, StateUnmounted, b.State())
}

func TestBaseChildren(t *testing.T) {
	ctx := context.Background()
	parent, hooks := newStubBase()
	l := &recordingListener{}
	parent.SetListener(l)

	first := NewEmulated("/mnt/expand/x/media", sdDev, testUUID, 0)
	second := NewEmulated("/mnt/expand/x/media", sdDev, testUUID, 10)
	hooks.postMnt = func() {
		for _, c := range []Volume{first, second} {
			parent.AddChild(c)
			require.NoError(t, c.Create(ctx))
		}
	}

	require.NoError(t, parent.Create(ctx))
	require.NoError(t, parent.Mount(ctx))
	assert.Len(t, parent.Children(), 2)
	assert.Equal(t, []string{"stub:1", "emulated:8,3;0", "emulated:8,3;10"}, l.created)

	require.NoError(t, parent.Unmount(ctx))
	assert.Empty(t, parent.Children())
	assert.Equal(t, []string{"emulated:8,3;10", "emulated:8,3;0"}, l.removed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unmountable", StateUnmountable.String())
	assert.Equal(t, "bad_removal", StateBadRemoval.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestOpError(t *testing.T) {
	cause := errors.New("device or resource busy")
	err := &OpError{VolumeID: "private:8,3", Op: "destroy", Step: ErrCodeMapping, Cause: cause}

	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "private:8,3")
	assert.Contains(t, err.Error(), "MAPPING")
	assert.True(t, IsErrorCode(err, ErrCodeMapping))
	assert.False(t, IsErrorCode(err, ErrCodeMount))
	assert.False(t, IsErrorCode(cause, ErrCodeMapping))
}
