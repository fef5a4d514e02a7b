package volume

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// Hooks are the steps a volume kind plugs into the lifecycle run by Base.
type Hooks interface {
	DoCreate(ctx context.Context) error
	DoDestroy(ctx context.Context) error
	DoMount(ctx context.Context) error
	DoPostMount(ctx context.Context)
	DoUnmount(ctx context.Context) error
	DoFormat(ctx context.Context, fsType string) error
}

// Volume is the lifecycle surface an orchestrator drives.
type Volume interface {
	ID() string
	Type() Type
	State() State
	Path() string
	MountUserID() int
	SetMountUserID(userID int)
	SetListener(l Listener)

	Create(ctx context.Context) error
	Destroy(ctx context.Context) error
	Mount(ctx context.Context) error
	Unmount(ctx context.Context) error
	Format(ctx context.Context, fsType string) error
}

// Base runs the shared lifecycle state machine and keeps the bookkeeping
// common to every volume kind. Lifecycle calls on one Base must be
// serialized by the caller; accessors are safe from any goroutine.
type Base struct {
	id    string
	typ   Type
	hooks Hooks

	mu          sync.RWMutex
	state       State
	created     bool
	path        string
	mountUserID int
	listener    Listener
	children    []Volume
}

// NewBase returns a Base for the volume id of kind typ whose steps are
// implemented by hooks.
func NewBase(id string, typ Type, hooks Hooks) *Base {
	return &Base{
		id:    id,
		typ:   typ,
		hooks: hooks,
		state: StateUnmounted,
	}
}

// ID returns the volume identity.
func (b *Base) ID() string { return b.id }

// Type returns the volume kind.
func (b *Base) Type() Type { return b.typ }

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Path returns the last path published by the volume.
func (b *Base) Path() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.path
}

// Created reports whether Create ran without a matching Destroy.
func (b *Base) Created() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.created
}

// MountUserID returns the user the volume is mounted for.
func (b *Base) MountUserID() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mountUserID
}

// SetMountUserID sets the user the volume is mounted for.
func (b *Base) SetMountUserID(userID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mountUserID = userID
}

// Listener returns the registered listener, or nil.
func (b *Base) Listener() Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listener
}

// SetListener registers l for lifecycle notifications.
func (b *Base) SetListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = l
}

// Children returns the stacked child volumes in the order they were added.
func (b *Base) Children() []Volume {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.children)
}

// AddChild registers v as a child of b. The child inherits b's listener.
func (b *Base) AddChild(v Volume) {
	b.mu.Lock()
	l := b.listener
	b.children = append(b.children, v)
	b.mu.Unlock()

	if l != nil {
		v.SetListener(l)
	}
}

// SetPath publishes the path of the volume.
func (b *Base) SetPath(path string) {
	b.mu.Lock()
	b.path = path
	l := b.listener
	b.mu.Unlock()

	if l != nil {
		l.OnVolumePathChanged(b.id, path)
	}
}

func (b *Base) setState(ctx context.Context, state State) {
	b.mu.Lock()
	b.state = state
	l := b.listener
	b.mu.Unlock()

	log.G(ctx).WithFields(log.Fields{
		"id":    b.id,
		"state": state,
	}).Debug("volume state changed")
	if l != nil {
		l.OnVolumeStateChanged(b.id, state)
	}
}

// Create runs the create step. The volume counts as created even when the
// step fails, so that Destroy can remove whatever it left behind.
func (b *Base) Create(ctx context.Context) error {
	b.mu.Lock()
	if b.created {
		b.mu.Unlock()
		return fmt.Errorf("volume %s already created: %w", b.id, errdefs.ErrAlreadyExists)
	}
	b.created = true
	l, userID := b.listener, b.mountUserID
	b.mu.Unlock()

	err := b.hooks.DoCreate(ctx)
	if l != nil {
		l.OnVolumeCreated(b.id, b.typ, userID)
	}
	b.setState(ctx, StateUnmounted)
	return err
}

// Destroy unmounts the volume if needed and runs the destroy step.
func (b *Base) Destroy(ctx context.Context) error {
	if !b.Created() {
		return fmt.Errorf("volume %s not created: %w", b.id, errdefs.ErrFailedPrecondition)
	}

	if b.State() == StateMounted {
		if err := b.Unmount(ctx); err != nil {
			log.G(ctx).WithError(err).WithField("id", b.id).Warn("failed to unmount before destroy")
		}
		b.setState(ctx, StateBadRemoval)
	} else {
		b.setState(ctx, StateRemoved)
	}

	if l := b.Listener(); l != nil {
		l.OnVolumeDestroyed(b.id)
	}
	err := b.hooks.DoDestroy(ctx)

	b.mu.Lock()
	b.created = false
	b.mu.Unlock()
	return err
}

// Mount runs the mount step and, when it succeeds, the post-mount step.
func (b *Base) Mount(ctx context.Context) error {
	if s := b.State(); s != StateUnmounted && s != StateUnmountable {
		return fmt.Errorf("volume %s is %s, cannot mount: %w", b.id, s, errdefs.ErrFailedPrecondition)
	}

	b.setState(ctx, StateChecking)
	if err := b.hooks.DoMount(ctx); err != nil {
		b.setState(ctx, StateUnmountable)
		return err
	}
	b.setState(ctx, StateMounted)
	b.hooks.DoPostMount(ctx)
	return nil
}

// Unmount destroys every child volume, newest first, and then runs the
// unmount step.
func (b *Base) Unmount(ctx context.Context) error {
	if s := b.State(); s != StateMounted {
		return fmt.Errorf("volume %s is %s, cannot unmount: %w", b.id, s, errdefs.ErrFailedPrecondition)
	}
	b.setState(ctx, StateEjecting)

	b.mu.Lock()
	children := b.children
	b.children = nil
	b.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		child := children[i]
		if err := child.Destroy(ctx); err != nil {
			log.G(ctx).WithError(err).WithFields(log.Fields{
				"id":    b.id,
				"child": child.ID(),
			}).Warn("failed to destroy child volume")
		}
	}

	err := b.hooks.DoUnmount(ctx)
	b.setState(ctx, StateUnmounted)
	return err
}

// Format unmounts the volume if it is mounted and runs the format step.
func (b *Base) Format(ctx context.Context, fsType string) error {
	if b.State() == StateMounted {
		if err := b.Unmount(ctx); err != nil {
			return err
		}
	}
	if s := b.State(); s != StateUnmounted && s != StateUnmountable {
		return fmt.Errorf("volume %s is %s, cannot format: %w", b.id, s, errdefs.ErrFailedPrecondition)
	}

	b.setState(ctx, StateFormatting)
	err := b.hooks.DoFormat(ctx, fsType)
	b.setState(ctx, StateUnmounted)
	return err
}
