//go:build !linux

package devnode

import "github.com/containerd/errdefs"

// Create makes a block special file at path for dev.
func (b *Binder) Create(path string, dev uint64) error {
	return errdefs.ErrNotImplemented
}

// Destroy removes the node at path.
func (b *Binder) Destroy(path string) error {
	return errdefs.ErrNotImplemented
}
