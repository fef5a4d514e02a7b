//go:build !linux

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
	"os"

	"github.com/containerd/errdefs"
)

// FlagCasefold is FS_CASEFOLD_FL.
const FlagCasefold uint32 = 0x40000000

// Host performs the directory and mount-table operations around a
// filesystem.
type Host struct{}

// NewHost returns a Host.
func NewHost() *Host {
	return &Host{}
}

// PrepareDir is not supported on this platform.
func (h *Host) PrepareDir(path string, mode os.FileMode, uid, gid int, attrs uint32) error {
	return errdefs.ErrNotImplemented
}

// ForceUnmount is not supported on this platform.
func (h *Host) ForceUnmount(target string) error {
	return errdefs.ErrNotImplemented
}

// RemoveDir is not supported on this platform.
func (h *Host) RemoveDir(path string) error {
	return errdefs.ErrNotImplemented
}

// IsSourceMounted is not supported on this platform.
func (h *Host) IsSourceMounted(source string) (bool, error) {
	return false, errdefs.ErrNotImplemented
}

func forceUnmount(target string) error {
	return errdefs.ErrNotImplemented
}

func mountFS(typ, source, target string, options []string) error {
	return errdefs.ErrNotImplemented
}
