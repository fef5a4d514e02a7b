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

	"github.com/containerd/log"
)

const restoreconPath = "restorecon"

// Restorecon relabels trees with restorecon. Hosts without SELinux tooling
// skip relabeling.
type Restorecon struct {
	run       runner
	available func(string) bool
}

// NewRestorecon returns a relabeler using the host restorecon.
func NewRestorecon() *Restorecon {
	return &Restorecon{run: execTool, available: toolAvailable}
}

// RestoreRecursive resets the security labels of everything under path.
func (r *Restorecon) RestoreRecursive(ctx context.Context, path string) error {
	if !r.available(restoreconPath) {
		log.G(ctx).WithField("path", path).Debug("restorecon not installed, skipping relabel")
		return nil
	}
	if out, err := r.run(ctx, restoreconPath, "-R", "-F", path); err != nil {
		return fmt.Errorf("restorecon failed on %s: %w: %s", path, err, truncate(out))
	}
	return nil
}
