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
	"regexp"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

const blkidPath = "blkid"

// blkid exits 2 when no identifiable filesystem was found.
const blkidNotFound = 2

var blkidTag = regexp.MustCompile(`\b(TYPE|UUID|LABEL)="((?:[^"\\]|\\.)*)"`)

// Prober reads filesystem metadata with blkid. Device contents are
// untrusted; nothing is mounted to read them.
type Prober struct {
	run runner
}

// NewProber returns a Prober using the host blkid.
func NewProber() *Prober {
	return &Prober{run: execTool}
}

// ReadMetadata returns the type, UUID and label of the filesystem on source.
// A device without a recognizable filesystem yields errdefs.ErrNotFound.
func (p *Prober) ReadMetadata(ctx context.Context, source string) (Metadata, error) {
	out, err := p.run(ctx, blkidPath, "-c", "/dev/null", "-s", "TYPE", "-s", "UUID", "-s", "LABEL", source)
	if err != nil {
		if code, ok := exitCode(err); ok && code == blkidNotFound {
			return Metadata{}, fmt.Errorf("no filesystem found on %s: %w", source, errdefs.ErrNotFound)
		}
		return Metadata{}, fmt.Errorf("blkid failed on %s: %w: %s", source, err, truncate(out))
	}
	return parseBlkid(out), nil
}

func parseBlkid(out []byte) Metadata {
	var md Metadata
	for _, m := range blkidTag.FindAllSubmatch(out, -1) {
		val := string(m[2])
		switch string(m[1]) {
		case "TYPE":
			md.Type = val
		case "UUID":
			if u, err := uuid.Parse(val); err == nil {
				val = u.String()
			}
			md.UUID = val
		case "LABEL":
			md.Label = val
		}
	}
	return md
}
