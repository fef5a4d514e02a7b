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

// Package devmapper manages named device-mapper devices through dmsetup.
//
// Two roles are served by the same Client:
//   - the block mapping layer: lookup and removal of a named mapping
//   - encryption setup: creating a dm-crypt mapping over a raw device
//
// Failures are classified so callers can branch on the reason:
//   - "Device or resource busy" wraps unix.EBUSY and is worth retrying
//   - a missing mapping wraps errdefs.ErrNotFound
//
// Key material is streamed to dmsetup over stdin and never appears on a
// command line or in an error message.
package devmapper

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/privatevol/internal/blockdev"
	"github.com/spin-stack/privatevol/internal/stringutil"
)

const (
	// DefaultCipher is the dm-crypt cipher spec used for new mappings.
	DefaultCipher = "aes-xts-plain64"

	sectorSize = 512

	maxOutput = 256
)

// runner executes dmsetup with the given stdin and arguments and returns its
// combined output.
type runner func(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error)

// Client drives dmsetup. Use New to construct one.
type Client struct {
	run    runner
	devDir string
	cipher string
	size   func(path string) (uint64, error)
}

// Opt configures a Client.
type Opt func(*Client)

// WithDevDir sets the directory holding dm block nodes (default /dev).
func WithDevDir(dir string) Opt {
	return func(c *Client) {
		c.devDir = dir
	}
}

// WithCipher overrides the dm-crypt cipher spec.
func WithCipher(cipher string) Opt {
	return func(c *Client) {
		c.cipher = cipher
	}
}

// New returns a Client that runs the dmsetup binary found in PATH.
func New(opts ...Opt) *Client {
	c := &Client{
		run:    execDmsetup,
		devDir: "/dev",
		cipher: DefaultCipher,
		size:   blockdev.Size,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func execDmsetup(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "dmsetup", args...)
	cmd.Stdin = stdin
	return cmd.CombinedOutput()
}

// Exists reports whether a mapping called name is present.
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	out, err := c.run(ctx, nil, "info", "-c", "--noheadings", "-o", "name", name)
	if err == nil {
		return true, nil
	}
	err = classify("info", name, out, err)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// Delete removes the mapping called name.
func (c *Client) Delete(ctx context.Context, name string) error {
	out, err := c.run(ctx, nil, "remove", name)
	if err != nil {
		return classify("remove", name, out, err)
	}
	log.G(ctx).WithField("name", name).Debug("removed dm device")
	return nil
}

// DeleteIfExists removes the mapping called name when it is present.
func (c *Client) DeleteIfExists(ctx context.Context, name string) error {
	exists, err := c.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := c.Delete(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

// Setup creates a dm-crypt mapping called name over rawPath using key and
// returns the path of the resulting block device.
func (c *Client) Setup(ctx context.Context, name, rawPath string, key []byte) (string, error) {
	if l := len(key); l != 32 && l != 64 {
		return "", fmt.Errorf("dm-crypt key must be 32 or 64 bytes, got %d: %w", l, errdefs.ErrInvalidArgument)
	}

	size, err := c.size(rawPath)
	if err != nil {
		return "", fmt.Errorf("failed to size %s: %w", rawPath, err)
	}
	sectors := size / sectorSize
	if sectors == 0 {
		return "", fmt.Errorf("raw device %s is empty: %w", rawPath, errdefs.ErrInvalidArgument)
	}

	table := c.cryptTable(sectors, rawPath, key)
	defer clear(table)

	out, err := c.run(ctx, bytes.NewReader(table), "create", name)
	if err != nil {
		return "", classify("create", name, out, err)
	}

	path, err := c.devicePath(ctx, name)
	if err != nil {
		return "", err
	}
	log.G(ctx).WithFields(log.Fields{
		"name":    name,
		"raw":     rawPath,
		"mapped":  path,
		"sectors": sectors,
	}).Debug("created dm-crypt device")
	return path, nil
}

// cryptTable renders a single-target dm-crypt table.
func (c *Client) cryptTable(sectors uint64, rawPath string, key []byte) []byte {
	var b bytes.Buffer
	b.WriteString("0 ")
	b.WriteString(strconv.FormatUint(sectors, 10))
	b.WriteString(" crypt ")
	b.WriteString(c.cipher)
	b.WriteByte(' ')
	hexKey := make([]byte, hex.EncodedLen(len(key)))
	hex.Encode(hexKey, key)
	b.Write(hexKey)
	clear(hexKey)
	b.WriteString(" 0 ")
	b.WriteString(rawPath)
	b.WriteString(" 0 1 allow_discards\n")
	return b.Bytes()
}

// devicePath resolves the kernel block node of the mapping called name.
func (c *Client) devicePath(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, nil, "info", "-c", "--noheadings", "-o", "blkdevname", name)
	if err != nil {
		return "", classify("info", name, out, err)
	}
	dev := strings.TrimSpace(string(out))
	if dev == "" {
		return "", fmt.Errorf("dmsetup returned no block device for %s", name)
	}
	return filepath.Join(c.devDir, dev), nil
}

// classify turns dmsetup output into an error that carries the failure
// reason.
func classify(op, name string, out []byte, err error) error {
	msg := stringutil.TruncateOutput(bytes.TrimSpace(out), maxOutput)
	switch {
	case bytes.Contains(out, []byte("Device or resource busy")):
		return fmt.Errorf("dmsetup %s %s: %s: %w", op, name, msg, unix.EBUSY)
	case bytes.Contains(out, []byte("No such device or address")),
		bytes.Contains(out, []byte("Device does not exist")),
		bytes.Contains(out, []byte("not found")):
		return fmt.Errorf("dmsetup %s %s: %s: %w", op, name, msg, errdefs.ErrNotFound)
	case bytes.Contains(out, []byte("File exists")):
		return fmt.Errorf("dmsetup %s %s: %s: %w", op, name, msg, errdefs.ErrAlreadyExists)
	}
	return fmt.Errorf("dmsetup %s %s failed: %s: %w", op, name, msg, err)
}
