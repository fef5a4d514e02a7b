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

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/spin-stack/privatevol/internal/blockdev"
	"github.com/spin-stack/privatevol/internal/cleanup"
	"github.com/spin-stack/privatevol/internal/config"
	"github.com/spin-stack/privatevol/internal/fsdriver"
	"github.com/spin-stack/privatevol/internal/loop"
	"github.com/spin-stack/privatevol/internal/preflight"
	"github.com/spin-stack/privatevol/internal/store"
	"github.com/spin-stack/privatevol/internal/volume"
)

var deviceFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "device",
		Usage: "Raw device as major:minor",
	},
	&cli.StringFlag{
		Name:  "block",
		Usage: "Path of the raw block device",
	},
	&cli.StringFlag{
		Name:  "backing-file",
		Usage: "Image file to attach through a loop device",
	},
	&cli.StringFlag{
		Name:    "key-file",
		Usage:   "File holding the 32 or 64 byte volume key, raw or hex encoded",
		EnvVars: []string{"PRIVATEVOL_KEY_FILE"},
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Create and mount a volume, then tear it down on SIGINT or SIGTERM",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "format",
			Usage: "Format the volume before mounting (auto, ext4, f2fs)",
		},
	}, deviceFlags...),
	Action: runVolume,
}

var formatCommand = &cli.Command{
	Name:  "format",
	Usage: "Create a volume, format it and destroy it again",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "type",
			Usage: "Filesystem type (auto, ext4, f2fs)",
			Value: volume.FormatAuto,
		},
	}, deviceFlags...),
	Action: formatVolume,
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "Show the last known record of volumes",
	ArgsUsage: "[id...]",
	Action:    showStatus,
}

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "Verify that the host can run private volumes",
	Action: func(cliCtx *cli.Context) error {
		cfg := configFrom(cliCtx)
		if err := preflight.Check(cliCtx.Context, preflightOptions(cfg, "")); err != nil {
			return err
		}
		fmt.Fprintln(cliCtx.App.Writer, "ok")
		return nil
	},
}

func preflightOptions(cfg config.Config, fsType string) preflight.Options {
	opts := preflight.Options{MountRoot: cfg.MountRoot}
	switch fsType {
	case fsdriver.TypeExt4, fsdriver.TypeF2fs:
		opts.Filesystems = []string{fsType}
	}
	return opts
}

// session is one opened volume plus the undo steps taken so far.
type session struct {
	vol   *volume.Private
	stack cleanup.Stack
}

func openSession(ctx context.Context, cliCtx *cli.Context, cfg config.Config) (_ *session, retErr error) {
	s := &session{}
	defer func() {
		if retErr != nil {
			if err := s.stack.Unwind(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("failed to unwind after setup error")
			}
		}
	}()

	keyPath := cliCtx.String("key-file")
	if keyPath == "" {
		keyPath = cfg.KeyFile
	}
	key, err := readKey(keyPath)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	dev, err := resolveDevice(ctx, cliCtx, &s.stack)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.StateDB)
	if err != nil {
		return nil, err
	}
	s.stack.Push("state db", func(context.Context) error {
		return db.Close()
	})

	opts := []volume.Opt{
		volume.WithDevRoot(cfg.DevRoot),
		volume.WithMountRoot(cfg.MountRoot),
		volume.WithSdcardfs(cfg.Sdcardfs),
		volume.WithListener(store.Tee{db, store.LogListener{Ctx: ctx}}),
	}
	if len(cfg.Users) > 0 {
		opts = append(opts, volume.WithSessions(volume.StaticUsers(cfg.Users)))
	}
	s.vol = volume.NewPrivate(dev, key, volume.DefaultEnv(), opts...)
	return s, nil
}

// resolveDevice returns the raw device selected by exactly one of the
// device flags. A loop device attached here is detached on unwind.
func resolveDevice(ctx context.Context, cliCtx *cli.Context, stack *cleanup.Stack) (uint64, error) {
	var set []string
	for _, name := range []string{"device", "block", "backing-file"} {
		if cliCtx.String(name) != "" {
			set = append(set, name)
		}
	}
	if len(set) != 1 {
		return 0, fmt.Errorf("exactly one of --device, --block or --backing-file is required: %w", errdefs.ErrInvalidArgument)
	}

	switch set[0] {
	case "device":
		return blockdev.Parse(cliCtx.String("device"))
	case "block":
		return blockdev.DeviceOf(cliCtx.String("block"))
	}

	backing := cliCtx.String("backing-file")
	ld, err := loop.Lookup(backing)
	if err != nil {
		return 0, err
	}
	if ld == nil {
		ld, err = loop.Attach(backing, loop.Config{})
		if err != nil {
			return 0, fmt.Errorf("failed to attach %s: %w", backing, err)
		}
		stack.Push("loop device", func(context.Context) error {
			return ld.Detach()
		})
		log.G(ctx).WithFields(log.Fields{
			"backing": backing,
			"device":  ld.Path,
		}).Info("attached loop device")
	}
	return ld.Dev()
}

// readKey reads a volume key stored either as hex text or as raw bytes.
// Content that decodes as hex to a valid key length is taken as hex, so a
// 64 character hex file is a 32 byte key and never a raw 64 byte one.
func readKey(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("a key file is required: %w", errdefs.ErrInvalidArgument)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	text := bytes.TrimSpace(data)
	key := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(key, text); err == nil && validKeyLen(len(key)) {
		clear(data)
		return key, nil
	}
	clear(key)

	if validKeyLen(len(data)) {
		return data, nil
	}
	clear(data)
	return nil, fmt.Errorf("key in %s must be 32 or 64 bytes, raw or hex: %w", path, errdefs.ErrInvalidArgument)
}

func validKeyLen(n int) bool {
	return n == 32 || n == 64
}

func runVolume(cliCtx *cli.Context) error {
	ctx, cancel := context.WithCancel(cliCtx.Context)
	defer cancel()

	cfg := configFrom(cliCtx)
	fsType := cliCtx.String("format")
	if err := preflight.Check(ctx, preflightOptions(cfg, fsType)); err != nil {
		return fmt.Errorf("preflight check failed: %w", err)
	}

	s, err := openSession(ctx, cliCtx, cfg)
	if err != nil {
		return err
	}
	vol := s.vol
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("id", vol.ID()))

	err = vol.Create(ctx)
	s.stack.Push("volume", vol.Destroy)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create volume: %w", err), s.stack.Unwind(ctx))
	}

	if fsType != "" {
		if err := vol.Format(ctx, fsType); err != nil {
			return errors.Join(fmt.Errorf("failed to format volume: %w", err), s.stack.Unwind(ctx))
		}
	}

	if err := vol.Mount(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to mount volume: %w", err), s.stack.Unwind(ctx))
	}
	s.stack.Push("mount", vol.Unmount)

	log.G(ctx).WithFields(log.Fields{
		"path":    vol.Path(),
		"fs_type": vol.FsType(),
	}).Info("volume ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.G(ctx).WithField("signal", sig).Info("Received shutdown signal")
	case <-ctx.Done():
	}

	log.G(ctx).Info("Shutting down")
	return s.stack.Unwind(ctx)
}

func formatVolume(cliCtx *cli.Context) error {
	ctx := cliCtx.Context
	cfg := configFrom(cliCtx)
	fsType := cliCtx.String("type")
	if err := preflight.Check(ctx, preflightOptions(cfg, fsType)); err != nil {
		return fmt.Errorf("preflight check failed: %w", err)
	}

	s, err := openSession(ctx, cliCtx, cfg)
	if err != nil {
		return err
	}
	vol := s.vol
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("id", vol.ID()))

	err = vol.Create(ctx)
	s.stack.Push("volume", vol.Destroy)
	if err == nil {
		err = vol.Format(ctx, fsType)
	}
	return errors.Join(err, s.stack.Unwind(ctx))
}

func showStatus(cliCtx *cli.Context) error {
	cfg := configFrom(cliCtx)
	db, err := store.Open(cfg.StateDB)
	if err != nil {
		return err
	}
	defer db.Close()

	var recs []store.Record
	if cliCtx.NArg() == 0 {
		if recs, err = db.List(); err != nil {
			return err
		}
	}
	for _, id := range cliCtx.Args().Slice() {
		rec, err := db.Get(id)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	tw := tabwriter.NewWriter(cliCtx.App.Writer, 1, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tFS\tUUID\tPATH\tUPDATED")
	for _, r := range recs {
		state := r.State
		if r.Destroyed {
			state += " (destroyed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Type, state, orDash(r.FsType), orDash(r.FsUUID), orDash(r.Path),
			r.Updated.Format("2006-01-02T15:04:05Z07:00"))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
