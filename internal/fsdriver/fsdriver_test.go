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
	"errors"
	"slices"
	"strings"
	"testing"
)

type toolCall struct {
	name string
	args []string
}

type fakeTools struct {
	calls []toolCall
	out   []byte
	err   error
}

func (f *fakeTools) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, toolCall{name: name, args: args})
	return f.out, f.err
}

func TestExt4MountOptions(t *testing.T) {
	tests := []struct {
		name string
		opts MountOptions
		want []string
	}{
		{"defaults", MountOptions{}, []string{"noatime", "nodev", "nosuid", "noexec"}},
		{"private volume", MountOptions{Executable: true, DirSync: true}, []string{"noatime", "nodev", "nosuid", "dirsync"}},
		{"read only", MountOptions{ReadOnly: true}, []string{"noatime", "nodev", "nosuid", "noexec", "ro"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ext4MountOptions(tc.opts); !slices.Equal(got, tc.want) {
				t.Errorf("ext4MountOptions(%+v) = %v, want %v", tc.opts, got, tc.want)
			}
		})
	}
}

func TestF2fsMountOptions(t *testing.T) {
	want := []string{"noatime", "nodev", "nosuid", "dirsync"}
	if got := f2fsMountOptions(MountOptions{}); !slices.Equal(got, want) {
		t.Errorf("f2fsMountOptions() = %v, want %v", got, want)
	}
}

func TestExt4FormatArgs(t *testing.T) {
	const id = "0b5c6d3e-7a55-4c39-9f1a-2f1f0c3e9a10"
	args, err := ext4FormatArgs("/dev/dm-4", FormatOptions{Target: "/data", UUID: id})
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{"-t ext4", "-b 4096", "-U " + id, "-M /data"} {
		if !strings.Contains(joined, want) {
			t.Errorf("mke2fs args %q missing %q", joined, want)
		}
	}
	if args[len(args)-1] != "/dev/dm-4" {
		t.Errorf("device must be the last argument without a size, got %v", args)
	}

	args, err = ext4FormatArgs("/dev/dm-4", FormatOptions{Sectors: 16})
	if err != nil {
		t.Fatal(err)
	}
	if got := args[len(args)-2:]; got[0] != "/dev/dm-4" || got[1] != "2" {
		t.Errorf("sized format args tail = %v, want [/dev/dm-4 2]", got)
	}

	if _, err := ext4FormatArgs("/dev/dm-4", FormatOptions{UUID: "not-a-uuid"}); err == nil {
		t.Error("expected invalid uuid to be rejected")
	}
}

func TestF2fsFormat(t *testing.T) {
	tools := &fakeTools{}
	d := &F2fs{run: tools.run}

	if err := d.Format(context.Background(), "/dev/dm-4", FormatOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(tools.calls) != 1 || tools.calls[0].name != mkfsF2fsPath {
		t.Fatalf("unexpected calls %+v", tools.calls)
	}
	args := tools.calls[0].args
	if args[len(args)-1] != "/dev/dm-4" {
		t.Errorf("device must be the last argument, got %v", args)
	}
	if slices.Contains(args, "-M") {
		t.Errorf("f2fs format takes no mount point hint, got %v", args)
	}
}

func TestFormatFailureCarriesOutput(t *testing.T) {
	tools := &fakeTools{out: []byte("mke2fs: Device size reported to be zero."), err: errors.New("exit status 1")}
	d := &Ext4{run: tools.run}

	err := d.Format(context.Background(), "/dev/dm-4", FormatOptions{})
	if err == nil || !strings.Contains(err.Error(), "Device size reported to be zero") {
		t.Fatalf("Format() error = %v, want tool output", err)
	}
}

func TestExt4CheckWithoutFsck(t *testing.T) {
	var mounted, unmounted bool
	tools := &fakeTools{}
	d := &Ext4{
		run:       tools.run,
		available: func(string) bool { return false },
		mount: func(typ, source, target string, options []string) error {
			mounted = typ == TypeExt4 && slices.Contains(options, "noexec")
			return nil
		},
		unmount: func(string) error {
			unmounted = true
			return nil
		},
	}

	code, err := d.Check(context.Background(), "/dev/dm-4", "/mnt/expand/x")
	if err != nil || code != CheckClean {
		t.Fatalf("Check() = %d, %v; want clean", code, err)
	}
	if !mounted || !unmounted {
		t.Errorf("journal replay mount=%v unmount=%v, want both", mounted, unmounted)
	}
	if len(tools.calls) != 0 {
		t.Errorf("e2fsck must not run when missing, got %+v", tools.calls)
	}
}

func TestExt4CheckRunsFsck(t *testing.T) {
	tools := &fakeTools{}
	d := &Ext4{
		run:       tools.run,
		available: func(string) bool { return true },
		mount: func(string, string, string, []string) error {
			return errors.New("wrong fs type")
		},
		unmount: func(string) error {
			t.Error("unmount must not run after a failed replay mount")
			return nil
		},
	}

	code, err := d.Check(context.Background(), "/dev/dm-4", "/mnt/expand/x")
	if err != nil || code != CheckClean {
		t.Fatalf("Check() = %d, %v; want clean", code, err)
	}
	want := toolCall{name: e2fsckPath, args: []string{"-y", "/dev/dm-4"}}
	if len(tools.calls) != 1 || tools.calls[0].name != want.name || !slices.Equal(tools.calls[0].args, want.args) {
		t.Errorf("calls = %+v, want %+v", tools.calls, want)
	}
}

func TestCheckToolNotStarted(t *testing.T) {
	tools := &fakeTools{err: errors.New("exec: not started")}
	d := &F2fs{run: tools.run}

	if _, err := d.Check(context.Background(), "/dev/dm-4", ""); err == nil {
		t.Fatal("expected error when fsck.f2fs cannot run")
	}
}

func TestParseBlkid(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want Metadata
	}{
		{
			name: "ext4",
			out:  `/dev/dm-4: LABEL="data" UUID="0B5C6D3E-7A55-4C39-9F1A-2F1F0C3E9A10" TYPE="ext4"` + "\n",
			want: Metadata{Type: "ext4", UUID: "0b5c6d3e-7a55-4c39-9f1a-2f1f0c3e9a10", Label: "data"},
		},
		{
			name: "no label",
			out:  `/dev/dm-4: UUID="a1e9f0d2-5b8e-4e55-8a9f-5a0b3c2d1e0f" TYPE="f2fs"`,
			want: Metadata{Type: "f2fs", UUID: "a1e9f0d2-5b8e-4e55-8a9f-5a0b3c2d1e0f"},
		},
		{
			name: "non uuid id kept verbatim",
			out:  `/dev/sdb1: UUID="ABCD-1234" TYPE="vfat"`,
			want: Metadata{Type: "vfat", UUID: "ABCD-1234"},
		},
		{
			name: "escaped quote in label",
			out:  `/dev/dm-4: LABEL="my \"disk\"" TYPE="ext4"`,
			want: Metadata{Type: "ext4", Label: `my \"disk\"`},
		},
		{
			name: "empty",
			out:  "",
			want: Metadata{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseBlkid([]byte(tc.out)); got != tc.want {
				t.Errorf("parseBlkid() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestProberFailure(t *testing.T) {
	tools := &fakeTools{out: []byte("permission denied"), err: errors.New("exec: blkid: permission denied")}
	p := &Prober{run: tools.run}

	if _, err := p.ReadMetadata(context.Background(), "/dev/dm-4"); err == nil {
		t.Fatal("expected blkid failure to surface")
	}
	want := []string{"-c", "/dev/null", "-s", "TYPE", "-s", "UUID", "-s", "LABEL", "/dev/dm-4"}
	if !slices.Equal(tools.calls[0].args, want) {
		t.Errorf("blkid args = %v, want %v", tools.calls[0].args, want)
	}
}

func TestRestorecon(t *testing.T) {
	tools := &fakeTools{}
	r := &Restorecon{run: tools.run, available: func(string) bool { return false }}
	if err := r.RestoreRecursive(context.Background(), "/mnt/expand/x"); err != nil {
		t.Fatal(err)
	}
	if len(tools.calls) != 0 {
		t.Fatalf("restorecon ran while missing: %+v", tools.calls)
	}

	r.available = func(string) bool { return true }
	if err := r.RestoreRecursive(context.Background(), "/mnt/expand/x"); err != nil {
		t.Fatal(err)
	}
	if len(tools.calls) != 1 || !slices.Equal(tools.calls[0].args, []string{"-R", "-F", "/mnt/expand/x"}) {
		t.Errorf("calls = %+v", tools.calls)
	}
}
