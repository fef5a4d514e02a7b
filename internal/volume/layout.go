package volume

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spin-stack/privatevol/internal/fsdriver"
)

// Well-known user and group ids owning the volume layout.
const (
	AIDRoot    = 0
	AIDSystem  = 1000
	AIDMediaRW = 1023
	AIDShell   = 2000
)

// layoutDir is one directory every mounted private volume carries.
type layoutDir struct {
	rel  string
	mode os.FileMode
	uid  int
	// casefold marks the directory for case-insensitive lookups.
	casefold bool
}

// layout lists the directories in creation order; parents come first.
var layout = []layoutDir{
	{rel: "app", mode: 0o771, uid: AIDSystem},
	{rel: "user", mode: 0o511, uid: AIDSystem},
	{rel: "user_de", mode: 0o511, uid: AIDSystem},
	{rel: "misc_ce", mode: 0o511, uid: AIDSystem},
	{rel: "misc_de", mode: 0o511, uid: AIDSystem},
	{rel: "media", mode: 0o550, uid: AIDMediaRW, casefold: true},
	{rel: "media/0", mode: 0o770, uid: AIDMediaRW},
	{rel: "local", mode: 0o751, uid: AIDRoot},
	{rel: "local/tmp", mode: 0o771, uid: AIDShell},
}

// prepareLayout creates the layout under root. The casefold flag is only
// applied when sdcardfs is not in use. The first failure aborts.
func prepareLayout(host Host, root string, sdcardfs bool) error {
	for _, d := range layout {
		var attrs uint32
		if d.casefold && !sdcardfs {
			attrs = fsdriver.FlagCasefold
		}
		// Group always matches the owner.
		if err := host.PrepareDir(filepath.Join(root, filepath.FromSlash(d.rel)), d.mode, d.uid, d.uid, attrs); err != nil {
			return err
		}
	}
	return nil
}

// isSafeName reports whether name can be used as a single path element.
func isSafeName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, "/\\\x00")
}
