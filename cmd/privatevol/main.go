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
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/spin-stack/privatevol/internal/config"
)

// Version information - set via ldflags at build time
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "privatevol",
		Usage:   "Drive an encrypted private storage volume through its lifecycle",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
		Flags:   globalFlags(),
		Before: func(cliCtx *cli.Context) error {
			cfg, err := loadConfig(cliCtx)
			if err != nil {
				return err
			}
			cliCtx.App.Metadata = map[string]interface{}{configKey: cfg}
			return log.SetLevel(cfg.LogLevel)
		},
		Commands: []*cli.Command{
			runCommand,
			formatCommand,
			statusCommand,
			checkCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to a TOML configuration file",
			EnvVars: []string{"PRIVATEVOL_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "dev-root",
			Usage:   "Directory holding raw device nodes",
			Value:   config.Default().DevRoot,
			EnvVars: []string{"PRIVATEVOL_DEV_ROOT"},
		},
		&cli.StringFlag{
			Name:    "mount-root",
			Usage:   "Directory holding volume mountpoints",
			Value:   config.Default().MountRoot,
			EnvVars: []string{"PRIVATEVOL_MOUNT_ROOT"},
		},
		&cli.StringFlag{
			Name:    "state-db",
			Usage:   "Path of the volume record database",
			Value:   config.Default().StateDB,
			EnvVars: []string{"PRIVATEVOL_STATE_DB"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   config.Default().LogLevel,
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:    "sdcardfs",
			Usage:   "Lay out the media tree for an sdcardfs overlay",
			EnvVars: []string{"PRIVATEVOL_SDCARDFS"},
		},
		&cli.IntSliceFlag{
			Name:    "user",
			Aliases: []string{"u"},
			Usage:   "Started user that gets a derived volume (repeatable)",
			EnvVars: []string{"PRIVATEVOL_USERS"},
		},
	}
}

const configKey = "config"

// loadConfig reads the optional config file and lets explicitly set flags
// override it.
func loadConfig(cliCtx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := cliCtx.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if cliCtx.IsSet("dev-root") {
		cfg.DevRoot = cliCtx.String("dev-root")
	}
	if cliCtx.IsSet("mount-root") {
		cfg.MountRoot = cliCtx.String("mount-root")
	}
	if cliCtx.IsSet("state-db") {
		cfg.StateDB = cliCtx.String("state-db")
	}
	if cliCtx.IsSet("log-level") {
		cfg.LogLevel = cliCtx.String("log-level")
	}
	if cliCtx.IsSet("sdcardfs") {
		cfg.Sdcardfs = cliCtx.Bool("sdcardfs")
	}
	if cliCtx.IsSet("user") {
		cfg.Users = cliCtx.IntSlice("user")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func configFrom(cliCtx *cli.Context) config.Config {
	cfg, _ := cliCtx.App.Metadata[configKey].(config.Config)
	return cfg
}
