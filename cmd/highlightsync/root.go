package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"highlightsync/internal/config"
	"highlightsync/internal/logger"
)

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger

	bindings []flagBinding
}

// flagBinding maps a flag onto a config key. A binding with an owner only
// applies while that command runs.
type flagBinding struct {
	owner *cobra.Command
	key   string
	flag  string
}

func (a *app) bindFlag(owner *cobra.Command, key, flag string) {
	a.bindings = append(a.bindings, flagBinding{owner: owner, key: key, flag: flag})
}

func (a *app) bindFlags(cmd *cobra.Command) error {
	for _, b := range a.bindings {
		if b.owner != nil && b.owner != cmd {
			continue
		}
		if err := a.v.BindPFlag(b.key, cmd.Flag(b.flag)); err != nil {
			return fmt.Errorf("failed to bind --%s to %s: %w", b.flag, b.key, err)
		}
	}
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "highlightsync",
		Short: "Incrementally sync highlights into a local SQLite store",
		Long: `highlightsync fetches books, highlights and tags from the Readwise export
API, validates and flattens them, and writes them into a local SQLite file
with version history. Runs against the same file are serialized by a
sidecar lock.

Configuration comes from highlightsync.yaml, HLSYNC_* environment variables
and flags, in increasing order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				a.log.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default ./highlightsync.yaml)")
	flags.String("db", "", "path to the SQLite store")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	a.bindFlag(nil, "db.path", "db")
	a.bindFlag(nil, "log.level", "log-level")

	root.AddCommand(
		newSyncCmd(a),
		newListInvalidsCmd(a),
		newFetchSinceCmd(a),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if err := a.bindFlags(cmd); err != nil {
		return err
	}
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	lcfg := cfg.LoggerConfig()
	lcfg.Output = cmd.ErrOrStderr()
	log, err := logger.New(lcfg)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}
