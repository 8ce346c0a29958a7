package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-post/pkg/simplepost/admin"
	"github.com/tendant/simple-post/pkg/simplepost/config"
)

// cli carries state shared by every subcommand
type cli struct {
	configPath string
	jsonOutput bool
	verbose    bool
	out        io.Writer

	logger  *slog.Logger
	runtime *config.Runtime
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	cmd := &cobra.Command{
		Use:           "postctl",
		Short:         "Operate a simple-post deployment: migrate and reconcile the stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			c.close()
		},
	}

	cmd.PersistentFlags().StringVar(&c.configPath, "config", "simplepost.toml", "path to an optional TOML config file")
	cmd.PersistentFlags().BoolVar(&c.jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log repair actions")

	cmd.AddCommand(
		newMigrateCmd(c),
		newReconcileCmd(c),
		newStatsCmd(c),
	)
	return cmd
}

func (c *cli) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelInfo
	}
	c.logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen}))

	cfg, err := config.Load(
		config.WithFile(c.configPath, true),
		config.WithEnv(),
		config.WithEventLogging(false),
	)
	if err != nil {
		return err
	}
	rt, err := cfg.BuildService(ctx, c.logger)
	if err != nil {
		return err
	}
	c.runtime = rt
	return nil
}

func (c *cli) close() {
	if c.runtime != nil {
		c.runtime.Close()
		c.runtime = nil
	}
}

func (c *cli) admin(opts ...admin.Option) admin.AdminService {
	opts = append([]admin.Option{admin.WithLogger(c.logger)}, opts...)
	return admin.New(c.runtime.Repository, c.runtime.BlobStore, opts...)
}
