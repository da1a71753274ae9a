package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vango-dev/pulse/internal/config"
)

func initCmd() *cobra.Command {
	var (
		format  string
		backend string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a project file with default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if config.Exists(dir) && !force {
				return fmt.Errorf("%s already has a pulse project file (use --force to overwrite)", dir)
			}

			cfg := config.New()
			cfg.Name = filepath.Base(absOr(dir))
			cfg.Storage.Backend = backend
			switch backend {
			case "bolt":
				cfg.Storage.Path = config.DefaultBoltPath
			case "sql":
				cfg.Storage.Dialect = "sqlite"
				cfg.Storage.DSN = "file:pulse.sqlite"
				cfg.Storage.Table = config.DefaultTable
			case "s3":
				cfg.Storage.Bucket = cfg.Name + "-state"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			path := filepath.Join(dir, "pulse."+format)
			if err := cfg.SaveTo(path); err != nil {
				return err
			}
			success(cmd, "Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "file format: json, toml or yaml")
	cmd.Flags().StringVarP(&backend, "backend", "b", "bolt", "storage backend: memory, bolt, sql or s3")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing project file")
	return cmd
}

func absOr(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return dir
}
