package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vango-dev/pulse/internal/config"
	"github.com/vango-dev/pulse/pkg/pulse"
	"github.com/vango-dev/pulse/pkg/storage"
)

// session is an opened project: its config, backend and codec.
type session struct {
	cfg   *config.Config
	store storage.Backend
	codec pulse.Codec
}

func openSession(ctx context.Context, flags *globalFlags) (*session, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	store, codec, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, store: store, codec: codec}, nil
}

func (s *session) key(identifier string) string {
	return s.cfg.Storage.Prefix + identifier
}

func (s *session) identifier(key string) string {
	return strings.TrimPrefix(key, s.cfg.Storage.Prefix)
}

// decode returns the stored value under identifier.
func (s *session) decode(ctx context.Context, identifier string) (any, bool, error) {
	data, ok, err := s.store.Get(ctx, s.key(identifier))
	if err != nil || !ok {
		return nil, ok, err
	}
	var v any
	if err := s.codec.Unmarshal(data, &v); err != nil {
		return nil, true, fmt.Errorf("decode %s: %w", identifier, err)
	}
	return v, true, nil
}

func keysCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keys [prefix]",
		Short: "List persisted identifiers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer s.store.Close()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			keys, err := s.store.Keys(ctx, s.key(prefix))
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), s.identifier(k))
			}
			return nil
		},
	}
}

func getCmd(flags *globalFlags) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "get <identifier>",
		Short: "Print one persisted value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer s.store.Close()

			if raw {
				data, ok, err := s.store.Get(ctx, s.key(args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is not persisted", args[0])
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}

			v, ok, err := s.decode(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s is not persisted", args[0])
			}
			return writeFormatted(cmd.OutOrStdout(), "json", v)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the stored bytes without decoding")
	return cmd
}

func rmCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <identifier>...",
		Short: "Delete persisted values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer s.store.Close()

			for _, id := range args {
				if err := s.store.Remove(ctx, s.key(id)); err != nil {
					return err
				}
				success(cmd, "Removed %s", id)
			}
			return nil
		},
	}
}

func dumpCmd(flags *globalFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "dump [prefix]",
		Short: "Print every persisted value as one document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer s.store.Close()

			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			keys, err := s.store.Keys(ctx, s.key(prefix))
			if err != nil {
				return err
			}
			out := make(map[string]any, len(keys))
			for _, k := range keys {
				id := s.identifier(k)
				v, ok, err := s.decode(ctx, id)
				if err != nil {
					return err
				}
				if ok {
					out[id] = v
				}
			}
			return writeFormatted(cmd.OutOrStdout(), format, out)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	return cmd
}

func writeFormatted(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}
