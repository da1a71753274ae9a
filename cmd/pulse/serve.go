package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/vango-dev/pulse/internal/config"
	"github.com/vango-dev/pulse/pkg/devtools"
	"github.com/vango-dev/pulse/pkg/pulse"
	"github.com/vango-dev/pulse/pkg/storage"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve persisted state through the devtools interface",
		Long: `serve loads every persisted value into a runtime and exposes it over HTTP:

  /state        current values as JSON
  /state/{name} one value
  /containers   live subscriptions
  /storage      raw storage keys
  /metrics      Prometheus metrics
  /ws           a websocket stream of value changes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Devtools.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, codec, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			logger := cfg.Logger(os.Stderr)
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())

			rt := pulse.NewRuntime(
				pulse.WithLogger(logger),
				pulse.WithStorage(store),
				pulse.WithStoragePrefix(cfg.Storage.Prefix),
				pulse.WithCodec(codec),
				pulse.WithMetrics(reg),
			)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := rt.Close(closeCtx); err != nil {
					logger.Warn("pending writes not flushed", "error", err)
				}
			}()

			srv := devtools.New(rt,
				devtools.WithRegistry(reg),
				devtools.WithLister(store),
				devtools.WithLogger(logger),
				devtools.WithAllowedOrigins(cfg.Devtools.AllowedOrigins...),
			)
			n, err := loadStored(ctx, cfg, rt, store, srv)
			if err != nil {
				return err
			}
			rt.Boot()

			logger.Info("devtools listening", "addr", addr, "values", n, "backend", cfg.Storage.Backend)
			return srv.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (default: devtools.addr from the project file)")
	return cmd
}

// loadStored creates one persisted state per stored key and registers it
// with srv under its identifier. Writes through the devtools are not
// possible, so the states only ever hold what storage holds.
func loadStored(ctx context.Context, cfg *config.Config, rt *pulse.Runtime, store storage.Lister, srv *devtools.Server) (int, error) {
	keys, err := store.Keys(ctx, cfg.Storage.Prefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		id := key[len(cfg.Storage.Prefix):]
		st := pulse.NewState[any](rt, nil, pulse.WithName(id))
		st.Persist(id)
		srv.Watch(id, st)
	}
	return len(keys), nil
}
