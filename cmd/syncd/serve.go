package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	syncengine "github.com/photofold/sync-engine"
	"github.com/photofold/sync-engine/logging"
	"github.com/photofold/sync-engine/storage/sqlite"
	"github.com/photofold/sync-engine/transport/httptransport"
	"github.com/photofold/sync-engine/transport/wstransport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	logger := logging.WithComponent("syncd")

	store, err := sqlite.New(&sqlite.Config{
		DataSourceName:     viper.GetString("database.path"),
		EnableWAL:          viper.GetBool("database.wal"),
		TombstoneRetention: viper.GetDuration("database.tombstone_retention"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := syncengine.NewBuilder().
		WithStore(store).
		WithPageSize(viper.GetInt("sync.page_size")).
		WithAckBatchCap(viper.GetInt("sync.ack_batch_cap")).
		Build()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/sync/ws", wstransport.NewHandler(engine))
	mux.Handle("/sync/", httptransport.NewHandler(engine,
		httptransport.WithRequestTimeout(viper.GetDuration("server.request_timeout")),
	))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    viper.GetString("server.addr"),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go purgeLoop(ctx, engine, viper.GetDuration("sync.purge_interval"), logger)

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "sync server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.InfoContext(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		viper.GetDuration("server.shutdown_timeout"))
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// purgeLoop drops tombstones past the retention horizon on a fixed interval.
func purgeLoop(ctx context.Context, engine *syncengine.Engine, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := engine.PurgeExpiredTombstones(ctx)
			if err != nil {
				logger.LogError(ctx, err, "tombstone purge failed")
				continue
			}
			if purged > 0 {
				logger.InfoContext(ctx, "purged expired tombstones", slog.Int64("count", purged))
			}
		}
	}
}
