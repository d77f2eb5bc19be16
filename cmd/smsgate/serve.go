package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/api"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/dedup"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/ingest"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/metrics"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/notify"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/resolve"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/storage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and admin API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		metrics.Init()

		store, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("store ready", zap.String("driver", cfg.Database.Driver))

		rabbit, err := notify.NewRabbitClient(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return eris.Wrap(err, "connect rabbitmq")
		}
		defer rabbit.Close()
		zap.L().Info("rabbitmq connected", zap.String("exchange", cfg.RabbitMQ.Exchange))

		journal, seed, err := dedup.OpenJournal(cfg.SMS.JournalPath, time.Duration(cfg.SMS.DedupWindow), time.Now())
		if err != nil {
			return eris.Wrap(err, "open dedup journal")
		}
		defer journal.Close()

		gate := dedup.NewGate(store, journal, time.Duration(cfg.SMS.DedupWindow), time.Duration(cfg.SMS.StoreWindow))
		gate.Seed(seed)
		zap.L().Info("dedup gate seeded", zap.Int("keys", len(seed)))

		pipeline := ingest.NewService(
			resolve.New(store, cfg.SMS.CountryCode),
			gate,
			store,
			rabbit,
			cfg.SMS.CountryCode,
			time.Duration(cfg.SMS.HistoryWindow),
		)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.NewAPI(pipeline, store, cfg).Router(),
		}

		// Graceful shutdown: drain HTTP first, the deferred closes then take
		// down the journal, broker and store in reverse order.
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Error("http shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
