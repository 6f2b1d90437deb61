package dispatch_service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/auth"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/config"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/db"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/mq"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/dispatch"
	dispatchrmq "github.com/AybarCi/YukleGelTaksi-sub001/internal/dispatch/rmq"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/driver"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/geo"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/order"
	"github.com/AybarCi/YukleGelTaksi-sub001/internal/settings"
)

// Run wires the dispatch service and serves until SIGINT/SIGTERM.
func Run(cfg *config.Config, pg *db.Postgres, rabbit *mq.RabbitMQ) error {
	authMgr := auth.NewManager(cfg.JWT.Secret, cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)

	settingsRepo := settings.NewRepository(pg.Pool)
	settingsCache := settings.NewCache(settingsRepo, cfg.Dispatch.SettingsCacheTTL)

	driverRepo := driver.NewRepository(pg.Pool)
	geoSvc := geo.NewService(geo.NewRepository(pg.Pool), settingsCache)
	orderSvc := order.NewService(order.NewRepository(pg.Pool), settingsCache, cfg.Dispatch.ConfirmCodeRequired)

	broker, err := dispatchrmq.NewClient(rabbit.Chan, dispatchrmq.DefaultExchange, uuid.NewString())
	if err != nil {
		return fmt.Errorf("failed to set up dispatch broker: %w", err)
	}

	hub := dispatch.NewHub()
	channel := dispatch.NewChannel(hub, authMgr, orderSvc, geoSvc, driverRepo, settingsCache, broker)
	if err := broker.Consume(channel.HandleRemote); err != nil {
		return fmt.Errorf("failed to start broadcast consumer: %w", err)
	}

	api := dispatch.NewAPI(channel, authMgr, settingsRepo, settingsCache)
	mux := http.NewServeMux()
	api.Register(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server_started", "Dispatch service listening",
			zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		logger.Info("server_stopping", fmt.Sprintf("Received %s, shutting down", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("server_stopped", "Dispatch service stopped")
	return nil
}
