package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}
	if err := app.ConfigureLogging(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("неизвестный уровень логирования, используем info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Get().Fields()).WithFields(log.Fields{
		"http_addr":      cfg.HTTPAddr,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем inventory-service")

	if err := app.RunInventory(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("складской сервис завершился с ошибкой")
	}

	log.Info("inventory-service остановлен")
}
