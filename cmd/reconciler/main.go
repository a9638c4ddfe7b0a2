// reconciler доводит незавершённые саги: по таймеру, по событиям из Kafka или одним проходом (-once).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

var (
	reconcileOnce = app.ReconcileOnce
	runReconciler = app.RunReconciler
)

func main() {
	once := flag.Bool("once", false, "run a single reconciliation pass and exit")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}
	if err := app.ConfigureLogging(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("неизвестный уровень логирования, используем info")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Get().Fields()).WithField("once", *once).Info("запускаем reconciler")

	if err := run(ctx, cfg, *once, os.Stdout); err != nil {
		log.WithError(err).Fatal("сверка завершилась с ошибкой")
	}
}

func run(ctx context.Context, cfg app.Config, once bool, out io.Writer) error {
	if !once {
		if err := runReconciler(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	result, err := reconcileOnce(ctx, cfg)
	if err != nil {
		return err
	}
	printResult(out, result)
	if result.Pending > 0 {
		return fmt.Errorf("%d saga(s) still pending", result.Pending)
	}
	return nil
}

func printResult(out io.Writer, result reconcile.Result) {
	_, _ = fmt.Fprintf(out, "scanned=%d pending=%d\n", result.Scanned, result.Pending)

	states := make([]string, 0, len(result.Resolved))
	for state := range result.Resolved {
		states = append(states, string(state))
	}
	sort.Strings(states)
	for _, state := range states {
		_, _ = fmt.Fprintf(out, "  %s=%d\n", state, result.Resolved[domain.SagaState(state)])
	}
}
