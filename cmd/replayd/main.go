package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/asteroids-replay/internal/api"
	"github.com/annel0/asteroids-replay/internal/app"
	"github.com/annel0/asteroids-replay/internal/config"
	"github.com/annel0/asteroids-replay/internal/logging"
	"github.com/annel0/asteroids-replay/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "путь к YAML конфигурации (по умолчанию REPLAY_CONFIG)")
	logLevel := flag.String("log-level", "info", "уровень логов: trace, debug, info, warn, error")
	flag.Parse()

	if err := logging.InitDefaultLogger("replayd"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()
	defer logging.GetLoggerManager().CloseAll()
	logging.SetDefaultLevel(logging.ParseLevel(*logLevel))

	logging.Info("🎬 Запуск сервиса каталога реплеев...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка загрузки конфигурации: %v", err)
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.TracingEnabled {
		shutdown, err := observability.InitTelemetry(ctx, "replayd")
		if err != nil {
			logging.Warn("⚠️ Трассировка не запущена: %v", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					logging.Warn("Ошибка остановки трассировки: %v", err)
				}
			}()
		}
	}

	var reg prometheus.Registerer
	if cfg.Server.MetricsEnabled {
		reg = prometheus.DefaultRegisterer
	}
	a, err := app.Open(cfg, reg)
	if err != nil {
		logging.Error("❌ Ошибка инициализации подсистемы реплеев: %v", err)
		log.Fatalf("❌ Ошибка инициализации подсистемы реплеев: %v", err)
	}

	if n, err := a.Catalog.Count(ctx); err == nil {
		logging.Info("📼 В каталоге %d реплеев", n)
	}

	port := fmt.Sprintf(":%d", cfg.Server.GetRESTPort())
	rest := api.NewRestServer(api.Config{
		Port:    port,
		Catalog: a.Catalog,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- rest.Start() }()

	logging.Info("✅ Сервис запущен")
	logging.Info("   🌐 REST API: http://localhost%s/api/replays", port)
	logging.Info("   ❤️  Health check: http://localhost%s/health", port)

	select {
	case <-ctx.Done():
		logging.Info("📡 Получен сигнал завершения, остановка...")
	case err := <-errCh:
		if err != nil {
			logging.Error("❌ REST API остановился с ошибкой: %v", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rest.Stop(sctx); err != nil {
		logging.Error("❌ Ошибка остановки REST API: %v", err)
	}
	if err := a.Close(); err != nil {
		logging.Warn("Ошибка закрытия ресурсов: %v", err)
	}
	logging.Info("👋 Сервис остановлен")
}
