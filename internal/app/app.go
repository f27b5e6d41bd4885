// Package app собирает подсистему реплеев из конфигурации: каталог файлов, индекс
// заголовков, шину событий, метрики, каталог, запись и воспроизведение.
package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/asteroids-replay/internal/catalog"
	"github.com/annel0/asteroids-replay/internal/config"
	"github.com/annel0/asteroids-replay/internal/eventbus"
	"github.com/annel0/asteroids-replay/internal/logging"
	"github.com/annel0/asteroids-replay/internal/observability"
	"github.com/annel0/asteroids-replay/internal/playback"
	"github.com/annel0/asteroids-replay/internal/recorder"
	"github.com/annel0/asteroids-replay/internal/storage"
)

// App - собранная подсистема реплеев одного процесса
type App struct {
	Config  *config.Config
	Dir     *storage.Dir
	Leases  *storage.Leases
	Index   storage.HeaderIndex
	Bus     eventbus.EventBus
	Metrics *observability.Metrics
	Catalog *catalog.Catalog

	closers []func() error
}

// Open собирает подсистему. reg == nil - метрики не регистрируются.
func Open(cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{Config: cfg, Leases: storage.NewLeases()}

	dir, err := storage.OpenDir(cfg.Storage.GetDir())
	if err != nil {
		return nil, err
	}
	a.Dir = dir
	logging.Info("📁 Каталог реплеев: %s", dir.Path())

	if err := a.openIndex(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBus(); err != nil {
		a.Close()
		return nil, err
	}

	a.Metrics = observability.NewMetrics(reg)
	if reg != nil {
		if err := eventbus.RegisterMetrics(reg, a.Bus); err != nil {
			a.Close()
			return nil, fmt.Errorf("register eventbus metrics: %w", err)
		}
	}

	a.Catalog = catalog.New(a.Dir, a.Leases,
		catalog.WithIndex(a.Index),
		catalog.WithBus(a.Bus),
		catalog.WithMetrics(a.Metrics),
	)
	return a, nil
}

func (a *App) openIndex() error {
	sc := a.Config.Storage
	if !sc.IndexEnabled {
		a.Index = storage.NewMemoryIndex()
		return nil
	}
	path := sc.IndexPath
	if path == "" {
		path = filepath.Join(a.Dir.Path(), ".cache")
	}
	idx, err := storage.NewBadgerIndex(path)
	if err != nil {
		// листинг без кэша работает, только медленнее
		logging.Warn("⚠️ Индекс заголовков недоступен (%v), используется индекс в памяти", err)
		a.Index = storage.NewMemoryIndex()
		return nil
	}
	a.Index = idx
	a.closers = append(a.closers, idx.Close)
	return nil
}

func (a *App) openBus() error {
	ec := a.Config.EventBus
	if ec.URL == "" {
		a.Bus = eventbus.NewMemoryBus()
	} else {
		jb, err := eventbus.NewJetStreamBus(ec.URL, ec.Stream, time.Duration(ec.Retention)*time.Hour)
		if err != nil {
			return fmt.Errorf("eventbus: %w", err)
		}
		a.Bus = jb
		a.closers = append(a.closers, jb.Close)
		logging.Info("📨 События реплеев публикуются в JetStream %s (stream %s)", ec.URL, ec.Stream)
	}
	eventbus.Init(a.Bus)

	sub, err := eventbus.StartLoggingListener(a.Bus)
	if err != nil {
		return fmt.Errorf("eventbus listener: %w", err)
	}
	a.closers = append(a.closers, func() error { sub.Unsubscribe(); return nil })
	return nil
}

// NewRecorder создаёт запись, связанную с каталогом, индексом и шиной
func (a *App) NewRecorder(opts ...recorder.Option) *recorder.Recorder {
	base := []recorder.Option{
		recorder.WithBus(a.Bus),
		recorder.WithIndex(a.Index),
		recorder.WithMetrics(a.Metrics),
		recorder.WithMinFree(a.Config.Storage.MinFreeBytes),
	}
	return recorder.New(a.Config.Recorder, a.Dir, append(base, opts...)...)
}

// NewPlayer создаёт движок воспроизведения с общими блокировками файлов
func (a *App) NewPlayer(opts ...playback.Option) *playback.Engine {
	base := []playback.Option{
		playback.WithDir(a.Dir),
		playback.WithBus(a.Bus),
		playback.WithMetrics(a.Metrics),
	}
	return playback.New(a.Config.Playback, a.Leases, append(base, opts...)...)
}

// Close освобождает ресурсы в обратном порядке
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if eventbus.Global() == a.Bus {
		eventbus.Init(nil)
	}
	return errors.Join(errs...)
}
