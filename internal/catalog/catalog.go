// Package catalog перечисляет, фильтрует и удаляет сохранённые реплеи.
// Для листинга читаются только заголовки; поток кадров не открывается.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/annel0/asteroids-replay/internal/container"
	"github.com/annel0/asteroids-replay/internal/eventbus"
	"github.com/annel0/asteroids-replay/internal/logging"
	"github.com/annel0/asteroids-replay/internal/observability"
	"github.com/annel0/asteroids-replay/internal/replay"
	"github.com/annel0/asteroids-replay/internal/storage"
)

const source = "catalog"

// Entry - строка каталога
type Entry struct {
	Ref     storage.FileRef `json:"file"`
	Header  replay.Header   `json:"header"`
	Size    int64           `json:"size"`
	ModTime time.Time       `json:"mod_time"`
}

// CorruptEntry - файл, заголовок которого не читается
type CorruptEntry struct {
	Ref  storage.FileRef `json:"file"`
	Kind replay.Kind     `json:"-"`
	Err  error           `json:"-"`
}

// Catalog - каталог реплеев одного пользователя
type Catalog struct {
	dir     *storage.Dir
	leases  *storage.Leases
	index   storage.HeaderIndex
	bus     eventbus.EventBus
	metrics *observability.Metrics
	log     *logging.Logger
}

// Option настраивает Catalog
type Option func(*Catalog)

// WithIndex включает кэш заголовков
func WithIndex(idx storage.HeaderIndex) Option { return func(c *Catalog) { c.index = idx } }

// WithBus задаёт шину для события replay.deleted
func WithBus(bus eventbus.EventBus) Option { return func(c *Catalog) { c.bus = bus } }

// WithMetrics задаёт метрики
func WithMetrics(m *observability.Metrics) Option { return func(c *Catalog) { c.metrics = m } }

// WithLogger задаёт логгер
func WithLogger(l *logging.Logger) Option { return func(c *Catalog) { c.log = l } }

// New создаёт каталог поверх каталога файлов и реестра блокировок
func New(dir *storage.Dir, leases *storage.Leases, opts ...Option) *Catalog {
	c := &Catalog{dir: dir, leases: leases}
	for _, opt := range opts {
		opt(c)
	}
	if c.leases == nil {
		c.leases = storage.NewLeases()
	}
	if c.log == nil {
		c.log = logging.GetCatalogLogger()
	}
	c.metrics = observability.OrDiscard(c.metrics)
	return c
}

// Dir возвращает каталог файлов
func (c *Catalog) Dir() *storage.Dir { return c.dir }

// List возвращает читаемые реплеи в порядке имён файлов. Повреждённые файлы пропускаются.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	entries, _, err := c.scan(ctx)
	return entries, err
}

// Corrupt возвращает файлы, которые не удалось прочитать, для диагностического экрана
func (c *Catalog) Corrupt(ctx context.Context) ([]CorruptEntry, error) {
	_, corrupt, err := c.scan(ctx)
	return corrupt, err
}

// Count возвращает число читаемых реплеев
func (c *Catalog) Count(ctx context.Context) (int, error) {
	entries, err := c.List(ctx)
	return len(entries), err
}

// Get возвращает запись по имени файла
func (c *Catalog) Get(ctx context.Context, name string) (Entry, error) {
	ref, err := c.dir.Ref(name)
	if err != nil {
		return Entry{}, err
	}
	return c.entry(ctx, ref)
}

func (c *Catalog) scan(ctx context.Context) ([]Entry, []CorruptEntry, error) {
	ctx, span := observability.Tracer().Start(ctx, "catalog.scan")
	defer span.End()

	refs, err := c.dir.Scan()
	if err != nil {
		return nil, nil, err
	}

	entries := make([]Entry, 0, len(refs))
	var corrupt []CorruptEntry
	present := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		present[ref.Name] = true
		e, err := c.entry(ctx, ref)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue // удалён между Scan и чтением
			}
			c.log.Debug("Файл %s пропущен: %v", ref.Name, err)
			corrupt = append(corrupt, CorruptEntry{Ref: ref, Kind: replay.KindOf(err), Err: err})
			continue
		}
		entries = append(entries, e)
	}

	if c.index != nil {
		if n, err := c.index.Prune(ctx, present); err != nil {
			c.log.Warn("Очистка индекса заголовков не удалась: %v", err)
		} else if n > 0 {
			c.log.Debug("Из индекса удалено %d устаревших записей", n)
		}
	}

	c.metrics.CorruptFiles.Set(float64(len(corrupt)))
	span.SetAttributes(
		attribute.Int("catalog.entries", len(entries)),
		attribute.Int("catalog.corrupt", len(corrupt)),
	)
	return entries, corrupt, nil
}

// entry читает заголовок через индекс или из файла
func (c *Catalog) entry(ctx context.Context, ref storage.FileRef) (Entry, error) {
	info, err := os.Stat(ref.Path)
	if err != nil {
		return Entry{}, replay.Errorf(replay.KindIO, "stat", ref.Path, err)
	}
	e := Entry{Ref: ref, Size: info.Size(), ModTime: info.ModTime()}

	if c.index != nil {
		h, found, err := c.index.Get(ctx, ref.Name, info.Size(), info.ModTime())
		if err != nil {
			c.log.Warn("Индекс заголовков недоступен для %s: %v", ref.Name, err)
		} else if found {
			e.Header = h
			return e, nil
		}
	}

	h, err := container.ReadHeaderFile(ref.Path)
	if err != nil {
		return Entry{}, err
	}
	e.Header = h
	if c.index != nil {
		if err := c.index.Put(ctx, ref.Name, info.Size(), info.ModTime(), h); err != nil {
			c.log.Warn("Индекс заголовков не обновлён для %s: %v", ref.Name, err)
		}
	}
	return e, nil
}

// Delete безвозвратно удаляет реплей.
// KindBusy - файл открыт воспроизведением, KindIO - ошибка файловой системы или путь вне каталога.
func (c *Catalog) Delete(ctx context.Context, ref storage.FileRef) error {
	if ref.Path == "" {
		r, err := c.dir.Ref(ref.Name)
		if err != nil {
			return err
		}
		ref = r
	}
	if err := c.dir.Validate(ref); err != nil {
		c.log.Warn("Попытка удалить файл вне каталога реплеев: %s", ref.Path)
		return err
	}

	release, err := c.leases.Acquire(ref.Path)
	if err != nil {
		return err
	}
	defer release()

	if err := os.Remove(ref.Path); err != nil {
		return replay.Errorf(replay.KindIO, "delete", ref.Path, err)
	}
	if c.index != nil {
		if err := c.index.Delete(ctx, ref.Name); err != nil {
			c.log.Warn("Запись индекса для %s не удалена: %v", ref.Name, err)
		}
	}

	c.metrics.ReplaysDeleted.Inc()
	c.log.Info("🗑️ Реплей удалён: %s", ref.Name)
	if err := eventbus.Emit(ctx, c.bus, source, eventbus.TypeReplayDeleted, eventbus.ReplayEvent{Name: ref.Name}); err != nil {
		c.log.Warn("Событие %s не опубликовано: %v", eventbus.TypeReplayDeleted, err)
	}
	return nil
}

// Error возвращает текст ошибки для сериализации
func (e CorruptEntry) Error() string {
	if e.Err == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}
