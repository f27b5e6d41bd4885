package storage

import (
	"context"
	"sync"
	"time"

	"github.com/annel0/asteroids-replay/internal/replay"
)

// HeaderIndex кэширует разобранные заголовки, чтобы повторные листинги не открывали файлы.
// Запись действительна, пока размер и время изменения файла совпадают с сохранёнными.
type HeaderIndex interface {
	// Get возвращает заголовок, если запись есть и соответствует size/modTime
	Get(ctx context.Context, name string, size int64, modTime time.Time) (replay.Header, bool, error)

	// Put сохраняет заголовок для файла
	Put(ctx context.Context, name string, size int64, modTime time.Time, h replay.Header) error

	// Delete удаляет запись; отсутствие записи не ошибка
	Delete(ctx context.Context, name string) error

	// Prune удаляет записи для имён, отсутствующих в keep, и возвращает их число
	Prune(ctx context.Context, keep map[string]bool) (int, error)

	Close() error
}

// indexEntry - значение в индексе
type indexEntry struct {
	Size    int64         `msgpack:"size"`
	ModTime int64         `msgpack:"mtime"`
	Header  replay.Header `msgpack:"header"`
}

func (e *indexEntry) matches(size int64, modTime time.Time) bool {
	return e.Size == size && e.ModTime == modTime.UnixNano()
}

// MemoryIndex реализует HeaderIndex в памяти.
// Используется, когда постоянный индекс выключен, и в тестах.
type MemoryIndex struct {
	mu   sync.RWMutex
	data map[string]indexEntry
}

// NewMemoryIndex создаёт пустой индекс в памяти
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{data: make(map[string]indexEntry)}
}

// Get возвращает заголовок из памяти
func (m *MemoryIndex) Get(ctx context.Context, name string, size int64, modTime time.Time) (replay.Header, bool, error) {
	if err := ctx.Err(); err != nil {
		return replay.Header{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[name]
	if !ok || !e.matches(size, modTime) {
		return replay.Header{}, false, nil
	}
	return e.Header, true, nil
}

// Put сохраняет заголовок в памяти
func (m *MemoryIndex) Put(ctx context.Context, name string, size int64, modTime time.Time, h replay.Header) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = indexEntry{Size: size, ModTime: modTime.UnixNano(), Header: h}
	return nil
}

// Delete удаляет запись
func (m *MemoryIndex) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
	return nil
}

// Prune удаляет записи об удалённых файлах
func (m *MemoryIndex) Prune(ctx context.Context, keep map[string]bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for name := range m.data {
		if !keep[name] {
			delete(m.data, name)
			removed++
		}
	}
	return removed, nil
}

// Close ничего не делает
func (m *MemoryIndex) Close() error { return nil }
