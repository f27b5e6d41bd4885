package storage

import (
	"path/filepath"
	"sync"

	"github.com/annel0/asteroids-replay/internal/replay"
)

// Leases - реестр эксклюзивно открытых файлов реплеев.
// Пока файл захвачен воспроизведением, удалить его нельзя.
type Leases struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLeases создаёт пустой реестр
func NewLeases() *Leases {
	return &Leases{held: make(map[string]struct{})}
}

func leaseKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Acquire захватывает файл. Возвращённая функция освобождает его; повторный вызов безопасен.
func (l *Leases) Acquire(path string) (release func(), err error) {
	key := leaseKey(path)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, replay.Errorf(replay.KindBusy, "acquire", path, replay.ErrBusy)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held сообщает, захвачен ли файл
func (l *Leases) Held(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[leaseKey(path)]
	return ok
}

// Len возвращает число захваченных файлов
func (l *Leases) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
