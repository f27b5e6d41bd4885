package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/annel0/asteroids-replay/internal/replay"
)

const headerKeyPrefix = "hdr:"

// BadgerIndex - постоянный индекс заголовков на BadgerDB
type BadgerIndex struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerIndex открывает индекс в каталоге dataPath/index
func NewBadgerIndex(dataPath string) (*BadgerIndex, error) {
	dbPath := filepath.Join(dataPath, "index")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB
	return openBadgerIndex(opts, dbPath)
}

// NewInMemoryBadgerIndex открывает индекс без диска (для тестов и read-only каталогов)
func NewInMemoryBadgerIndex() (*BadgerIndex, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadgerIndex(opts, "")
}

func openBadgerIndex(opts badger.Options, dbPath string) (*BadgerIndex, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}
	return &BadgerIndex{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
	}, nil
}

// Close закрывает индекс
func (bi *BadgerIndex) Close() error {
	bi.mutex.Lock()
	defer bi.mutex.Unlock()

	if !bi.isReady {
		return nil
	}

	bi.isReady = false
	return bi.db.Close()
}

// Get загружает заголовок. Устаревшая запись считается отсутствующей.
func (bi *BadgerIndex) Get(ctx context.Context, name string, size int64, modTime time.Time) (replay.Header, bool, error) {
	bi.mutex.RLock()
	defer bi.mutex.RUnlock()

	if !bi.isReady {
		return replay.Header{}, false, fmt.Errorf("индекс не готов")
	}
	if err := ctx.Err(); err != nil {
		return replay.Header{}, false, err
	}

	var entry indexEntry
	err := bi.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(headerKeyPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return replay.Header{}, false, nil
	}
	if err != nil {
		return replay.Header{}, false, fmt.Errorf("ошибка чтения индекса %s: %w", name, err)
	}
	if !entry.matches(size, modTime) {
		return replay.Header{}, false, nil
	}
	return entry.Header, true, nil
}

// Put сохраняет заголовок
func (bi *BadgerIndex) Put(ctx context.Context, name string, size int64, modTime time.Time, h replay.Header) error {
	bi.mutex.RLock()
	defer bi.mutex.RUnlock()

	if !bi.isReady {
		return fmt.Errorf("индекс не готов")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := msgpack.Marshal(&indexEntry{Size: size, ModTime: modTime.UnixNano(), Header: h})
	if err != nil {
		return fmt.Errorf("ошибка сериализации заголовка: %w", err)
	}

	return bi.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(headerKeyPrefix+name), data)
	})
}

// Delete удаляет запись
func (bi *BadgerIndex) Delete(ctx context.Context, name string) error {
	bi.mutex.RLock()
	defer bi.mutex.RUnlock()

	if !bi.isReady {
		return fmt.Errorf("индекс не готов")
	}

	return bi.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(headerKeyPrefix + name))
	})
}

// Names возвращает имена всех файлов в индексе
func (bi *BadgerIndex) Names() ([]string, error) {
	bi.mutex.RLock()
	defer bi.mutex.RUnlock()

	if !bi.isReady {
		return nil, fmt.Errorf("индекс не готов")
	}

	var names []string
	err := bi.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(headerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len(headerKeyPrefix):]))
		}
		return nil
	})
	return names, err
}

// Prune удаляет записи о файлах, которых больше нет в каталоге
func (bi *BadgerIndex) Prune(ctx context.Context, keep map[string]bool) (int, error) {
	names, err := bi.Names()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := bi.Delete(ctx, name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
