package logging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

type levels struct {
	console, file LogLevel
}

var defaultLevels = levels{console: INFO, file: DEBUG}

// LoggerManager хранит логгеры компонентов и их пороги.
// Порог можно задать до создания логгера: он применится при первом запросе.
type LoggerManager struct {
	mu      sync.RWMutex
	loggers map[string]*Logger
	levels  map[string]levels
	base    levels
}

var (
	globalManager *LoggerManager
	managerOnce   sync.Once
)

func newManager() *LoggerManager {
	return &LoggerManager{
		loggers: make(map[string]*Logger),
		levels:  make(map[string]levels),
		base:    defaultLevels,
	}
}

// GetLoggerManager возвращает глобальный менеджер логгеров
func GetLoggerManager() *LoggerManager {
	managerOnce.Do(func() { globalManager = newManager() })
	return globalManager
}

// GetLogger возвращает логгер компонента, создавая его при первом обращении
func (lm *LoggerManager) GetLogger(component string) (*Logger, error) {
	lm.mu.RLock()
	l, ok := lm.loggers[component]
	lm.mu.RUnlock()
	if ok {
		return l, nil
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.loggers[component]; ok {
		return l, nil
	}
	l, err := NewLogger(component)
	if err != nil {
		return nil, fmt.Errorf("logger %s: %w", component, err)
	}
	l.setLevels(lm.levelsFor(component))
	lm.loggers[component] = l
	return l, nil
}

// MustGetLogger не падает: если файл лога не создать, возвращает консольный логгер
func (lm *LoggerManager) MustGetLogger(component string) *Logger {
	l, err := lm.GetLogger(component)
	if err == nil {
		return l
	}
	lm.mu.RLock()
	lv := lm.levelsFor(component)
	lm.mu.RUnlock()
	return &Logger{
		component:       component,
		consoleLogger:   current().consoleLogger,
		minConsoleLevel: lv.console,
		minFileLevel:    ERROR,
	}
}

// вызывается под lm.mu
func (lm *LoggerManager) levelsFor(component string) levels {
	if lv, ok := lm.levels[component]; ok {
		return lv
	}
	return lm.base
}

// SetLogLevel задаёт пороги компонента, в том числе ещё не созданного
func (lm *LoggerManager) SetLogLevel(component string, consoleLevel, fileLevel LogLevel) {
	lv := levels{console: consoleLevel, file: fileLevel}
	lm.mu.Lock()
	lm.levels[component] = lv
	l := lm.loggers[component]
	lm.mu.Unlock()
	if l != nil {
		l.setLevels(lv)
	}
}

// SetConsoleLevel меняет консольный порог всех компонентов, кроме настроенных через SetLogLevel
func (lm *LoggerManager) SetConsoleLevel(level LogLevel) {
	lm.mu.Lock()
	lm.base.console = level
	var touched []*Logger
	for c, l := range lm.loggers {
		if _, own := lm.levels[c]; !own {
			touched = append(touched, l)
		}
	}
	base := lm.base
	lm.mu.Unlock()

	for _, l := range touched {
		l.setLevels(base)
	}
}

// CloseAll закрывает файлы всех логгеров и забывает их; пороги сохраняются
func (lm *LoggerManager) CloseAll() error {
	lm.mu.Lock()
	loggers := lm.loggers
	lm.loggers = make(map[string]*Logger)
	lm.mu.Unlock()

	var errs []error
	for c, l := range loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logger %s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

// ListComponents возвращает отсортированный список созданных логгеров
func (lm *LoggerManager) ListComponents() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	out := make([]string, 0, len(lm.loggers))
	for c := range lm.loggers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func GetComponentLogger(component string) *Logger {
	return GetLoggerManager().MustGetLogger(component)
}

func GetRecorderLogger() *Logger { return GetComponentLogger("recorder") }
func GetCatalogLogger() *Logger  { return GetComponentLogger("catalog") }
func GetPlaybackLogger() *Logger { return GetComponentLogger("playback") }
func GetAPILogger() *Logger      { return GetComponentLogger("api") }
