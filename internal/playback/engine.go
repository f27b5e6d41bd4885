// Package playback восстанавливает записанную сессию кадр за кадром по виртуальным часам.
// Движок не запускает горутин: время двигает вызывающий через Advance.
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/annel0/asteroids-replay/internal/codec"
	"github.com/annel0/asteroids-replay/internal/config"
	"github.com/annel0/asteroids-replay/internal/container"
	"github.com/annel0/asteroids-replay/internal/eventbus"
	"github.com/annel0/asteroids-replay/internal/logging"
	"github.com/annel0/asteroids-replay/internal/observability"
	"github.com/annel0/asteroids-replay/internal/replay"
	"github.com/annel0/asteroids-replay/internal/storage"
)

const (
	source        = "playback"
	speedEpsilon  = 1e-9
	defaultSpeed  = 1.0
	defaultSkipSz = 5.0
)

// Engine - движок воспроизведения одного реплея за раз
type Engine struct {
	speeds  []float64
	skip    float64
	leases  *storage.Leases
	dir     *storage.Dir
	bus     eventbus.EventBus
	metrics *observability.Metrics
	log     *logging.Logger

	onComplete func(replay.Header)
	onWarning  func(error)

	mu      sync.Mutex
	state   State
	ref     storage.FileRef
	header  replay.Header
	frames  []codec.Frame
	times   []float64 // секунды от первого кадра
	keys    []int     // индексы ключевых кадров
	warning error
	release func()

	speed float64
	clock float64

	dec    *codec.Decoder
	cursor int // последний применённый к dec кадр, -1 - нет
}

// Option настраивает Engine
type Option func(*Engine)

// WithDir ограничивает загрузку файлами каталога реплеев
func WithDir(dir *storage.Dir) Option { return func(e *Engine) { e.dir = dir } }

// WithBus задаёт шину для replay.playback_completed и replay.decode_warning
func WithBus(bus eventbus.EventBus) Option { return func(e *Engine) { e.bus = bus } }

// WithMetrics задаёт метрики
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger задаёт логгер
func WithLogger(l *logging.Logger) Option { return func(e *Engine) { e.log = l } }

// OnComplete вызывается один раз, когда воспроизведение дошло до последнего кадра
func OnComplete(fn func(replay.Header)) Option { return func(e *Engine) { e.onComplete = fn } }

// OnWarning вызывается, если файл прочитан не полностью
func OnWarning(fn func(error)) Option { return func(e *Engine) { e.onWarning = fn } }

// New создаёт движок. leases должен быть общим с каталогом, чтобы удаление видело открытые файлы.
func New(cfg config.PlaybackConfig, leases *storage.Leases, opts ...Option) *Engine {
	e := &Engine{
		speeds: append([]float64(nil), cfg.Speeds...),
		skip:   cfg.SkipSeconds,
		leases: leases,
		cursor: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.speeds) == 0 {
		e.speeds = []float64{0.5, 1, 2}
	}
	if e.skip <= 0 {
		e.skip = defaultSkipSz
	}
	if e.leases == nil {
		e.leases = storage.NewLeases()
	}
	if e.log == nil {
		e.log = logging.GetPlaybackLogger()
	}
	e.metrics = observability.OrDiscard(e.metrics)
	e.speed = e.speeds[0]
	if e.allowed(defaultSpeed) {
		e.speed = defaultSpeed
	}
	return e
}

// Load читает реплей целиком в память и переводит движок в Ready.
// Если поток оборван посередине, сохраняется исправная часть и выставляется Warning.
func (e *Engine) Load(ctx context.Context, ref storage.FileRef) (err error) {
	ctx, span := observability.Tracer().Start(ctx, "playback.Load")
	defer span.End()
	span.SetAttributes(attribute.String("replay.file", ref.Name))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	e.mu.Lock()
	if e.state == Loading {
		e.mu.Unlock()
		return fmt.Errorf("%w: load while %s", replay.ErrInvalidState, Loading)
	}
	if e.state.loaded() {
		e.log.Debug("Загрузка %s прерывает текущее воспроизведение %s", ref.Name, e.ref.Name)
		e.unload()
	}
	e.state = Loading
	e.mu.Unlock()

	started := time.Now()
	l, err := e.load(ctx, ref)

	e.mu.Lock()
	if err != nil {
		e.state = Stopped
		e.mu.Unlock()
		e.log.Warn("Реплей %s не загружен: %v", ref.Name, err)
		return err
	}
	e.ref = ref
	e.header = l.header
	e.frames = l.frames
	e.times = l.times
	e.keys = l.keys
	e.warning = l.warning
	e.release = l.release
	e.clock = 0
	e.dec = codec.NewDecoder()
	e.cursor = -1
	e.state = Ready
	e.mu.Unlock()

	e.metrics.LoadDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("replay.frames", len(l.frames)))
	e.log.Info("▶️ Реплей %s загружен: %d кадров, %.1f с", ref.Name, len(l.frames), l.duration())

	if l.warning != nil {
		e.metrics.DecodeWarnings.Inc()
		e.log.Warn("⚠️ Реплей %s прочитан частично (%d из %d кадров): %v",
			ref.Name, len(l.frames), l.header.FrameCount, l.warning)
		if e.onWarning != nil {
			e.onWarning(l.warning)
		}
		ev := eventbus.ReplayEvent{Name: ref.Name, ID: l.header.ID, Frames: len(l.frames), Error: l.warning.Error()}
		if err := eventbus.Emit(ctx, e.bus, source, eventbus.TypeDecodeWarning, ev); err != nil {
			e.log.Warn("Событие %s не опубликовано: %v", eventbus.TypeDecodeWarning, err)
		}
	}
	return nil
}

type loaded struct {
	header  replay.Header
	frames  []codec.Frame
	times   []float64
	keys    []int
	warning error
	release func()
}

func (l *loaded) duration() float64 {
	if len(l.times) == 0 {
		return 0
	}
	return l.times[len(l.times)-1]
}

// load выполняется без блокировки движка. Файл закрывается на любом пути,
// блокировка файла отпускается на любом пути, кроме успешного.
func (e *Engine) load(ctx context.Context, ref storage.FileRef) (*loaded, error) {
	if e.dir != nil {
		if ref.Path == "" {
			r, err := e.dir.Ref(ref.Name)
			if err != nil {
				return nil, err
			}
			ref = r
		}
		if err := e.dir.Validate(ref); err != nil {
			return nil, err
		}
	}

	release, err := e.leases.Acquire(ref.Path)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	r, err := container.Open(ref.Path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	h := r.Header()
	if h.TickRate <= 0 {
		return nil, replay.Errorf(replay.KindSchema, "load", ref.Path, fmt.Errorf("tick rate %d", h.TickRate))
	}
	l := &loaded{
		header: h,
		frames: make([]codec.Frame, 0, h.FrameCount),
		times:  make([]float64, 0, h.FrameCount),
	}

	// Кадры прогоняются через декодер при загрузке, чтобы логическая порча
	// обнаружилась здесь, а не посреди воспроизведения.
	dec := codec.NewDecoder()
	var first uint64
	for r.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := r.Frame()
		if err := dec.Apply(&f); err != nil {
			l.warning = replay.Errorf(replay.KindDecode, "load", ref.Path,
				fmt.Errorf("frame %d: %w", len(l.frames), err))
			break
		}
		tick := r.Tick()
		if len(l.frames) == 0 {
			first = tick
		}
		if f.Keyframe {
			l.keys = append(l.keys, len(l.frames))
		}
		l.frames = append(l.frames, f)
		l.times = append(l.times, float64(tick-first)/float64(h.TickRate))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.warning == nil {
		l.warning = r.Err()
	}
	if len(l.frames) == 0 {
		if l.warning != nil {
			return nil, l.warning
		}
		return nil, replay.Errorf(replay.KindDecode, "load", ref.Path, errors.New("replay has no frames"))
	}

	ok = true
	l.release = release
	return l, nil
}

// unload отпускает файл и кадры. Вызывается под e.mu.
func (e *Engine) unload() {
	if e.release != nil {
		e.release()
		e.release = nil
	}
	e.frames, e.times, e.keys = nil, nil, nil
	e.dec = nil
	e.cursor = -1
	e.clock = 0
	e.warning = nil
	e.state = Stopped
}

// Play запускает или продолжает воспроизведение
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Playing:
		return nil
	case Ready, Paused:
		e.state = Playing
		return nil
	}
	return fmt.Errorf("%w: play while %s", replay.ErrInvalidState, e.state)
}

// Pause приостанавливает воспроизведение
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Paused:
		return nil
	case Playing:
		e.state = Paused
		return nil
	}
	return fmt.Errorf("%w: pause while %s", replay.ErrInvalidState, e.state)
}

// TogglePause переключает паузу; из Ready запускает воспроизведение
func (e *Engine) TogglePause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Playing:
		e.state = Paused
		return nil
	case Ready, Paused:
		e.state = Playing
		return nil
	}
	return fmt.Errorf("%w: toggle pause while %s", replay.ErrInvalidState, e.state)
}

// Stop прекращает воспроизведение и освобождает файл. Повторный вызов безопасен.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.loaded() {
		e.log.Debug("⏹️ Воспроизведение %s остановлено на %.2f с", e.ref.Name, e.clock)
	}
	e.unload()
}

// Seek переводит виртуальные часы на seconds, ограничивая их длительностью записи
func (e *Engine) Seek(seconds float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.loaded() {
		return fmt.Errorf("%w: seek while %s", replay.ErrInvalidState, e.state)
	}
	e.clock = e.clamp(seconds)
	return nil
}

// Skip сдвигает часы на delta секунд вперёд или назад
func (e *Engine) Skip(delta float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.loaded() {
		return fmt.Errorf("%w: skip while %s", replay.ErrInvalidState, e.state)
	}
	e.clock = e.clamp(e.clock + delta)
	return nil
}

// SkipForward и SkipBackward сдвигают часы на настроенный шаг
func (e *Engine) SkipForward() error  { return e.Skip(e.skip) }
func (e *Engine) SkipBackward() error { return e.Skip(-e.skip) }

func (e *Engine) clamp(t float64) float64 {
	if math.IsNaN(t) || t < 0 {
		return 0
	}
	if d := e.duration(); t > d {
		return d
	}
	return t
}

// SetSpeed меняет множитель скорости. Допустимы только настроенные значения;
// позиция часов не меняется.
func (e *Engine) SetSpeed(mult float64) error {
	if !e.allowed(mult) {
		return fmt.Errorf("%w: %g (allowed %v)", replay.ErrInvalidSpeed, mult, e.speeds)
	}
	e.mu.Lock()
	e.speed = mult
	e.mu.Unlock()
	return nil
}

func (e *Engine) allowed(mult float64) bool {
	for _, s := range e.speeds {
		if math.Abs(s-mult) < speedEpsilon {
			return true
		}
	}
	return false
}

// Speeds возвращает допустимые множители скорости
func (e *Engine) Speeds() []float64 { return append([]float64(nil), e.speeds...) }

// Advance двигает часы на realDt с учётом скорости и возвращает снимок последнего кадра,
// чьё время не позже часов. На паузе и в Ready часы стоят, снимок возвращается текущий.
// Достижение последнего кадра возвращает его, останавливает движок и сообщает о завершении один раз.
// false - нечего показывать.
func (e *Engine) Advance(realDt time.Duration) (replay.Snapshot, bool) {
	e.mu.Lock()
	if !e.state.loaded() {
		e.mu.Unlock()
		return replay.Snapshot{}, false
	}
	if e.state == Playing && realDt > 0 {
		e.clock += realDt.Seconds() * e.speed
	}
	finished := e.state == Playing && e.clock >= e.duration()
	if finished {
		e.clock = e.duration()
	}

	snap, err := e.snapshotAt(e.indexAt(e.clock))
	if err != nil {
		// кадры проверены при загрузке, сюда попадать не должны
		e.log.Error("Восстановление кадра %s не удалось: %v", e.ref.Name, err)
		e.unload()
		e.mu.Unlock()
		return replay.Snapshot{}, false
	}
	if !finished {
		e.mu.Unlock()
		return snap, true
	}

	h, name, frames := e.header, e.ref.Name, len(e.frames)
	e.unload()
	e.mu.Unlock()

	e.complete(h, name, frames)
	return snap, true
}

func (e *Engine) complete(h replay.Header, name string, frames int) {
	e.metrics.PlaybackCompleted.Inc()
	e.log.Info("🏁 Воспроизведение %s завершено", name)
	if e.onComplete != nil {
		e.onComplete(h)
	}
	ev := eventbus.ReplayEvent{
		Name:     name,
		ID:       h.ID,
		Outcome:  string(h.Outcome),
		Score:    h.FinalScore,
		Frames:   frames,
		Duration: h.Duration().Seconds(),
	}
	if err := eventbus.Emit(context.Background(), e.bus, source, eventbus.TypePlaybackCompleted, ev); err != nil {
		e.log.Warn("Событие %s не опубликовано: %v", eventbus.TypePlaybackCompleted, err)
	}
}

// Current возвращает снимок в текущей позиции часов, не двигая их
func (e *Engine) Current() (replay.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.loaded() {
		return replay.Snapshot{}, false
	}
	snap, err := e.snapshotAt(e.indexAt(e.clock))
	if err != nil {
		e.log.Error("Восстановление кадра %s не удалось: %v", e.ref.Name, err)
		return replay.Snapshot{}, false
	}
	return snap, true
}

// indexAt - последний кадр со временем не позже t
func (e *Engine) indexAt(t float64) int {
	i := sort.Search(len(e.times), func(i int) bool { return e.times[i] > t })
	if i == 0 {
		return 0
	}
	return i - 1
}

// snapshotAt восстанавливает кадр i. Вперёд от курсора дельты применяются по порядку,
// назад или через ключевой кадр - заново от ближайшего ключевого кадра не позже i.
func (e *Engine) snapshotAt(i int) (replay.Snapshot, error) {
	k := e.keys[sort.Search(len(e.keys), func(j int) bool { return e.keys[j] > i })-1]
	from := e.cursor + 1
	if e.cursor < k || e.cursor > i {
		e.dec.Reset()
		from = k
	}
	for j := from; j <= i; j++ {
		if err := e.dec.Apply(&e.frames[j]); err != nil {
			e.cursor = -1
			e.dec.Reset()
			return replay.Snapshot{}, err
		}
		e.cursor = j
	}
	return e.dec.Snapshot(), nil
}

// duration вызывается под e.mu
func (e *Engine) duration() float64 {
	if len(e.times) == 0 {
		return 0
	}
	return e.times[len(e.times)-1]
}

// State возвращает текущее состояние
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Position возвращает виртуальные часы в секундах
func (e *Engine) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

// Duration возвращает длительность загруженной записи в секундах
func (e *Engine) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration()
}

// Progress возвращает позицию в процентах 0..100
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.duration()
	if d <= 0 {
		return 0
	}
	return math.Min(100, e.clock/d*100)
}

// Speed возвращает текущий множитель скорости
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// Header возвращает заголовок загруженной записи
func (e *Engine) Header() (replay.Header, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.header, e.state.loaded()
}

// Frames возвращает число загруженных кадров
func (e *Engine) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

// Warning возвращает ошибку частичного чтения последней загрузки
func (e *Engine) Warning() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warning
}
