// Package recorder буферизует снимки игровой сессии и сохраняет их в файл реплея.
// Запись никогда не прерывает игру: ошибки логируются и возвращаются только из Finalize.
package recorder

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
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

const source = "recorder"

// SessionMeta - сведения о сессии, не меняющиеся по ходу игры
type SessionMeta struct {
	Difficulty string
	ShipType   string
}

// Session - активная запись
type Session struct {
	ID        string
	TickRate  int
	StartedAt time.Time
	Meta      SessionMeta

	frames   []replay.Snapshot
	calls    int
	events   int
	overflow bool
}

// Frames возвращает число кадров в буфере
func (s *Session) Frames() int { return len(s.frames) }

// Recorder - запись сессий в каталог реплеев
type Recorder struct {
	cfg     config.RecorderConfig
	dir     *storage.Dir
	minFree uint64
	bus     eventbus.EventBus
	index   storage.HeaderIndex
	metrics *observability.Metrics
	log     *logging.Logger
	now     func() time.Time

	mu         sync.Mutex
	session    *Session
	warnedIdle bool
}

// Option настраивает Recorder
type Option func(*Recorder)

// WithBus задаёт шину для событий replay.saved / replay.record_failed
func WithBus(bus eventbus.EventBus) Option { return func(r *Recorder) { r.bus = bus } }

// WithIndex задаёт индекс заголовков, пополняемый после сохранения
func WithIndex(idx storage.HeaderIndex) Option { return func(r *Recorder) { r.index = idx } }

// WithMetrics задаёт метрики
func WithMetrics(m *observability.Metrics) Option { return func(r *Recorder) { r.metrics = m } }

// WithMinFree задаёт минимум свободного места перед сохранением
func WithMinFree(bytes uint64) Option { return func(r *Recorder) { r.minFree = bytes } }

// WithLogger задаёт логгер
func WithLogger(l *logging.Logger) Option { return func(r *Recorder) { r.log = l } }

// WithClock подменяет источник времени
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// New создаёт Recorder. Нулевые значения cfg заменяются значениями по умолчанию.
func New(cfg config.RecorderConfig, dir *storage.Dir, opts ...Option) *Recorder {
	def := config.Default().Recorder
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = def.MaxFrames
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = def.SampleEvery
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = def.KeyframeInterval
	}
	r := &Recorder{
		cfg: cfg,
		dir: dir,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.GetRecorderLogger()
	}
	r.metrics = observability.OrDiscard(r.metrics)
	return r
}

// BeginSession начинает запись. Активная запись при этом отбрасывается.
func (r *Recorder) BeginSession(tickRate int, meta SessionMeta) (*Session, error) {
	if tickRate <= 0 {
		return nil, replay.Errorf(replay.KindRecord, "begin", "", fmt.Errorf("tick rate must be positive, got %d", tickRate))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		r.log.Warn("⚠️ Новая сессия начата поверх незавершённой %s: %d кадров отброшено", r.session.ID, len(r.session.frames))
		r.metrics.FramesDropped.WithLabelValues("abandoned").Add(float64(len(r.session.frames)))
	}
	r.session = &Session{
		ID:        uuid.NewString(),
		TickRate:  tickRate,
		StartedAt: r.now().UTC(),
		Meta:      meta,
		frames:    make([]replay.Snapshot, 0, min(r.cfg.MaxFrames, 4096)),
	}
	r.warnedIdle = false
	r.log.Info("🎬 Запись сессии %s начата (%d тиков/с)", r.session.ID, tickRate)
	return r.session, nil
}

// Active сообщает, идёт ли запись
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// RecordTick добавляет снимок в буфер. Снимок копируется.
// Вне сессии, при невозрастающем тике, некорректном состоянии или переполнении кадр отбрасывается.
func (r *Recorder) RecordTick(snap replay.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.session
	if s == nil {
		if !r.warnedIdle {
			r.log.Warn("RecordTick вне сессии записи: кадры игнорируются")
			r.warnedIdle = true
		}
		r.metrics.FramesDropped.WithLabelValues("idle").Inc()
		return
	}

	s.calls++
	if (s.calls-1)%r.cfg.SampleEvery != 0 {
		return
	}

	if n := len(s.frames); n > 0 && snap.Tick <= s.frames[n-1].Tick {
		r.log.Warn("Тик %d не возрастает (последний %d): кадр отброшен", snap.Tick, s.frames[n-1].Tick)
		r.metrics.FramesDropped.WithLabelValues("tick_order").Inc()
		return
	}
	if err := validateSnapshot(&snap); err != nil {
		r.log.Warn("Некорректный снимок на тике %d: %v", snap.Tick, err)
		r.metrics.FramesDropped.WithLabelValues("bad_state").Inc()
		return
	}
	if len(s.frames) >= r.cfg.MaxFrames {
		if !s.overflow {
			r.log.Warn("⚠️ Буфер записи заполнен (%d кадров): дальнейшие кадры отбрасываются", r.cfg.MaxFrames)
			s.overflow = true
		}
		r.metrics.FramesDropped.WithLabelValues("overflow").Inc()
		return
	}

	clone := snap.Clone()
	s.events += len(clone.Events)
	s.frames = append(s.frames, clone)
	r.metrics.FramesRecorded.Inc()
}

// RecordEvent прикрепляет событие к последнему записанному кадру
func (r *Recorder) RecordEvent(kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.session
	if s == nil || len(s.frames) == 0 {
		r.log.Debug("Событие %s без записанного кадра отброшено", kind)
		return
	}
	last := &s.frames[len(s.frames)-1]
	last.Events = append(last.Events, replay.Event{Kind: kind, Detail: detail})
	s.events++
}

// Discard прекращает запись без сохранения
func (r *Recorder) Discard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session != nil {
		r.log.Info("Запись сессии %s отменена", r.session.ID)
		r.session = nil
	}
}

func validateSnapshot(s *replay.Snapshot) error {
	bad := func(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }
	p := s.Player
	if bad(p.Position.X) || bad(p.Position.Y) || bad(p.Velocity.X) || bad(p.Velocity.Y) || bad(p.Heading) {
		return fmt.Errorf("player has non-finite values")
	}
	for _, c := range replay.Classes {
		list := s.Entities(c)
		seen := make(map[uint32]struct{}, len(list))
		for i := range list {
			e := &list[i]
			if e.Class != c && e.Class != 0 {
				return fmt.Errorf("%s list contains %s entity %d", c, e.Class, e.ID)
			}
			if _, dup := seen[e.ID]; dup {
				return fmt.Errorf("duplicate %s id %d", c, e.ID)
			}
			seen[e.ID] = struct{}{}
			if bad(e.Position.X) || bad(e.Position.Y) || bad(e.Heading) || bad(e.Size) {
				return fmt.Errorf("%s %d has non-finite values", c, e.ID)
			}
		}
	}
	return nil
}

// Finalize сохраняет сессию. Буфер освобождается при любом исходе.
// Ошибка всегда *replay.Error вида KindRecord.
func (r *Recorder) Finalize(ctx context.Context, outcome replay.Outcome, score, level int) (storage.FileRef, error) {
	ctx, span := observability.Tracer().Start(ctx, "recorder.Finalize")
	defer span.End()

	r.mu.Lock()
	s := r.session
	r.session = nil
	r.mu.Unlock()

	if s == nil {
		span.SetStatus(codes.Error, "no session")
		return storage.FileRef{}, replay.Errorf(replay.KindRecord, "finalize", "", replay.ErrNoSession)
	}
	span.SetAttributes(
		attribute.String("replay.id", s.ID),
		attribute.Int("replay.frames", len(s.frames)),
	)

	ref, size, err := r.save(ctx, s, outcome, score, level)
	if err != nil {
		r.metrics.RecordFailures.Inc()
		r.log.Error("❌ Не удалось сохранить реплей %s: %v", s.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if perr := eventbus.Emit(ctx, r.bus, source, eventbus.TypeRecordFailed, eventbus.ReplayEvent{
			ID:     s.ID,
			Name:   ref.Name,
			Frames: len(s.frames),
			Error:  err.Error(),
		}); perr != nil {
			r.log.Warn("Событие %s не опубликовано: %v", eventbus.TypeRecordFailed, perr)
		}
		return storage.FileRef{}, replay.Errorf(replay.KindRecord, "finalize", ref.Path, err)
	}

	r.metrics.ReplaysSaved.Inc()
	r.metrics.BytesWritten.Add(float64(size))
	r.log.Info("💾 Реплей %s сохранён: %d кадров, %d байт", ref.Name, len(s.frames), size)
	if perr := eventbus.Emit(ctx, r.bus, source, eventbus.TypeReplaySaved, eventbus.ReplayEvent{
		ID:      s.ID,
		Name:    ref.Name,
		Outcome: string(outcome),
		Score:   score,
		Frames:  len(s.frames),
		Bytes:   size,
	}); perr != nil {
		r.log.Warn("Событие %s не опубликовано: %v", eventbus.TypeReplaySaved, perr)
	}
	return ref, nil
}

func (r *Recorder) save(ctx context.Context, s *Session, outcome replay.Outcome, score, level int) (storage.FileRef, int64, error) {
	if !outcome.Valid() {
		return storage.FileRef{}, 0, fmt.Errorf("unknown outcome %q", outcome)
	}
	if len(s.frames) == 0 {
		return storage.FileRef{}, 0, fmt.Errorf("session %s has no frames", s.ID)
	}
	if r.dir == nil {
		return storage.FileRef{}, 0, fmt.Errorf("replay directory is not configured")
	}
	if err := r.dir.EnsureFree(r.minFree); err != nil {
		return storage.FileRef{}, 0, err
	}

	header := replay.Header{
		SchemaVersion:    replay.SchemaVersion,
		ID:               s.ID,
		CreatedAt:        s.StartedAt,
		TickRate:         s.TickRate,
		FrameCount:       len(s.frames),
		FirstTick:        s.frames[0].Tick,
		LastTick:         s.frames[len(s.frames)-1].Tick,
		FinalScore:       score,
		FinalLevel:       level,
		Outcome:          outcome,
		Difficulty:       s.Meta.Difficulty,
		ShipType:         s.Meta.ShipType,
		EventCount:       s.events,
		KeyframeInterval: r.cfg.KeyframeInterval,
		Quantization:     codec.SchemaQuantization(),
	}

	ref, err := r.dir.NewFileName(s.StartedAt, s.ID)
	if err != nil {
		return storage.FileRef{}, 0, err
	}

	// кадры кодируются по одному прямо в поток записи
	enc := codec.NewEncoder(r.cfg.KeyframeInterval)
	frames := func(emit func(*codec.Frame) error) error {
		for i := range s.frames {
			f := enc.Encode(&s.frames[i])
			if err := emit(&f); err != nil {
				return err
			}
		}
		return nil
	}

	size, err := container.WriteFile(ctx, ref.Path, header, frames, container.WithLevel(r.cfg.CompressionLevel))
	if err != nil {
		return ref, 0, err
	}

	if r.index != nil {
		if info, serr := os.Stat(ref.Path); serr == nil {
			if ierr := r.index.Put(ctx, ref.Name, info.Size(), info.ModTime(), header); ierr != nil {
				r.log.Warn("Индекс заголовков не обновлён для %s: %v", ref.Name, ierr)
			}
		}
	}
	return ref, size, nil
}
