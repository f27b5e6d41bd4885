// Package codec квантует снимки кадров и кодирует их дельтами относительно
// предыдущего кадра. Функции пакета чистые: без ввода-вывода и глобального состояния.
package codec

import (
	"math"

	"github.com/annel0/asteroids-replay/internal/replay"
	"github.com/annel0/asteroids-replay/internal/vec"
)

// Шаги квантования схемы v1. Максимальная ошибка восстановления - половина шага.
const (
	PositionStep = 0.01 // единицы экрана
	VelocityStep = 0.01 // единицы экрана в секунду
	HeadingStep  = 0.01 // градусы
	SizeStep     = 0.01
)

// Epsilon - гарантированная граница ошибки для числовых полей
const Epsilon = PositionStep / 2

// DefaultKeyframeInterval - через сколько кадров принудительно пишется ключевой кадр
const DefaultKeyframeInterval = 120

// SchemaQuantization возвращает шаги для записи в заголовок
func SchemaQuantization() replay.Quantization {
	return replay.Quantization{
		PositionStep: PositionStep,
		VelocityStep: VelocityStep,
		HeadingStep:  HeadingStep,
		SizeStep:     SizeStep,
	}
}

type entityKey struct {
	class replay.Class
	id    uint32
}

type qEntity struct {
	typ     uint16
	pos     vec.Vec2
	heading int64
	size    int64
	variant uint32
}

type qPlayer struct {
	pos          vec.Vec2
	vel          vec.Vec2
	heading      int64
	lives        int64
	powerUp      uint16
	invulnerable bool
	score        int64
	level        int64
}

// state - квантованное состояние мира; по нему считаются дельты
type state struct {
	valid    bool
	tick     uint64
	player   qPlayer
	entities map[entityKey]qEntity
	order    [len(replay.Classes)][]uint32
	events   []replay.Event
}

func newState() *state {
	return &state{entities: make(map[entityKey]qEntity)}
}

func classIndex(c replay.Class) int {
	return int(c) - 1
}

func quantizeScalar(v, step float64) int64 {
	return int64(math.Round(v / step))
}

func vecOf(x, y int64) vec.Vec2 {
	return vec.Vec2{X: int(x), Y: int(y)}
}

// quantize переводит снимок в квантованное состояние.
// Повтор id внутри одного класса нарушает контракт вызывающего; сохраняется первое вхождение.
func quantize(s *replay.Snapshot) *state {
	st := &state{
		valid:    true,
		tick:     s.Tick,
		entities: make(map[entityKey]qEntity, s.EntityCount()),
		events:   s.Events,
	}
	p := s.Player
	st.player = qPlayer{
		pos:          p.Position.Quantize(PositionStep),
		vel:          p.Velocity.Quantize(VelocityStep),
		heading:      quantizeScalar(p.Heading, HeadingStep),
		lives:        int64(p.Lives),
		powerUp:      p.PowerUp,
		invulnerable: p.Invulnerable,
		score:        int64(s.Score),
		level:        int64(s.Level),
	}
	for _, c := range replay.Classes {
		list := s.Entities(c)
		if len(list) == 0 {
			continue
		}
		order := make([]uint32, 0, len(list))
		for i := range list {
			e := &list[i]
			k := entityKey{class: c, id: e.ID}
			if _, dup := st.entities[k]; dup {
				continue
			}
			st.entities[k] = qEntity{
				typ:     e.Type,
				pos:     e.Position.Quantize(PositionStep),
				heading: quantizeScalar(e.Heading, HeadingStep),
				size:    quantizeScalar(e.Size, SizeStep),
				variant: e.Variant,
			}
			order = append(order, e.ID)
		}
		st.order[classIndex(c)] = order
	}
	return st
}

// snapshot восстанавливает снимок из квантованного состояния
func (st *state) snapshot() replay.Snapshot {
	p := st.player
	s := replay.Snapshot{
		Tick: st.tick,
		Player: replay.Player{
			Position:     vec.Dequantize(p.pos, PositionStep),
			Velocity:     vec.Dequantize(p.vel, VelocityStep),
			Heading:      float64(p.heading) * HeadingStep,
			Lives:        int(p.lives),
			PowerUp:      p.powerUp,
			Invulnerable: p.invulnerable,
		},
		Score: int(p.score),
		Level: int(p.level),
	}
	if len(st.events) > 0 {
		s.Events = append([]replay.Event(nil), st.events...)
	}
	for _, c := range replay.Classes {
		order := st.order[classIndex(c)]
		if len(order) == 0 {
			continue
		}
		list := make([]replay.Entity, 0, len(order))
		for _, id := range order {
			e := st.entities[entityKey{class: c, id: id}]
			list = append(list, replay.Entity{
				ID:       id,
				Class:    c,
				Type:     e.typ,
				Position: vec.Dequantize(e.pos, PositionStep),
				Heading:  float64(e.heading) * HeadingStep,
				Size:     float64(e.size) * SizeStep,
				Variant:  e.variant,
			})
		}
		s.SetEntities(c, list)
	}
	return s
}
