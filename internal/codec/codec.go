package codec

import (
	"errors"
	"fmt"

	"github.com/annel0/asteroids-replay/internal/replay"
)

var (
	// ErrNoBase - дельта-кадр без предыдущего состояния
	ErrNoBase = errors.New("codec: delta frame without base state")
	// ErrUnknownEntity - обновление или удаление отсутствующей сущности
	ErrUnknownEntity = errors.New("codec: operation on unknown entity")
	// ErrBadOp - неизвестный вид операции или класс
	ErrBadOp = errors.New("codec: invalid entity operation")
	// ErrBadOrder - список порядка не совпадает с множеством сущностей
	ErrBadOrder = errors.New("codec: order list does not match entity set")
	// ErrTickOrder - тик не возрастает
	ErrTickOrder = errors.New("codec: tick does not increase")
)

// Encode кодирует снимок относительно prev. При prev == nil получается ключевой кадр.
func Encode(snap *replay.Snapshot, prev *replay.Snapshot) Frame {
	next := quantize(snap)
	if prev == nil {
		return diff(newState(), next, true)
	}
	return diff(quantize(prev), next, false)
}

// Decode восстанавливает снимок из кадра и предыдущего декодированного снимка.
// Ключевой кадр не зависит от prev.
func Decode(f *Frame, prev *replay.Snapshot) (replay.Snapshot, error) {
	st := newState()
	if prev != nil {
		st = quantize(prev)
	}
	if err := st.apply(f); err != nil {
		return replay.Snapshot{}, err
	}
	return st.snapshot(), nil
}

// Encoder хранит квантованное состояние последнего кадра и решает,
// когда писать ключевой кадр
type Encoder struct {
	interval int
	frames   int
	prev     *state
}

// NewEncoder создаёт кодировщик. interval <= 0 означает DefaultKeyframeInterval.
func NewEncoder(interval int) *Encoder {
	if interval <= 0 {
		interval = DefaultKeyframeInterval
	}
	return &Encoder{interval: interval}
}

// Encode кодирует следующий снимок последовательности
func (e *Encoder) Encode(snap *replay.Snapshot) Frame {
	next := quantize(snap)
	var f Frame
	if e.prev == nil || e.frames%e.interval == 0 {
		f = diff(newState(), next, true)
	} else {
		f = diff(e.prev, next, false)
	}
	e.prev = next
	e.frames++
	return f
}

// Frames возвращает число закодированных кадров
func (e *Encoder) Frames() int { return e.frames }

// Interval возвращает интервал ключевых кадров
func (e *Encoder) Interval() int { return e.interval }

// Decoder применяет кадры последовательно к квантованному состоянию
type Decoder struct {
	st *state
}

// NewDecoder создаёт декодер без базового состояния
func NewDecoder() *Decoder {
	return &Decoder{st: newState()}
}

// Decode применяет кадр и возвращает восстановленный снимок.
// При ошибке состояние декодера не определено; нужен Reset и ключевой кадр.
func (d *Decoder) Decode(f *Frame) (replay.Snapshot, error) {
	if err := d.st.apply(f); err != nil {
		d.st.valid = false
		return replay.Snapshot{}, err
	}
	return d.st.snapshot(), nil
}

// Apply применяет кадр без построения снимка; используется при перемотке
func (d *Decoder) Apply(f *Frame) error {
	if err := d.st.apply(f); err != nil {
		d.st.valid = false
		return err
	}
	return nil
}

// Snapshot возвращает текущее состояние декодера
func (d *Decoder) Snapshot() replay.Snapshot {
	return d.st.snapshot()
}

// Tick возвращает тик последнего применённого кадра
func (d *Decoder) Tick() uint64 { return d.st.tick }

// Reset сбрасывает состояние; следующим должен идти ключевой кадр
func (d *Decoder) Reset() {
	d.st = newState()
}

func diff(prev, next *state, keyframe bool) Frame {
	f := Frame{Keyframe: keyframe, Tick: next.tick}
	if !keyframe {
		f.Tick = next.tick - prev.tick
	}
	f.Player = diffPlayer(&prev.player, &next.player)
	if len(next.events) > 0 {
		f.Events = append([]replay.Event(nil), next.events...)
	}

	for _, c := range replay.Classes {
		idx := classIndex(c)
		prevOrder, nextOrder := prev.order[idx], next.order[idx]

		survivors := make([]uint32, 0, len(prevOrder))
		for _, id := range prevOrder {
			if _, ok := next.entities[entityKey{class: c, id: id}]; ok {
				survivors = append(survivors, id)
				continue
			}
			f.Ops = append(f.Ops, EntityOp{Op: OpRemove, Class: c, ID: id})
		}

		expected := survivors
		for _, id := range nextOrder {
			k := entityKey{class: c, id: id}
			ne := next.entities[k]
			pe, ok := prev.entities[k]
			if !ok {
				f.Ops = append(f.Ops, addOp(c, id, &ne))
				expected = append(expected, id)
				continue
			}
			if op, changed := updateOp(c, id, &pe, &ne); changed {
				f.Ops = append(f.Ops, op)
			}
		}

		if !sameIDs(expected, nextOrder) {
			f.Orders = append(f.Orders, OrderList{
				Class: c,
				IDs:   append([]uint32(nil), nextOrder...),
			})
		}
	}
	return f
}

func diffPlayer(prev, next *qPlayer) PlayerDelta {
	var d PlayerDelta
	setDelta := func(dst *int64, a, b int64, bit PlayerMask) {
		if a != b {
			*dst = b - a
			d.Mask |= bit
		}
	}
	setDelta(&d.X, int64(prev.pos.X), int64(next.pos.X), PlayerX)
	setDelta(&d.Y, int64(prev.pos.Y), int64(next.pos.Y), PlayerY)
	setDelta(&d.VX, int64(prev.vel.X), int64(next.vel.X), PlayerVX)
	setDelta(&d.VY, int64(prev.vel.Y), int64(next.vel.Y), PlayerVY)
	setDelta(&d.Heading, prev.heading, next.heading, PlayerHeading)
	setDelta(&d.Lives, prev.lives, next.lives, PlayerLives)
	setDelta(&d.Score, prev.score, next.score, PlayerScore)
	setDelta(&d.Level, prev.level, next.level, PlayerLevel)
	if prev.powerUp != next.powerUp {
		d.PowerUp = next.powerUp
		d.Mask |= PlayerPowerUp
	}
	if prev.invulnerable != next.invulnerable {
		d.Invulnerable = next.invulnerable
		d.Mask |= PlayerInvulnerable
	}
	return d
}

func addOp(c replay.Class, id uint32, e *qEntity) EntityOp {
	return EntityOp{
		Op:      OpAdd,
		Class:   c,
		ID:      id,
		Mask:    fieldAll,
		Type:    e.typ,
		X:       int64(e.pos.X),
		Y:       int64(e.pos.Y),
		Heading: e.heading,
		Size:    e.size,
		Variant: e.variant,
	}
}

func updateOp(c replay.Class, id uint32, prev, next *qEntity) (EntityOp, bool) {
	op := EntityOp{Op: OpUpdate, Class: c, ID: id}
	if prev.typ != next.typ {
		op.Type = next.typ
		op.Mask |= FieldType
	}
	if prev.pos.X != next.pos.X {
		op.X = int64(next.pos.X - prev.pos.X)
		op.Mask |= FieldX
	}
	if prev.pos.Y != next.pos.Y {
		op.Y = int64(next.pos.Y - prev.pos.Y)
		op.Mask |= FieldY
	}
	if prev.heading != next.heading {
		op.Heading = next.heading - prev.heading
		op.Mask |= FieldHeading
	}
	if prev.size != next.size {
		op.Size = next.size - prev.size
		op.Mask |= FieldSize
	}
	if prev.variant != next.variant {
		op.Variant = next.variant
		op.Mask |= FieldVariant
	}
	return op, op.Mask != 0
}

func sameIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// apply применяет кадр к состоянию
func (st *state) apply(f *Frame) error {
	if f.Keyframe {
		*st = state{entities: make(map[entityKey]qEntity, len(f.Ops))}
		st.tick = f.Tick
	} else {
		if !st.valid {
			return ErrNoBase
		}
		if f.Tick == 0 {
			return fmt.Errorf("%w: delta 0 after tick %d", ErrTickOrder, st.tick)
		}
		st.tick += f.Tick
	}
	st.valid = true
	applyPlayer(&st.player, &f.Player)
	st.events = f.Events

	var (
		dirty   [len(replay.Classes)]bool
		added   [len(replay.Classes)][]uint32
		readded map[entityKey]bool
	)
	for i := range f.Ops {
		op := &f.Ops[i]
		if !op.Class.Valid() {
			return fmt.Errorf("%w: class %d", ErrBadOp, op.Class)
		}
		k := entityKey{class: op.Class, id: op.ID}
		idx := classIndex(op.Class)
		switch op.Op {
		case OpAdd:
			// повторно использованный id: новая сущность заменяет старую и встаёт в конец
			if readded == nil {
				readded = make(map[entityKey]bool)
			}
			readded[k] = true
			st.entities[k] = qEntity{
				typ:     op.Type,
				pos:     vecOf(op.X, op.Y),
				heading: op.Heading,
				size:    op.Size,
				variant: op.Variant,
			}
			added[idx] = append(added[idx], op.ID)
			dirty[idx] = true
		case OpUpdate:
			e, ok := st.entities[k]
			if !ok {
				return fmt.Errorf("%w: update %s %d", ErrUnknownEntity, op.Class, op.ID)
			}
			applyUpdate(&e, op)
			st.entities[k] = e
		case OpRemove:
			if _, ok := st.entities[k]; !ok {
				return fmt.Errorf("%w: remove %s %d", ErrUnknownEntity, op.Class, op.ID)
			}
			delete(st.entities, k)
			dirty[idx] = true
		default:
			return fmt.Errorf("%w: op %d", ErrBadOp, op.Op)
		}
	}

	for _, c := range replay.Classes {
		idx := classIndex(c)
		if !dirty[idx] {
			continue
		}
		old := st.order[idx]
		order := make([]uint32, 0, len(old)+len(added[idx]))
		for _, id := range old {
			k := entityKey{class: c, id: id}
			if _, ok := st.entities[k]; ok && !readded[k] {
				order = append(order, id)
			}
		}
		seen := make(map[uint32]bool, len(added[idx]))
		for _, id := range added[idx] {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, ok := st.entities[entityKey{class: c, id: id}]; ok {
				order = append(order, id)
			}
		}
		st.order[idx] = order
	}

	for i := range f.Orders {
		if err := st.reorder(&f.Orders[i]); err != nil {
			return err
		}
	}
	return nil
}

func (st *state) reorder(o *OrderList) error {
	if !o.Class.Valid() {
		return fmt.Errorf("%w: class %d", ErrBadOrder, o.Class)
	}
	idx := classIndex(o.Class)
	if len(o.IDs) != len(st.order[idx]) {
		return fmt.Errorf("%w: %s has %d entities, order lists %d",
			ErrBadOrder, o.Class, len(st.order[idx]), len(o.IDs))
	}
	seen := make(map[uint32]bool, len(o.IDs))
	for _, id := range o.IDs {
		if _, ok := st.entities[entityKey{class: o.Class, id: id}]; !ok || seen[id] {
			return fmt.Errorf("%w: %s id %d", ErrBadOrder, o.Class, id)
		}
		seen[id] = true
	}
	st.order[idx] = append(st.order[idx][:0:0], o.IDs...)
	return nil
}

func applyPlayer(p *qPlayer, d *PlayerDelta) {
	if d.Mask&PlayerX != 0 {
		p.pos.X += int(d.X)
	}
	if d.Mask&PlayerY != 0 {
		p.pos.Y += int(d.Y)
	}
	if d.Mask&PlayerVX != 0 {
		p.vel.X += int(d.VX)
	}
	if d.Mask&PlayerVY != 0 {
		p.vel.Y += int(d.VY)
	}
	if d.Mask&PlayerHeading != 0 {
		p.heading += d.Heading
	}
	if d.Mask&PlayerLives != 0 {
		p.lives += d.Lives
	}
	if d.Mask&PlayerScore != 0 {
		p.score += d.Score
	}
	if d.Mask&PlayerLevel != 0 {
		p.level += d.Level
	}
	if d.Mask&PlayerPowerUp != 0 {
		p.powerUp = d.PowerUp
	}
	if d.Mask&PlayerInvulnerable != 0 {
		p.invulnerable = d.Invulnerable
	}
}

func applyUpdate(e *qEntity, op *EntityOp) {
	if op.Mask&FieldType != 0 {
		e.typ = op.Type
	}
	if op.Mask&FieldX != 0 {
		e.pos.X += int(op.X)
	}
	if op.Mask&FieldY != 0 {
		e.pos.Y += int(op.Y)
	}
	if op.Mask&FieldHeading != 0 {
		e.heading += op.Heading
	}
	if op.Mask&FieldSize != 0 {
		e.size += op.Size
	}
	if op.Mask&FieldVariant != 0 {
		e.variant = op.Variant
	}
}
