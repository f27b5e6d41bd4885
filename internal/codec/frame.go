package codec

import "github.com/annel0/asteroids-replay/internal/replay"

// OpKind - вид операции над сущностью
type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpUpdate
	OpRemove
)

// FieldMask отмечает поля, присутствующие в операции
type FieldMask uint8

const (
	FieldType FieldMask = 1 << iota
	FieldX
	FieldY
	FieldHeading
	FieldSize
	FieldVariant

	fieldAll = FieldType | FieldX | FieldY | FieldHeading | FieldSize | FieldVariant
)

// EntityOp - добавление, обновление или удаление одной сущности.
// Для добавления числовые поля абсолютные, для обновления - дельты в квантах.
// Type и Variant всегда абсолютные.
type EntityOp struct {
	Op      OpKind
	Class   replay.Class
	ID      uint32
	Mask    FieldMask
	Type    uint16
	X, Y    int64
	Heading int64
	Size    int64
	Variant uint32
}

// PlayerMask отмечает изменившиеся поля игрока
type PlayerMask uint16

const (
	PlayerX PlayerMask = 1 << iota
	PlayerY
	PlayerVX
	PlayerVY
	PlayerHeading
	PlayerLives
	PlayerPowerUp
	PlayerInvulnerable
	PlayerScore
	PlayerLevel
)

// PlayerDelta - изменения состояния игрока, счёта и уровня.
// PowerUp и Invulnerable абсолютные, остальное - дельты.
type PlayerDelta struct {
	Mask         PlayerMask
	X, Y         int64
	VX, VY       int64
	Heading      int64
	Lives        int64
	PowerUp      uint16
	Invulnerable bool
	Score        int64
	Level        int64
}

// OrderList - явный порядок сущностей класса, если он не выводится из операций
type OrderList struct {
	Class replay.Class
	IDs   []uint32
}

// Frame - закодированный кадр.
// Ключевой кадр хранит абсолютный тик и декодируется без предыдущего состояния,
// дельта-кадр хранит приращение тика.
type Frame struct {
	Keyframe bool
	Tick     uint64
	Player   PlayerDelta
	Ops      []EntityOp
	Orders   []OrderList
	Events   []replay.Event
}

// OpCounts возвращает количество добавлений, обновлений и удалений
func (f *Frame) OpCounts() (adds, updates, removes int) {
	for i := range f.Ops {
		switch f.Ops[i].Op {
		case OpAdd:
			adds++
		case OpUpdate:
			updates++
		case OpRemove:
			removes++
		}
	}
	return
}
