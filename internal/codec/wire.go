package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/annel0/asteroids-replay/internal/replay"
)

// Номера полей проводного формата кадра (protobuf wire format без сгенерированного кода)
const (
	frameTick     protowire.Number = 1
	frameKeyframe protowire.Number = 2
	framePlayer   protowire.Number = 3
	frameOp       protowire.Number = 4
	frameOrder    protowire.Number = 5
	frameEvent    protowire.Number = 6

	playerX            protowire.Number = 1
	playerY            protowire.Number = 2
	playerVX           protowire.Number = 3
	playerVY           protowire.Number = 4
	playerHeading      protowire.Number = 5
	playerLives        protowire.Number = 6
	playerPowerUp      protowire.Number = 7
	playerInvulnerable protowire.Number = 8
	playerScore        protowire.Number = 9
	playerLevel        protowire.Number = 10

	opKind    protowire.Number = 1
	opClass   protowire.Number = 2
	opID      protowire.Number = 3
	opType    protowire.Number = 4
	opX       protowire.Number = 5
	opY       protowire.Number = 6
	opHeading protowire.Number = 7
	opSize    protowire.Number = 8
	opVariant protowire.Number = 9

	orderClass protowire.Number = 1
	orderIDs   protowire.Number = 2

	eventKind   protowire.Number = 1
	eventDetail protowire.Number = 2
)

var (
	errWireType  = errors.New("codec: unexpected wire type")
	errMalformed = errors.New("codec: malformed nested message")
)

// Коды ошибок обработчиков полей; коды protowire лежат в диапазоне -1..-9
const (
	wrongType = -1000
	malformed = -1001
)

// MarshalBinary кодирует кадр в проводной формат
func (f *Frame) MarshalBinary() ([]byte, error) {
	return f.AppendWire(nil), nil
}

// AppendWire дописывает закодированный кадр к b
func (f *Frame) AppendWire(b []byte) []byte {
	b = appendVarintField(b, frameTick, f.Tick)
	if f.Keyframe {
		b = appendVarintField(b, frameKeyframe, 1)
	}
	if f.Player.Mask != 0 {
		b = protowire.AppendTag(b, framePlayer, protowire.BytesType)
		b = protowire.AppendBytes(b, appendPlayer(nil, &f.Player))
	}
	var scratch []byte
	for i := range f.Ops {
		scratch = appendOp(scratch[:0], &f.Ops[i])
		b = protowire.AppendTag(b, frameOp, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	for i := range f.Orders {
		scratch = appendOrder(scratch[:0], &f.Orders[i])
		b = protowire.AppendTag(b, frameOrder, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	for i := range f.Events {
		scratch = scratch[:0]
		scratch = protowire.AppendTag(scratch, eventKind, protowire.BytesType)
		scratch = protowire.AppendString(scratch, f.Events[i].Kind)
		if f.Events[i].Detail != "" {
			scratch = protowire.AppendTag(scratch, eventDetail, protowire.BytesType)
			scratch = protowire.AppendString(scratch, f.Events[i].Detail)
		}
		b = protowire.AppendTag(b, frameEvent, protowire.BytesType)
		b = protowire.AppendBytes(b, scratch)
	}
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSintField(b []byte, num protowire.Number, v int64) []byte {
	return appendVarintField(b, num, protowire.EncodeZigZag(v))
}

func appendPlayer(b []byte, p *PlayerDelta) []byte {
	if p.Mask&PlayerX != 0 {
		b = appendSintField(b, playerX, p.X)
	}
	if p.Mask&PlayerY != 0 {
		b = appendSintField(b, playerY, p.Y)
	}
	if p.Mask&PlayerVX != 0 {
		b = appendSintField(b, playerVX, p.VX)
	}
	if p.Mask&PlayerVY != 0 {
		b = appendSintField(b, playerVY, p.VY)
	}
	if p.Mask&PlayerHeading != 0 {
		b = appendSintField(b, playerHeading, p.Heading)
	}
	if p.Mask&PlayerLives != 0 {
		b = appendSintField(b, playerLives, p.Lives)
	}
	if p.Mask&PlayerPowerUp != 0 {
		b = appendVarintField(b, playerPowerUp, uint64(p.PowerUp))
	}
	if p.Mask&PlayerInvulnerable != 0 {
		b = appendVarintField(b, playerInvulnerable, protowire.EncodeBool(p.Invulnerable))
	}
	if p.Mask&PlayerScore != 0 {
		b = appendSintField(b, playerScore, p.Score)
	}
	if p.Mask&PlayerLevel != 0 {
		b = appendSintField(b, playerLevel, p.Level)
	}
	return b
}

func appendOp(b []byte, op *EntityOp) []byte {
	b = appendVarintField(b, opKind, uint64(op.Op))
	b = appendVarintField(b, opClass, uint64(op.Class))
	b = appendVarintField(b, opID, uint64(op.ID))
	if op.Op == OpRemove {
		return b
	}
	if op.Mask&FieldType != 0 {
		b = appendVarintField(b, opType, uint64(op.Type))
	}
	if op.Mask&FieldX != 0 {
		b = appendSintField(b, opX, op.X)
	}
	if op.Mask&FieldY != 0 {
		b = appendSintField(b, opY, op.Y)
	}
	if op.Mask&FieldHeading != 0 {
		b = appendSintField(b, opHeading, op.Heading)
	}
	if op.Mask&FieldSize != 0 {
		b = appendSintField(b, opSize, op.Size)
	}
	if op.Mask&FieldVariant != 0 {
		b = appendVarintField(b, opVariant, uint64(op.Variant))
	}
	return b
}

func appendOrder(b []byte, o *OrderList) []byte {
	b = appendVarintField(b, orderClass, uint64(o.Class))
	var packed []byte
	for _, id := range o.IDs {
		packed = protowire.AppendVarint(packed, uint64(id))
	}
	b = protowire.AppendTag(b, orderIDs, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// UnmarshalFrame разбирает кадр из проводного формата.
// Неизвестные поля пропускаются.
func UnmarshalFrame(b []byte) (Frame, error) {
	var f Frame
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case frameTick:
			v, n := consumeVarint(typ, b)
			f.Tick = v
			return n
		case frameKeyframe:
			v, n := consumeVarint(typ, b)
			f.Keyframe = protowire.DecodeBool(v)
			return n
		case framePlayer:
			return consumeMessage(typ, b, func(msg []byte) error {
				return unmarshalPlayer(msg, &f.Player)
			})
		case frameOp:
			return consumeMessage(typ, b, func(msg []byte) error {
				var op EntityOp
				if err := unmarshalOp(msg, &op); err != nil {
					return err
				}
				f.Ops = append(f.Ops, op)
				return nil
			})
		case frameOrder:
			return consumeMessage(typ, b, func(msg []byte) error {
				var o OrderList
				if err := unmarshalOrder(msg, &o); err != nil {
					return err
				}
				f.Orders = append(f.Orders, o)
				return nil
			})
		case frameEvent:
			return consumeMessage(typ, b, func(msg []byte) error {
				var ev replay.Event
				if err := unmarshalEvent(msg, &ev); err != nil {
					return err
				}
				f.Events = append(f.Events, ev)
				return nil
			})
		}
		return 0
	})
	if err != nil {
		return Frame{}, fmt.Errorf("codec: unmarshal frame: %w", err)
	}
	return f, nil
}

func unmarshalPlayer(b []byte, p *PlayerDelta) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var (
			dst  *int64
			mask PlayerMask
		)
		switch num {
		case playerX:
			dst, mask = &p.X, PlayerX
		case playerY:
			dst, mask = &p.Y, PlayerY
		case playerVX:
			dst, mask = &p.VX, PlayerVX
		case playerVY:
			dst, mask = &p.VY, PlayerVY
		case playerHeading:
			dst, mask = &p.Heading, PlayerHeading
		case playerLives:
			dst, mask = &p.Lives, PlayerLives
		case playerScore:
			dst, mask = &p.Score, PlayerScore
		case playerLevel:
			dst, mask = &p.Level, PlayerLevel
		case playerPowerUp:
			v, n := consumeVarint(typ, b)
			p.PowerUp = uint16(v)
			p.Mask |= PlayerPowerUp
			return n
		case playerInvulnerable:
			v, n := consumeVarint(typ, b)
			p.Invulnerable = protowire.DecodeBool(v)
			p.Mask |= PlayerInvulnerable
			return n
		default:
			return 0
		}
		v, n := consumeVarint(typ, b)
		*dst = protowire.DecodeZigZag(v)
		p.Mask |= mask
		return n
	})
}

func unmarshalOp(b []byte, op *EntityOp) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		v, n := consumeVarint(typ, b)
		switch num {
		case opKind:
			op.Op = OpKind(v)
		case opClass:
			op.Class = replay.Class(v)
		case opID:
			op.ID = uint32(v)
		case opType:
			op.Type = uint16(v)
			op.Mask |= FieldType
		case opX:
			op.X = protowire.DecodeZigZag(v)
			op.Mask |= FieldX
		case opY:
			op.Y = protowire.DecodeZigZag(v)
			op.Mask |= FieldY
		case opHeading:
			op.Heading = protowire.DecodeZigZag(v)
			op.Mask |= FieldHeading
		case opSize:
			op.Size = protowire.DecodeZigZag(v)
			op.Mask |= FieldSize
		case opVariant:
			op.Variant = uint32(v)
			op.Mask |= FieldVariant
		default:
			return 0
		}
		return n
	})
}

func unmarshalOrder(b []byte, o *OrderList) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case orderClass:
			v, n := consumeVarint(typ, b)
			o.Class = replay.Class(v)
			return n
		case orderIDs:
			return consumeMessage(typ, b, func(packed []byte) error {
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					o.IDs = append(o.IDs, uint32(v))
					packed = packed[n:]
				}
				return nil
			})
		}
		return 0
	})
}

func unmarshalEvent(b []byte, ev *replay.Event) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		var dst *string
		switch num {
		case eventKind:
			dst = &ev.Kind
		case eventDetail:
			dst = &ev.Detail
		default:
			return 0
		}
		if typ != protowire.BytesType {
			return wrongType
		}
		s, n := protowire.ConsumeString(b)
		*dst = s
		return n
	})
}

// consumeFields обходит поля сообщения. fn возвращает число прочитанных байт,
// 0 для пропуска неизвестного поля или отрицательный код ошибки.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		switch m {
		case wrongType:
			return fmt.Errorf("%w: field %d", errWireType, num)
		case malformed:
			return fmt.Errorf("%w: field %d", errMalformed, num)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, wrongType
	}
	return protowire.ConsumeVarint(b)
}

// consumeMessage читает length-delimited поле и передаёт его содержимое в fn
func consumeMessage(typ protowire.Type, b []byte, fn func(msg []byte) error) int {
	if typ != protowire.BytesType {
		return wrongType
	}
	msg, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	if err := fn(msg); err != nil {
		return malformed
	}
	return n
}
