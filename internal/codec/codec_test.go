package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/asteroids-replay/internal/replay"
	"github.com/annel0/asteroids-replay/internal/vec"
)

const tolerance = Epsilon + 1e-9

func asteroid(id uint32, x, y float64) replay.Entity {
	return replay.Entity{
		ID:       id,
		Class:    replay.ClassAsteroid,
		Type:     1,
		Position: vec.Vec2Float{X: x, Y: y},
		Size:     3,
	}
}

// genSession строит детерминированную последовательность снимков с
// появлением и исчезновением сущностей
func genSession(n int) []replay.Snapshot {
	out := make([]replay.Snapshot, 0, n)
	for i := 0; i < n; i++ {
		t := float64(i)
		s := replay.Snapshot{
			Tick: uint64(100 + i*2),
			Player: replay.Player{
				Position:     vec.Vec2Float{X: 400 + 50*math.Sin(t/10), Y: 300 + 50*math.Cos(t/13)},
				Velocity:     vec.Vec2Float{X: math.Sin(t) * 3.3337, Y: -1.25},
				Heading:      math.Mod(t*7.123, 360),
				Lives:        3 - i/40,
				PowerUp:      uint16(i / 25 % 3),
				Invulnerable: i%17 < 3,
			},
			Score: i * 15,
			Level: 1 + i/50,
		}
		for id := uint32(1); id <= 6; id++ {
			if (i+int(id))%11 == 0 {
				continue // сущность временно отсутствует
			}
			a := asteroid(id, 10*float64(id)+t*1.111, 20+t*0.777)
			a.Heading = math.Mod(t*float64(id), 360)
			a.Variant = uint32(i / 30)
			s.Asteroids = append(s.Asteroids, a)
		}
		if i%5 == 0 {
			s.Projectiles = append(s.Projectiles, replay.Entity{
				ID: uint32(1000 + i), Class: replay.ClassProjectile,
				Position: vec.Vec2Float{X: t, Y: t}, Size: 0.5,
			})
			s.Events = append(s.Events, replay.Event{Kind: "shot", Detail: "player"})
		}
		out = append(out, s)
	}
	return out
}

func assertSnapshotClose(t *testing.T, want, got replay.Snapshot) {
	t.Helper()
	require.Equal(t, want.Tick, got.Tick)
	assert.InDelta(t, want.Player.Position.X, got.Player.Position.X, tolerance)
	assert.InDelta(t, want.Player.Position.Y, got.Player.Position.Y, tolerance)
	assert.InDelta(t, want.Player.Velocity.X, got.Player.Velocity.X, tolerance)
	assert.InDelta(t, want.Player.Velocity.Y, got.Player.Velocity.Y, tolerance)
	assert.InDelta(t, want.Player.Heading, got.Player.Heading, tolerance)
	assert.Equal(t, want.Player.Lives, got.Player.Lives)
	assert.Equal(t, want.Player.PowerUp, got.Player.PowerUp)
	assert.Equal(t, want.Player.Invulnerable, got.Player.Invulnerable)
	assert.Equal(t, want.Score, got.Score)
	assert.Equal(t, want.Level, got.Level)
	assert.Equal(t, want.Events, got.Events)
	for _, c := range replay.Classes {
		we, ge := want.Entities(c), got.Entities(c)
		require.Len(t, ge, len(we), "class %s", c)
		for i := range we {
			assert.Equal(t, we[i].ID, ge[i].ID)
			assert.Equal(t, c, ge[i].Class)
			assert.Equal(t, we[i].Type, ge[i].Type)
			assert.Equal(t, we[i].Variant, ge[i].Variant)
			assert.InDelta(t, we[i].Position.X, ge[i].Position.X, tolerance)
			assert.InDelta(t, we[i].Position.Y, ge[i].Position.Y, tolerance)
			assert.InDelta(t, we[i].Heading, ge[i].Heading, tolerance)
			assert.InDelta(t, we[i].Size, ge[i].Size, tolerance)
		}
	}
}

func TestEncoderDecoder_RoundTripWithinEpsilon(t *testing.T) {
	snaps := genSession(300)
	enc := NewEncoder(50)
	dec := NewDecoder()

	for i := range snaps {
		f := enc.Encode(&snaps[i])
		data, err := f.MarshalBinary()
		require.NoError(t, err)

		parsed, err := UnmarshalFrame(data)
		require.NoError(t, err)

		got, err := dec.Decode(&parsed)
		require.NoError(t, err, "кадр %d", i)
		assertSnapshotClose(t, snaps[i], got)
	}
	assert.Equal(t, 300, enc.Frames())
}

func TestEncodeDecode_PureFunctions(t *testing.T) {
	snaps := genSession(40)
	var prevDecoded *replay.Snapshot
	for i := range snaps {
		var prev *replay.Snapshot
		if i > 0 {
			prev = &snaps[i-1]
		}
		f := Encode(&snaps[i], prev)
		assert.Equal(t, i == 0, f.Keyframe)

		got, err := Decode(&f, prevDecoded)
		require.NoError(t, err)
		assertSnapshotClose(t, snaps[i], got)
		prevDecoded = &got
	}
}

func TestEncode_UnchangedEntityEmitsNothing(t *testing.T) {
	a := replay.Snapshot{Tick: 1, Asteroids: []replay.Entity{asteroid(1, 5, 5), asteroid(2, 7, 7)}}
	b := a.Clone()
	b.Tick = 2
	b.Asteroids[1].Position.X = 8

	f := Encode(&b, &a)
	require.Len(t, f.Ops, 1)
	assert.Equal(t, OpUpdate, f.Ops[0].Op)
	assert.Equal(t, uint32(2), f.Ops[0].ID)
	assert.Equal(t, FieldX, f.Ops[0].Mask)
	assert.Equal(t, int64(100), f.Ops[0].X)
	assert.Empty(t, f.Orders)

	// полностью неизменный кадр - только приращение тика
	c := b.Clone()
	c.Tick = 3
	same := Encode(&c, &b)
	assert.Empty(t, same.Ops)
	assert.Zero(t, same.Player.Mask)
	data, _ := same.MarshalBinary()
	assert.Len(t, data, 2)
}

func TestThreeTickScenario(t *testing.T) {
	snaps := []replay.Snapshot{
		{Tick: 0, Asteroids: []replay.Entity{asteroid(7, 10, 10)}},
		{Tick: 1, Asteroids: []replay.Entity{asteroid(7, 12, 10)}},
		{Tick: 2, Asteroids: []replay.Entity{asteroid(9, 5, 5)}},
	}
	enc := NewEncoder(0)
	frames := make([]Frame, len(snaps))
	for i := range snaps {
		frames[i] = enc.Encode(&snaps[i])
	}

	assert.True(t, frames[0].Keyframe)
	require.Len(t, frames[1].Ops, 1)
	assert.Equal(t, OpUpdate, frames[1].Ops[0].Op)
	assert.Equal(t, int64(200), frames[1].Ops[0].X)
	adds, updates, removes := frames[2].OpCounts()
	assert.Equal(t, 1, adds)
	assert.Equal(t, 0, updates)
	assert.Equal(t, 1, removes)

	dec := NewDecoder()
	for i := range frames {
		got, err := dec.Decode(&frames[i])
		require.NoError(t, err)
		assertSnapshotClose(t, snaps[i], got)
	}
}

func TestDecode_ReusedIDIsNewEntity(t *testing.T) {
	s0 := replay.Snapshot{Tick: 1, Asteroids: []replay.Entity{asteroid(1, 1, 1), asteroid(2, 2, 2)}}
	s1 := replay.Snapshot{Tick: 2, Asteroids: []replay.Entity{asteroid(2, 2, 2)}}
	reused := asteroid(1, 50, 50)
	reused.Type = 4
	s2 := replay.Snapshot{Tick: 3, Asteroids: []replay.Entity{asteroid(2, 2, 2), reused}}

	enc := NewEncoder(0)
	dec := NewDecoder()
	for _, s := range []replay.Snapshot{s0, s1, s2} {
		f := enc.Encode(&s)
		got, err := dec.Decode(&f)
		require.NoError(t, err)
		assertSnapshotClose(t, s, got)
	}

	// добавление с занятым id заменяет сущность и переносит её в конец
	f := Frame{Tick: 1, Ops: []EntityOp{{Op: OpAdd, Class: replay.ClassAsteroid, ID: 2, Mask: fieldAll, Type: 9}}}
	got, err := dec.Decode(&f)
	require.NoError(t, err)
	require.Len(t, got.Asteroids, 2)
	assert.Equal(t, uint32(1), got.Asteroids[0].ID)
	assert.Equal(t, uint32(2), got.Asteroids[1].ID)
	assert.Equal(t, uint16(9), got.Asteroids[1].Type)
}

func TestEncode_OrderListOnlyWhenNeeded(t *testing.T) {
	a := replay.Snapshot{Tick: 1, Asteroids: []replay.Entity{asteroid(1, 0, 0), asteroid(2, 0, 0), asteroid(3, 0, 0)}}
	b := replay.Snapshot{Tick: 2, Asteroids: []replay.Entity{asteroid(3, 0, 0), asteroid(1, 0, 0), asteroid(2, 0, 0)}}

	f := Encode(&b, &a)
	assert.Empty(t, f.Ops)
	require.Len(t, f.Orders, 1)
	assert.Equal(t, []uint32{3, 1, 2}, f.Orders[0].IDs)

	got, err := Decode(&f, &a)
	require.NoError(t, err)
	assertSnapshotClose(t, b, got)
}

func TestDecode_Errors(t *testing.T) {
	base := replay.Snapshot{Tick: 1, Asteroids: []replay.Entity{asteroid(1, 0, 0)}}

	_, err := Decode(&Frame{Tick: 1}, nil)
	assert.ErrorIs(t, err, ErrNoBase)

	_, err = Decode(&Frame{Tick: 1, Ops: []EntityOp{{Op: OpUpdate, Class: replay.ClassAsteroid, ID: 5, Mask: FieldX, X: 1}}}, &base)
	assert.ErrorIs(t, err, ErrUnknownEntity)

	_, err = Decode(&Frame{Tick: 1, Ops: []EntityOp{{Op: OpRemove, Class: replay.ClassEnemy, ID: 1}}}, &base)
	assert.ErrorIs(t, err, ErrUnknownEntity)

	_, err = Decode(&Frame{Tick: 1, Ops: []EntityOp{{Op: OpRemove, Class: 42, ID: 1}}}, &base)
	assert.ErrorIs(t, err, ErrBadOp)

	_, err = Decode(&Frame{Tick: 0}, &base)
	assert.ErrorIs(t, err, ErrTickOrder)

	_, err = Decode(&Frame{Tick: 1, Orders: []OrderList{{Class: replay.ClassAsteroid, IDs: []uint32{1, 1}}}}, &base)
	assert.ErrorIs(t, err, ErrBadOrder)
}

func TestKeyframeDecodesStandalone(t *testing.T) {
	snaps := genSession(10)
	enc := NewEncoder(4)
	frames := make([]Frame, len(snaps))
	for i := range snaps {
		frames[i] = enc.Encode(&snaps[i])
		assert.Equal(t, i%4 == 0, frames[i].Keyframe, "кадр %d", i)
	}

	// с ключевого кадра 4 декодер стартует без истории
	dec := NewDecoder()
	for i := 4; i < len(frames); i++ {
		require.NoError(t, dec.Apply(&frames[i]))
		assert.Equal(t, snaps[i].Tick, dec.Tick())
	}
	assertSnapshotClose(t, snaps[len(snaps)-1], dec.Snapshot())
}
