package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/annel0/asteroids-replay/internal/replay"
)

func sampleFrame() Frame {
	return Frame{
		Keyframe: true,
		Tick:     12345,
		Player: PlayerDelta{
			Mask:         PlayerX | PlayerVY | PlayerLives | PlayerInvulnerable | PlayerScore,
			X:            -250,
			VY:           17,
			Lives:        -1,
			Invulnerable: true,
			Score:        1500,
		},
		Ops: []EntityOp{
			{Op: OpAdd, Class: replay.ClassEnemy, ID: 3, Mask: fieldAll, Type: 2, X: 100, Y: -40, Heading: 9000, Size: 150, Variant: 1},
			{Op: OpUpdate, Class: replay.ClassAsteroid, ID: 77, Mask: FieldHeading, Heading: -12},
			{Op: OpRemove, Class: replay.ClassProjectile, ID: 1 << 30},
		},
		Orders: []OrderList{{Class: replay.ClassEnemy, IDs: []uint32{3, 1, 2}}},
		Events: []replay.Event{{Kind: "ship_destroyed"}, {Kind: "level_up", Detail: "2"}},
	}
}

func TestFrameWire_RoundTrip(t *testing.T) {
	f := sampleFrame()
	data, err := f.MarshalBinary()
	require.NoError(t, err)

	got, err := UnmarshalFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameWire_SkipsUnknownFields(t *testing.T) {
	f := sampleFrame()
	data := f.AppendWire(nil)
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("future"))
	data = protowire.AppendTag(data, 98, protowire.VarintType)
	data = protowire.AppendVarint(data, 7)

	got, err := UnmarshalFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameWire_Malformed(t *testing.T) {
	f := sampleFrame()
	data, _ := f.MarshalBinary()

	_, err := UnmarshalFrame(data[:len(data)-3])
	assert.Error(t, err)

	// поле тика с типом bytes
	bad := protowire.AppendTag(nil, frameTick, protowire.BytesType)
	bad = protowire.AppendBytes(bad, []byte{1})
	_, err = UnmarshalFrame(bad)
	assert.ErrorIs(t, err, errWireType)
}
