package recorder

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/asteroids-replay/internal/codec"
	"github.com/annel0/asteroids-replay/internal/config"
	"github.com/annel0/asteroids-replay/internal/container"
	"github.com/annel0/asteroids-replay/internal/eventbus"
	"github.com/annel0/asteroids-replay/internal/observability"
	"github.com/annel0/asteroids-replay/internal/replay"
	"github.com/annel0/asteroids-replay/internal/simfeed"
	"github.com/annel0/asteroids-replay/internal/storage"
	"github.com/annel0/asteroids-replay/internal/vec"
)

type harness struct {
	rec     *Recorder
	dir     *storage.Dir
	index   *storage.MemoryIndex
	events  []string
	payload []eventbus.ReplayEvent
}

func newHarness(t *testing.T, cfg config.RecorderConfig, opts ...Option) *harness {
	t.Helper()
	dir, err := storage.OpenDir(t.TempDir())
	require.NoError(t, err)

	h := &harness{dir: dir, index: storage.NewMemoryIndex()}
	bus := eventbus.NewMemoryBus()
	_, err = bus.Subscribe(context.Background(), eventbus.Filter{}, func(ctx context.Context, ev *eventbus.Envelope) {
		re, err := eventbus.DecodeReplayEvent(ev)
		require.NoError(t, err)
		h.events = append(h.events, ev.EventType)
		h.payload = append(h.payload, re)
	})
	require.NoError(t, err)

	base := []Option{
		WithBus(bus),
		WithIndex(h.index),
		WithMetrics(observability.NewMetrics(prometheus.NewRegistry())),
		WithClock(func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }),
	}
	h.rec = New(cfg, dir, append(base, opts...)...)
	return h
}

func readAll(t *testing.T, path string) (replay.Header, []replay.Snapshot) {
	t.Helper()
	r, err := container.Open(path)
	require.NoError(t, err)
	defer r.Close()

	dec := codec.NewDecoder()
	var out []replay.Snapshot
	for r.Next() {
		f := r.Frame()
		s, err := dec.Decode(&f)
		require.NoError(t, err)
		out = append(out, s)
	}
	require.NoError(t, r.Err())
	return r.Header(), out
}

func TestRecorder_RecordAndFinalize(t *testing.T) {
	h := newHarness(t, config.RecorderConfig{KeyframeInterval: 50})
	gen := simfeed.New(simfeed.DefaultOptions(3))

	sess, err := h.rec.BeginSession(60, SessionMeta{Difficulty: "hard", ShipType: "viper"})
	require.NoError(t, err)
	snaps := gen.Session(240)
	for _, s := range snaps {
		h.rec.RecordTick(s)
	}
	h.rec.RecordEvent("boss_spawned", "wave 2")
	assert.Equal(t, 240, sess.Frames())

	ref, err := h.rec.Finalize(context.Background(), replay.OutcomeVictory, 1234, 3)
	require.NoError(t, err)
	assert.False(t, h.rec.Active())
	assert.Equal(t, "replay_20240601-100000_"+sess.ID[:8]+".arpl", ref.Name)

	hdr, got := readAll(t, ref.Path)
	assert.Equal(t, sess.ID, hdr.ID)
	assert.Equal(t, 240, hdr.FrameCount)
	assert.Equal(t, snaps[0].Tick, hdr.FirstTick)
	assert.Equal(t, snaps[239].Tick, hdr.LastTick)
	assert.Equal(t, 1234, hdr.FinalScore)
	assert.Equal(t, 3, hdr.FinalLevel)
	assert.Equal(t, "hard", hdr.Difficulty)
	assert.Equal(t, "viper", hdr.ShipType)
	assert.Equal(t, 50, hdr.KeyframeInterval)
	assert.Equal(t, codec.SchemaQuantization(), hdr.Quantization)

	require.Len(t, got, 240)
	for i := range got {
		assert.Equal(t, snaps[i].Tick, got[i].Tick)
		assert.InDelta(t, snaps[i].Player.Position.X, got[i].Player.Position.X, codec.Epsilon+1e-9)
		assert.Equal(t, len(snaps[i].Asteroids), len(got[i].Asteroids))
	}
	last := got[239].Events
	require.NotEmpty(t, last)
	assert.Equal(t, replay.Event{Kind: "boss_spawned", Detail: "wave 2"}, last[len(last)-1])

	assert.Equal(t, []string{eventbus.TypeReplaySaved}, h.events)
	assert.Equal(t, 240, h.payload[0].Frames)

	info, err := os.Stat(ref.Path)
	require.NoError(t, err)
	cached, found, err := h.index.Get(context.Background(), ref.Name, info.Size(), info.ModTime())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, sess.ID, cached.ID)
}

func TestRecorder_IgnoresTicksOutsideSession(t *testing.T) {
	h := newHarness(t, config.RecorderConfig{})
	h.rec.RecordTick(replay.Snapshot{Tick: 1})
	h.rec.RecordTick(replay.Snapshot{Tick: 2})

	_, err := h.rec.Finalize(context.Background(), replay.OutcomeQuit, 0, 1)
	require.Error(t, err)
	assert.True(t, replay.IsKind(err, replay.KindRecord))
	assert.ErrorIs(t, err, replay.ErrNoSession)
}

func TestRecorder_DropsBadTicks(t *testing.T) {
	h := newHarness(t, config.RecorderConfig{})
	sess, err := h.rec.BeginSession(30, SessionMeta{})
	require.NoError(t, err)

	h.rec.RecordTick(replay.Snapshot{Tick: 5})
	h.rec.RecordTick(replay.Snapshot{Tick: 5}) // не возрастает
	h.rec.RecordTick(replay.Snapshot{Tick: 3}) // назад
	h.rec.RecordTick(replay.Snapshot{
		Tick:      6,
		Asteroids: []replay.Entity{{ID: 1}, {ID: 1}}, // дубликат id
	})
	h.rec.RecordTick(replay.Snapshot{
		Tick:   7,
		Player: replay.Player{Position: vec.Vec2Float{X: 0, Y: 0}, Heading: math.NaN()},
	})
	h.rec.RecordTick(replay.Snapshot{Tick: 8, Enemies: []replay.Entity{{ID: 2, Class: replay.ClassAsteroid}}})
	h.rec.RecordTick(replay.Snapshot{Tick: 9})
	assert.Equal(t, 2, sess.Frames())
}

func TestRecorder_SnapshotIsCopied(t *testing.T) {
	h := newHarness(t, config.RecorderConfig{})
	_, err := h.rec.BeginSession(60, SessionMeta{})
	require.NoError(t, err)

	s := replay.Snapshot{Tick: 1, Asteroids: []replay.Entity{{ID: 1, Class: replay.ClassAsteroid, Size: 2}}}
	h.rec.RecordTick(s)
	s.Asteroids[0].Size = 99

	ref, err := h.rec.Finalize(context.Background(), replay.OutcomeDefeat, 0, 1)
	require.NoError(t, err)
	_, got := readAll(t, ref.Path)
	require.Len(t, got, 1)
	assert.InDelta(t, 2.0, got[0].Asteroids[0].Size, codec.Epsilon)
}

func TestRecorder_SamplingAndOverflow(t *testing.T) {
	h := newHarness(t, config.RecorderConfig{SampleEvery: 3, MaxFrames: 5})
	sess, err := h.rec.BeginSession(60, SessionMeta{})
	require.NoError(t, err)

	for tick := uint64(1); tick <= 12; tick++ {
		h.rec.RecordTick(replay.Snapshot{Tick: tick})
	}
	assert.Equal(t, 4, sess.Frames(), "записываются тики 1, 4, 7, 10")

	for tick := uint64(13); tick <= 30; tick++ {
		h.rec.RecordTick(replay.Snapshot{Tick: tick})
	}
	assert.Equal(t, 5, sess.Frames())

	ref, err := h.rec.Finalize(context.Background(), replay.OutcomeQuit, 10, 1)
	require.NoError(t, err)
	hdr, _ := readAll(t, ref.Path)
	assert.Equal(t, uint64(1), hdr.FirstTick)
	assert.Equal(t, uint64(13), hdr.LastTick)
}

func TestRecorder_DiskFullDiscardsBuffer(t *testing.T) {
	h := newHarness(t, config.RecorderConfig{}, WithMinFree(^uint64(0)))
	_, err := h.rec.BeginSession(60, SessionMeta{})
	require.NoError(t, err)
	h.rec.RecordTick(replay.Snapshot{Tick: 1})

	_, err = h.rec.Finalize(context.Background(), replay.OutcomeDefeat, 0, 1)
	require.Error(t, err)
	assert.True(t, replay.IsKind(err, replay.KindRecord))
	assert.ErrorIs(t, err, replay.ErrDiskFull)
	assert.False(t, h.rec.Active())

	refs, err := h.dir.Scan()
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Equal(t, []string{eventbus.TypeRecordFailed}, h.events)
	assert.NotEmpty(t, h.payload[0].Error)

	// буфер отброшен: повторный Finalize не находит сессии
	_, err = h.rec.Finalize(context.Background(), replay.OutcomeDefeat, 0, 1)
	assert.ErrorIs(t, err, replay.ErrNoSession)
}

func TestRecorder_InvalidFinalize(t *testing.T) {
	h := newHarness(t, config.RecorderConfig{})

	_, err := h.rec.BeginSession(0, SessionMeta{})
	assert.True(t, replay.IsKind(err, replay.KindRecord))

	_, err = h.rec.BeginSession(60, SessionMeta{})
	require.NoError(t, err)
	_, err = h.rec.Finalize(context.Background(), replay.OutcomeVictory, 0, 1)
	assert.True(t, replay.IsKind(err, replay.KindRecord), "пустая сессия не сохраняется")

	_, err = h.rec.BeginSession(60, SessionMeta{})
	require.NoError(t, err)
	h.rec.RecordTick(replay.Snapshot{Tick: 1})
	_, err = h.rec.Finalize(context.Background(), replay.Outcome("draw"), 0, 1)
	assert.True(t, replay.IsKind(err, replay.KindRecord))
}

func TestRecorder_BeginDiscardsActiveSession(t *testing.T) {
	h := newHarness(t, config.RecorderConfig{})
	first, err := h.rec.BeginSession(60, SessionMeta{})
	require.NoError(t, err)
	h.rec.RecordTick(replay.Snapshot{Tick: 1})

	second, err := h.rec.BeginSession(60, SessionMeta{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 0, second.Frames())

	h.rec.Discard()
	assert.False(t, h.rec.Active())
}
