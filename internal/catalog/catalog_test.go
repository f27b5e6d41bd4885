package catalog

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/asteroids-replay/internal/codec"
	"github.com/annel0/asteroids-replay/internal/container"
	"github.com/annel0/asteroids-replay/internal/eventbus"
	"github.com/annel0/asteroids-replay/internal/observability"
	"github.com/annel0/asteroids-replay/internal/replay"
	"github.com/annel0/asteroids-replay/internal/simfeed"
	"github.com/annel0/asteroids-replay/internal/storage"
)

type env struct {
	dir     *storage.Dir
	leases  *storage.Leases
	index   *storage.MemoryIndex
	cat     *Catalog
	deleted []string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir, err := storage.OpenDir(t.TempDir())
	require.NoError(t, err)
	e := &env{dir: dir, leases: storage.NewLeases(), index: storage.NewMemoryIndex()}
	bus := eventbus.NewMemoryBus()
	_, err = bus.Subscribe(context.Background(), eventbus.Filter{Types: []string{eventbus.TypeReplayDeleted}},
		func(ctx context.Context, ev *eventbus.Envelope) {
			re, err := eventbus.DecodeReplayEvent(ev)
			require.NoError(t, err)
			e.deleted = append(e.deleted, re.Name)
		})
	require.NoError(t, err)
	e.cat = New(dir, e.leases,
		WithIndex(e.index),
		WithBus(bus),
		WithMetrics(observability.NewMetrics(prometheus.NewRegistry())),
	)
	return e
}

// save пишет реплей из n тиков с заданными исходом, счётом и датой
func (e *env) save(t *testing.T, id string, n int, outcome replay.Outcome, score int, created time.Time) storage.FileRef {
	t.Helper()
	gen := simfeed.New(simfeed.DefaultOptions(int64(len(id))))
	snaps := gen.Session(n)
	enc := codec.NewEncoder(codec.DefaultKeyframeInterval)
	frames := make([]codec.Frame, n)
	for i := range snaps {
		frames[i] = enc.Encode(&snaps[i])
	}
	h := replay.Header{
		SchemaVersion:    replay.SchemaVersion,
		ID:               id,
		CreatedAt:        created,
		TickRate:         gen.TickRate(),
		FrameCount:       n,
		FirstTick:        snaps[0].Tick,
		LastTick:         snaps[n-1].Tick,
		FinalScore:       score,
		Outcome:          outcome,
		KeyframeInterval: enc.Interval(),
		Quantization:     codec.SchemaQuantization(),
	}
	ref, err := e.dir.NewFileName(created, id)
	require.NoError(t, err)
	_, err = container.WriteFile(context.Background(), ref.Path, h, container.Frames(frames))
	require.NoError(t, err)
	return ref
}

var day = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

func TestCatalog_ListSortFilter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.save(t, "aaaa1111", 60, replay.OutcomeDefeat, 300, day)
	e.save(t, "bbbb2222", 240, replay.OutcomeVictory, 900, day.Add(time.Hour))
	e.save(t, "cccc3333", 120, replay.OutcomeQuit, 50, day.Add(-time.Hour))

	entries, err := e.cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, en := range entries {
		assert.Positive(t, en.Size)
		assert.NotEmpty(t, en.Header.ID)
	}

	ids := func(list []Entry) []string {
		out := make([]string, len(list))
		for i, en := range list {
			out[i] = en.Header.ID
		}
		return out
	}

	Sort(entries, ByDate, true)
	assert.Equal(t, []string{"bbbb2222", "aaaa1111", "cccc3333"}, ids(entries))
	Sort(entries, ByScore, false)
	assert.Equal(t, []string{"cccc3333", "aaaa1111", "bbbb2222"}, ids(entries))
	Sort(entries, ByDuration, true)
	assert.Equal(t, []string{"bbbb2222", "cccc3333", "aaaa1111"}, ids(entries))

	assert.Equal(t, []string{"bbbb2222"}, ids(Filter(entries, ByOutcome(replay.OutcomeVictory))))
	assert.Len(t, Filter(entries, MinScore(300)), 2)
	assert.Len(t, Filter(entries, Since(day)), 2)
	assert.Len(t, Filter(entries, All(Since(day), MinScore(500))), 1)

	n, err := e.cat.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCatalog_CorruptFilesAreIsolated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	good := e.save(t, "good0001", 30, replay.OutcomeDefeat, 10, day)

	junk, err := e.dir.Ref("replay_junk.arpl")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(junk.Path, []byte("ARPL garbage"), 0o644))

	future, err := e.dir.Ref("replay_future.arpl")
	require.NoError(t, err)
	data, err := os.ReadFile(good.Path)
	require.NoError(t, err)
	data = bytes.Clone(data)
	data[5] = 9 // версия контейнера
	require.NoError(t, os.WriteFile(future.Path, data, 0o644))

	// временный файл незавершённой записи не попадает ни в один список
	require.NoError(t, os.WriteFile(good.Path+".tmp", []byte("partial"), 0o644))

	entries, err := e.cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "good0001", entries[0].Header.ID)

	corrupt, err := e.cat.Corrupt(ctx)
	require.NoError(t, err)
	require.Len(t, corrupt, 2)
	kinds := map[string]replay.Kind{}
	for _, c := range corrupt {
		kinds[c.Ref.Name] = c.Kind
		assert.NotEmpty(t, c.Error())
	}
	assert.Equal(t, replay.KindSchema, kinds["replay_future.arpl"])
	assert.Contains(t, kinds, "replay_junk.arpl")
}

func TestCatalog_DeleteIsIsolatedAndRespectsLeases(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.save(t, "aaaa0001", 30, replay.OutcomeDefeat, 10, day)
	b := e.save(t, "bbbb0002", 40, replay.OutcomeVictory, 20, day.Add(time.Minute))

	before, err := os.ReadFile(b.Path)
	require.NoError(t, err)
	listed, err := e.cat.Get(ctx, b.Name)
	require.NoError(t, err)

	release, err := e.leases.Acquire(a.Path)
	require.NoError(t, err)
	err = e.cat.Delete(ctx, a)
	assert.True(t, replay.IsKind(err, replay.KindBusy))
	_, statErr := os.Stat(a.Path)
	assert.NoError(t, statErr)
	release()

	require.NoError(t, e.cat.Delete(ctx, a))
	_, statErr = os.Stat(a.Path)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, []string{a.Name}, e.deleted)
	assert.False(t, e.leases.Held(a.Path))

	after, err := os.ReadFile(b.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	again, err := e.cat.Get(ctx, b.Name)
	require.NoError(t, err)
	assert.Equal(t, listed.Header, again.Header)

	entries, err := e.cat.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, b.Name, entries[0].Ref.Name)

	// повторное удаление - ошибка файловой системы
	err = e.cat.Delete(ctx, a)
	assert.True(t, replay.IsKind(err, replay.KindIO))
}

func TestCatalog_DeleteRejectsOutsidePaths(t *testing.T) {
	e := newEnv(t)
	outside := storage.FileRef{Name: "victim.arpl", Path: t.TempDir() + "/victim.arpl"}
	require.NoError(t, os.WriteFile(outside.Path, []byte("x"), 0o644))

	err := e.cat.Delete(context.Background(), outside)
	require.Error(t, err)
	_, statErr := os.Stat(outside.Path)
	assert.NoError(t, statErr)

	assert.Error(t, e.cat.Delete(context.Background(), storage.FileRef{Name: "../victim.arpl"}))
}

func TestCatalog_UsesHeaderIndex(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ref := e.save(t, "idx00001", 30, replay.OutcomeDefeat, 77, day)

	_, err := e.cat.List(ctx)
	require.NoError(t, err)

	info, err := os.Stat(ref.Path)
	require.NoError(t, err)
	h, found, err := e.index.Get(ctx, ref.Name, info.Size(), info.ModTime())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 77, h.FinalScore)

	// запись для исчезнувшего файла удаляется при следующем сканировании
	require.NoError(t, os.Remove(ref.Path))
	_, err = e.cat.List(ctx)
	require.NoError(t, err)
	_, found, err = e.index.Get(ctx, ref.Name, info.Size(), info.ModTime())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParseSortKey(t *testing.T) {
	for in, want := range map[string]SortKey{"": ByDate, "date": ByDate, "Score": ByScore, "duration": ByDuration} {
		got, err := ParseSortKey(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSortKey("size")
	assert.Error(t, err)
}
