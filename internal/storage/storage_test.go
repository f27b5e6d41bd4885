package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/asteroids-replay/internal/replay"
)

func TestOpenDir_CreatesAndDefaults(t *testing.T) {
	base := t.TempDir()
	t.Setenv("XDG_DATA_HOME", base)

	def, err := DefaultDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "asteroids", "replays"), def)

	d, err := OpenDir("")
	require.NoError(t, err)
	info, err := os.Stat(d.Path())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDir_ValidateRejectsTraversal(t *testing.T) {
	d, err := OpenDir(t.TempDir())
	require.NoError(t, err)

	ok, err := d.Ref("replay_20240101-000000_abc.arpl")
	require.NoError(t, err)
	assert.NoError(t, d.Validate(ok))

	bad := []FileRef{
		{Path: filepath.Join(d.Path(), "..", "evil.arpl")},
		{Path: filepath.Join(d.Path(), "sub", "x.arpl")},
		{Path: filepath.Join(d.Path(), "notes.txt")},
		{Path: "/etc/passwd"},
		{Name: "../../x.arpl"},
		{Name: "x.arpl", Path: filepath.Join(d.Path(), "y.arpl")},
	}
	for _, ref := range bad {
		err := d.Validate(ref)
		require.Error(t, err, "%+v", ref)
		assert.ErrorIs(t, err, replay.ErrOutsideDir)
	}

	for _, name := range []string{"", "..", "a/b.arpl", `a\b.arpl`, "x.json"} {
		_, err := d.Ref(name)
		assert.Error(t, err, name)
	}
}

func TestDir_NewFileNameNeverOverwrites(t *testing.T) {
	d, err := OpenDir(t.TempDir())
	require.NoError(t, err)
	created := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

	first, err := d.NewFileName(created, "3f2a9c1e-aaaa-bbbb")
	require.NoError(t, err)
	assert.Equal(t, "replay_20240309-140507_3f2a9c1e.arpl", first.Name)
	require.NoError(t, os.WriteFile(first.Path, []byte("x"), 0o644))

	second, err := d.NewFileName(created, "3f2a9c1e-aaaa-bbbb")
	require.NoError(t, err)
	assert.Equal(t, "replay_20240309-140507_3f2a9c1e_1.arpl", second.Name)

	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "other.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(first.Path+".tmp", nil, 0o644))
	refs, err := d.Scan()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, first.Name, refs[0].Name)
}

func TestDir_EnsureFree(t *testing.T) {
	d, err := OpenDir(t.TempDir())
	require.NoError(t, err)

	free, err := d.FreeSpace()
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))

	assert.NoError(t, d.EnsureFree(0))
	err = d.EnsureFree(^uint64(0))
	require.Error(t, err)
	assert.ErrorIs(t, err, replay.ErrDiskFull)
}

func TestLeases_ExclusiveAcquire(t *testing.T) {
	l := NewLeases()
	release, err := l.Acquire("/tmp/a.arpl")
	require.NoError(t, err)
	assert.True(t, l.Held("/tmp/a.arpl"))

	_, err = l.Acquire("/tmp/../tmp/a.arpl")
	require.Error(t, err)
	assert.True(t, replay.IsKind(err, replay.KindBusy))
	assert.ErrorIs(t, err, replay.ErrBusy)

	release()
	release()
	assert.False(t, l.Held("/tmp/a.arpl"))
	assert.Equal(t, 0, l.Len())

	again, err := l.Acquire("/tmp/a.arpl")
	require.NoError(t, err)
	again()
}

func testHeader(id string) replay.Header {
	return replay.Header{
		SchemaVersion: replay.SchemaVersion,
		ID:            id,
		CreatedAt:     time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		TickRate:      60,
		FrameCount:    10,
		FirstTick:     1,
		LastTick:      10,
		FinalScore:    500,
		Outcome:       replay.OutcomeVictory,
	}
}

func exerciseIndex(t *testing.T, idx HeaderIndex) {
	ctx := context.Background()
	mod := time.Unix(1700000000, 123)

	_, found, err := idx.Get(ctx, "a.arpl", 10, mod)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, idx.Put(ctx, "a.arpl", 10, mod, testHeader("a")))
	require.NoError(t, idx.Put(ctx, "b.arpl", 20, mod, testHeader("b")))

	h, found, err := idx.Get(ctx, "a.arpl", 10, mod)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", h.ID)
	assert.Equal(t, 500, h.FinalScore)

	// изменился размер или время - запись устарела
	_, found, _ = idx.Get(ctx, "a.arpl", 11, mod)
	assert.False(t, found)
	_, found, _ = idx.Get(ctx, "a.arpl", 10, mod.Add(time.Second))
	assert.False(t, found)

	removed, err := idx.Prune(ctx, map[string]bool{"a.arpl": true})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, found, _ = idx.Get(ctx, "b.arpl", 20, mod)
	assert.False(t, found)

	require.NoError(t, idx.Delete(ctx, "a.arpl"))
	require.NoError(t, idx.Delete(ctx, "missing.arpl"))
	_, found, _ = idx.Get(ctx, "a.arpl", 10, mod)
	assert.False(t, found)
}

func TestMemoryIndex(t *testing.T) {
	exerciseIndex(t, NewMemoryIndex())
}

func TestBadgerIndex_InMemory(t *testing.T) {
	idx, err := NewInMemoryBadgerIndex()
	require.NoError(t, err)
	defer idx.Close()
	exerciseIndex(t, idx)
}

func TestBadgerIndex_OnDiskSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	mod := time.Unix(1700000000, 0)

	idx, err := NewBadgerIndex(dir)
	require.NoError(t, err)
	require.NoError(t, idx.Put(ctx, "a.arpl", 1, mod, testHeader("persisted")))
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	_, _, err = idx.Get(ctx, "a.arpl", 1, mod)
	assert.Error(t, err, "закрытый индекс не отвечает")

	idx, err = NewBadgerIndex(dir)
	require.NoError(t, err)
	defer idx.Close()
	h, found, err := idx.Get(ctx, "a.arpl", 1, mod)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "persisted", h.ID)
}
