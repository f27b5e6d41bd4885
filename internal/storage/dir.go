// Package storage управляет каталогом реплеев пользователя: пути, имена файлов,
// эксклюзивные блокировки на время воспроизведения и кэш заголовков.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/annel0/asteroids-replay/internal/replay"
)

// Ext - расширение файлов реплеев
const Ext = ".arpl"

// ErrInvalidName - имя файла содержит разделители, обход каталога или чужое расширение
var ErrInvalidName = errors.New("invalid replay file name")

// FileRef - ссылка на файл реплея внутри каталога
type FileRef struct {
	Name string `json:"name"`
	Path string `json:"-"`
}

func (r FileRef) String() string { return r.Path }

// Dir - каталог реплеев
type Dir struct {
	path string
}

// DefaultDir возвращает $XDG_DATA_HOME/asteroids/replays или ~/.local/share/asteroids/replays
func DefaultDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("не удалось определить домашний каталог: %w", err)
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "asteroids", "replays"), nil
}

// OpenDir открывает каталог реплеев, создавая его при первом использовании.
// Пустой path означает DefaultDir.
func OpenDir(path string) (*Dir, error) {
	if path == "" {
		var err error
		if path, err = DefaultDir(); err != nil {
			return nil, replay.Errorf(replay.KindIO, "open dir", "", err)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, replay.Errorf(replay.KindIO, "open dir", path, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, replay.Errorf(replay.KindIO, "open dir", abs, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Dir{path: abs}, nil
}

// Path возвращает абсолютный путь каталога
func (d *Dir) Path() string { return d.path }

// validateName проверяет, что имя - безопасный компонент пути с расширением реплея
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if filepath.Ext(name) != Ext {
		return fmt.Errorf("%w: %q must end with %s", ErrInvalidName, name, Ext)
	}
	return nil
}

// Ref строит ссылку по имени файла
func (d *Dir) Ref(name string) (FileRef, error) {
	if err := validateName(name); err != nil {
		return FileRef{}, replay.Errorf(replay.KindIO, "ref", name, fmt.Errorf("%w: %v", replay.ErrOutsideDir, err))
	}
	return FileRef{Name: name, Path: filepath.Join(d.path, name)}, nil
}

// Validate отклоняет ссылки за пределами каталога
func (d *Dir) Validate(ref FileRef) error {
	p := ref.Path
	if p == "" {
		p = filepath.Join(d.path, ref.Name)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return replay.Errorf(replay.KindIO, "validate", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	rel, err := filepath.Rel(d.path, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return replay.Errorf(replay.KindIO, "validate", p, replay.ErrOutsideDir)
	}
	if err := validateName(rel); err != nil {
		return replay.Errorf(replay.KindIO, "validate", p, fmt.Errorf("%w: %v", replay.ErrOutsideDir, err))
	}
	if ref.Name != "" && ref.Name != rel {
		return replay.Errorf(replay.KindIO, "validate", p, replay.ErrOutsideDir)
	}
	return nil
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 8 {
			break
		}
	}
	return b.String()
}

// NewFileName подбирает свободное имя replay_<YYYYMMDD-HHMMSS>_<id>.arpl.
// Если имя занято, добавляется числовой суффикс; существующие файлы не перезаписываются.
func (d *Dir) NewFileName(created time.Time, id string) (FileRef, error) {
	base := fmt.Sprintf("replay_%s_%s", created.UTC().Format("20060102-150405"), sanitizeID(id))
	for i := 0; i < 1000; i++ {
		name := base + Ext
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", base, i, Ext)
		}
		p := filepath.Join(d.path, name)
		if _, err := os.Lstat(p); errors.Is(err, os.ErrNotExist) {
			return FileRef{Name: name, Path: p}, nil
		} else if err != nil {
			return FileRef{}, replay.Errorf(replay.KindIO, "new file name", p, err)
		}
	}
	return FileRef{}, replay.Errorf(replay.KindIO, "new file name", base, os.ErrExist)
}

// Scan перечисляет файлы реплеев в каталоге, отсортированные по имени.
// Временные файлы незавершённой записи пропускаются.
func (d *Dir) Scan() ([]FileRef, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, replay.Errorf(replay.KindIO, "scan", d.path, err)
	}
	refs := make([]FileRef, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		refs = append(refs, FileRef{Name: e.Name(), Path: filepath.Join(d.path, e.Name())})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// FreeSpace возвращает свободное место на разделе каталога
func (d *Dir) FreeSpace() (uint64, error) {
	usage, err := disk.Usage(d.path)
	if err != nil {
		return 0, replay.Errorf(replay.KindIO, "free space", d.path, err)
	}
	return usage.Free, nil
}

// EnsureFree проверяет, что свободно не меньше min байт
func (d *Dir) EnsureFree(min uint64) error {
	if min == 0 {
		return nil
	}
	free, err := d.FreeSpace()
	if err != nil {
		return err
	}
	if free < min {
		return replay.Errorf(replay.KindIO, "free space", d.path,
			fmt.Errorf("%w: %d bytes free, need %d", replay.ErrDiskFull, free, min))
	}
	return nil
}
