package container

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/annel0/asteroids-replay/internal/codec"
	"github.com/annel0/asteroids-replay/internal/replay"
)

// FrameSource отдаёт кадры по одному через emit; ошибка emit прерывает обход
type FrameSource func(emit func(f *codec.Frame) error) error

// Frames превращает срез кадров в FrameSource
func Frames(frames []codec.Frame) FrameSource {
	return func(emit func(f *codec.Frame) error) error {
		for i := range frames {
			if err := emit(&frames[i]); err != nil {
				return err
			}
		}
		return nil
	}
}

type options struct {
	level zstd.EncoderLevel
}

// Option настраивает запись
type Option func(*options)

// WithLevel задаёт уровень сжатия в шкале zstd (1..22); 0 - уровень по умолчанию
func WithLevel(level int) Option {
	return func(o *options) {
		if level > 0 {
			o.level = zstd.EncoderLevelFromZstd(level)
		}
	}
}

// Write пишет контейнер в w. Число кадров источника должно совпасть с header.FrameCount,
// тики должны строго возрастать.
func Write(ctx context.Context, w io.Writer, header replay.Header, frames FrameSource, opts ...Option) error {
	o := options{level: zstd.SpeedDefault}
	for _, opt := range opts {
		opt(&o)
	}

	if err := header.Validate(); err != nil {
		return fmt.Errorf("container: invalid header: %w", err)
	}
	hdr, err := msgpack.Marshal(&header)
	if err != nil {
		return fmt.Errorf("container: encode header: %w", err)
	}

	pre := make([]byte, 0, preambleSize+len(hdr)+4)
	pre = append(pre, Magic...)
	pre = binary.BigEndian.AppendUint16(pre, Version)
	pre = binary.BigEndian.AppendUint32(pre, uint32(len(hdr)))
	pre = append(pre, hdr...)
	pre = appendChecksum(pre, hdr)
	if _, err := w.Write(pre); err != nil {
		return fmt.Errorf("container: write header: %w", err)
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(o.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("container: create compressor: %w", err)
	}

	var (
		count   int
		tick    uint64
		buf     []byte
		lenBuf  [binary.MaxVarintLen64]byte
		started bool
	)
	err = frames(func(f *codec.Frame) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := f.Tick
		if !f.Keyframe {
			next = tick + f.Tick
		}
		if (started && next <= tick) || (!started && !f.Keyframe) {
			return fmt.Errorf("container: frame %d: tick %d after %d: %w", count, next, tick, codec.ErrTickOrder)
		}
		if count == 0 && next != header.FirstTick {
			return fmt.Errorf("container: first tick %d, header says %d", next, header.FirstTick)
		}
		tick, started = next, true

		buf = f.AppendWire(buf[:0])
		n := binary.PutUvarint(lenBuf[:], uint64(len(buf)))
		if _, err := zw.Write(lenBuf[:n]); err != nil {
			return err
		}
		if _, err := zw.Write(buf); err != nil {
			return err
		}
		var sum [4]byte
		binary.BigEndian.PutUint32(sum[:], checksum(buf))
		if _, err := zw.Write(sum[:]); err != nil {
			return err
		}
		// блок на запись: обрезанный файл читается до последнего целого кадра
		if err := zw.Flush(); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("container: write frames: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("container: flush frames: %w", err)
	}
	if count != header.FrameCount {
		return fmt.Errorf("container: wrote %d frames, header says %d", count, header.FrameCount)
	}
	if count > 0 && tick != header.LastTick {
		return fmt.Errorf("container: last tick %d, header says %d", tick, header.LastTick)
	}
	return nil
}

// WriteFile пишет контейнер во временный файл path.tmp и переименовывает его в path.
// При ошибке временный файл удаляется, существующий path не затрагивается.
// Возвращает размер записанного файла.
func WriteFile(ctx context.Context, path string, header replay.Header, frames FrameSource, opts ...Option) (int64, error) {
	if _, err := os.Stat(path); err == nil {
		return 0, replay.Errorf(replay.KindIO, "write", path, os.ErrExist)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, replay.Errorf(replay.KindIO, "write", path, err)
	}

	fail := func(err error) (int64, error) {
		f.Close()
		os.Remove(tmp)
		return 0, replay.Errorf(replay.KindIO, "write", path, err)
	}

	bw := bufio.NewWriterSize(f, 64<<10)
	if err := Write(ctx, bw, header, frames, opts...); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	info, err := f.Stat()
	if err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return 0, replay.Errorf(replay.KindIO, "write", path, err)
	}
	if _, err := os.Stat(path); err == nil {
		os.Remove(tmp)
		return 0, replay.Errorf(replay.KindIO, "write", path, os.ErrExist)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, replay.Errorf(replay.KindIO, "write", path, err)
	}
	return info.Size(), nil
}
