package container

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/annel0/asteroids-replay/internal/codec"
	"github.com/annel0/asteroids-replay/internal/replay"
)

// ReadHeader читает магию, версию и заголовок. Поток кадров не трогает.
func ReadHeader(r io.Reader) (replay.Header, error) {
	return readHeader(r, "")
}

// ReadHeaderFile читает только заголовок файла реплея
func ReadHeaderFile(path string) (replay.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return replay.Header{}, replay.Errorf(replay.KindIO, "read header", path, err)
	}
	defer f.Close()
	return readHeader(bufio.NewReaderSize(f, 4096), path)
}

func readHeader(r io.Reader, path string) (replay.Header, error) {
	const op = "read header"

	var pre [preambleSize]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return replay.Header{}, replay.Errorf(replay.KindSchema, op, path, replay.ErrBadMagic)
		}
		return replay.Header{}, replay.Errorf(replay.KindIO, op, path, err)
	}
	if string(pre[:len(Magic)]) != Magic {
		return replay.Header{}, replay.Errorf(replay.KindSchema, op, path, replay.ErrBadMagic)
	}
	if v := binary.BigEndian.Uint16(pre[len(Magic):]); v != Version {
		return replay.Header{}, replay.Errorf(replay.KindSchema, op, path,
			fmt.Errorf("%w: container version %d", replay.ErrUnsupportedVersion, v))
	}
	size := binary.BigEndian.Uint32(pre[len(Magic)+2:])
	if size == 0 || size > maxHeaderSize {
		return replay.Header{}, replay.Errorf(replay.KindDecode, op, path,
			fmt.Errorf("header size %d out of range", size))
	}

	block := make([]byte, int(size)+4)
	if _, err := io.ReadFull(r, block); err != nil {
		return replay.Header{}, replay.Errorf(replay.KindDecode, op, path,
			fmt.Errorf("%w: header block: %v", replay.ErrTruncated, err))
	}
	hdr, sum := block[:size], binary.BigEndian.Uint32(block[size:])
	if checksum(hdr) != sum {
		return replay.Header{}, replay.Errorf(replay.KindDecode, op, path,
			fmt.Errorf("%w: header block", replay.ErrChecksum))
	}

	var h replay.Header
	if err := msgpack.Unmarshal(hdr, &h); err != nil {
		return replay.Header{}, replay.Errorf(replay.KindDecode, op, path, err)
	}
	if h.SchemaVersion != replay.SchemaVersion {
		return replay.Header{}, replay.Errorf(replay.KindSchema, op, path,
			fmt.Errorf("%w: schema %d", replay.ErrUnsupportedVersion, h.SchemaVersion))
	}
	if err := h.Validate(); err != nil {
		return replay.Header{}, replay.Errorf(replay.KindSchema, op, path, err)
	}
	return h, nil
}

// Reader последовательно читает кадры контейнера.
// Использование: for r.Next() { f := r.Frame() }; затем r.Err().
// После первой ошибки Next всегда возвращает false, Err возвращает её же.
type Reader struct {
	path   string
	closer io.Closer
	zr     *zstd.Decoder
	br     *bufio.Reader
	header replay.Header

	frame codec.Frame
	buf   []byte
	count int
	tick  uint64
	err   error
	done  bool
}

// Open открывает файл реплея и читает заголовок
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, replay.Errorf(replay.KindIO, "open", path, err)
	}
	r, err := newReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader читает контейнер из произвольного потока
func NewReader(src io.Reader) (*Reader, error) {
	return newReader(src, "")
}

func newReader(src io.Reader, path string) (*Reader, error) {
	br := bufio.NewReaderSize(src, 64<<10)
	h, err := readHeader(br, path)
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
	if err != nil {
		return nil, replay.Errorf(replay.KindDecode, "open", path, err)
	}
	return &Reader{
		path:   path,
		zr:     zr,
		br:     bufio.NewReader(zr),
		header: h,
	}, nil
}

// Header возвращает заголовок файла
func (r *Reader) Header() replay.Header { return r.header }

// Count возвращает число успешно прочитанных кадров
func (r *Reader) Count() int { return r.count }

// Next читает следующий кадр. false - конец потока или ошибка (см. Err).
func (r *Reader) Next() bool {
	if r.done {
		return false
	}
	if r.count >= r.header.FrameCount {
		r.done = true
		return false
	}
	if err := r.next(); err != nil {
		r.err = replay.Errorf(replay.KindDecode, "read frame", r.path,
			fmt.Errorf("frame %d: %w", r.count, err))
		r.done = true
		return false
	}
	r.count++
	return true
}

func (r *Reader) next() error {
	size, err := binary.ReadUvarint(r.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %d of %d frames", replay.ErrTruncated, r.count, r.header.FrameCount)
		}
		return truncated(err)
	}
	if size == 0 || size > maxFrameSize {
		return fmt.Errorf("frame size %d out of range", size)
	}
	if cap(r.buf) < int(size)+4 {
		r.buf = make([]byte, int(size)+4)
	}
	r.buf = r.buf[:int(size)+4]
	if _, err := io.ReadFull(r.br, r.buf); err != nil {
		return truncated(err)
	}
	data, sum := r.buf[:size], binary.BigEndian.Uint32(r.buf[size:])
	if checksum(data) != sum {
		return replay.ErrChecksum
	}

	f, err := codec.UnmarshalFrame(data)
	if err != nil {
		return err
	}
	next := f.Tick
	if !f.Keyframe {
		if r.count == 0 {
			return codec.ErrNoBase
		}
		next = r.tick + f.Tick
	}
	if r.count > 0 && next <= r.tick {
		return fmt.Errorf("%w: %d after %d", codec.ErrTickOrder, next, r.tick)
	}
	r.tick = next
	r.frame = f
	return nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", replay.ErrTruncated, err)
	}
	return err
}

// Frame возвращает последний прочитанный кадр
func (r *Reader) Frame() codec.Frame { return r.frame }

// Tick возвращает абсолютный тик последнего прочитанного кадра
func (r *Reader) Tick() uint64 { return r.tick }

// Err возвращает ошибку чтения, если она была
func (r *Reader) Err() error { return r.err }

// Close освобождает декомпрессор и файл
func (r *Reader) Close() error {
	r.done = true
	if r.zr != nil {
		r.zr.Close()
		r.zr = nil
	}
	if r.closer != nil {
		err := r.closer.Close()
		r.closer = nil
		return err
	}
	return nil
}
