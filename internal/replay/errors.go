package replay

import (
	"errors"
	"fmt"
)

// Kind классифицирует ошибки подсистемы для UI и логов
type Kind int

const (
	KindRecord Kind = iota + 1 // сбой буфера или финализации записи
	KindIO                     // хранилище недоступно, нет прав
	KindSchema                 // несовместимая версия или чужой файл
	KindDecode                 // повреждённый поток посреди файла
	KindBusy                   // файл открыт для воспроизведения
)

// String возвращает строковое представление вида ошибки
func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindIO:
		return "io"
	case KindSchema:
		return "schema"
	case KindDecode:
		return "decode"
	case KindBusy:
		return "busy"
	default:
		return "unknown"
	}
}

var (
	ErrBusy               = errors.New("replay file is open for playback")
	ErrBadMagic           = errors.New("not a replay file")
	ErrUnsupportedVersion = errors.New("unsupported replay version")
	ErrChecksum           = errors.New("checksum mismatch")
	ErrTruncated          = errors.New("replay stream truncated")
	ErrNoSession          = errors.New("no active recording session")
	ErrDiskFull           = errors.New("not enough free disk space")
	ErrInvalidState       = errors.New("operation not valid in current playback state")
	ErrInvalidSpeed       = errors.New("unsupported playback speed")
	ErrOutsideDir         = errors.New("path is outside the replay directory")
)

// Error - ошибка подсистемы реплеев с видом, операцией и путём
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf создаёт ошибку заданного вида
func Errorf(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf возвращает вид ошибки или 0, если ошибка не из подсистемы
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// IsKind проверяет вид ошибки в цепочке
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
