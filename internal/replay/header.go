package replay

import (
	"fmt"
	"strings"
	"time"
)

// SchemaVersion - версия схемы заголовка и кадров.
// Любое изменение квантования, кодирования операций или набора полей заголовка требует увеличения.
const SchemaVersion = 1

// Outcome - исход сессии
type Outcome string

const (
	OutcomeVictory Outcome = "victory"
	OutcomeDefeat  Outcome = "defeat"
	OutcomeQuit    Outcome = "quit"
)

// Valid проверяет, что исход известен схеме
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeVictory, OutcomeDefeat, OutcomeQuit:
		return true
	}
	return false
}

// ParseOutcome разбирает исход без учёта регистра
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("unknown outcome %q", s)
	}
	return o, nil
}

// Quantization - шаги квантования, с которыми записан файл
type Quantization struct {
	PositionStep float64 `msgpack:"pos"`
	VelocityStep float64 `msgpack:"vel"`
	HeadingStep  float64 `msgpack:"hdg"`
	SizeStep     float64 `msgpack:"size"`
}

// Header - метаданные одной записи. Неизменяем после записи.
type Header struct {
	SchemaVersion    int          `msgpack:"schema_version" json:"schema_version"`
	ID               string       `msgpack:"id" json:"id"`
	CreatedAt        time.Time    `msgpack:"created_at" json:"created_at"`
	TickRate         int          `msgpack:"tick_rate" json:"tick_rate"`
	FrameCount       int          `msgpack:"frame_count" json:"frame_count"`
	FirstTick        uint64       `msgpack:"first_tick" json:"first_tick"`
	LastTick         uint64       `msgpack:"last_tick" json:"last_tick"`
	FinalScore       int          `msgpack:"final_score" json:"final_score"`
	FinalLevel       int          `msgpack:"final_level" json:"final_level"`
	Outcome          Outcome      `msgpack:"outcome" json:"outcome"`
	Difficulty       string       `msgpack:"difficulty,omitempty" json:"difficulty,omitempty"`
	ShipType         string       `msgpack:"ship_type,omitempty" json:"ship_type,omitempty"`
	EventCount       int          `msgpack:"event_count" json:"event_count"`
	KeyframeInterval int          `msgpack:"keyframe_interval" json:"keyframe_interval"`
	Quantization     Quantization `msgpack:"quantization" json:"-"`
}

// Duration - номинальная длительность сессии по тикам
func (h Header) Duration() time.Duration {
	if h.TickRate <= 0 || h.LastTick < h.FirstTick {
		return 0
	}
	ticks := h.LastTick - h.FirstTick
	return time.Duration(float64(ticks) / float64(h.TickRate) * float64(time.Second))
}

// TickTime переводит индекс тика в секунды от начала сессии
func (h Header) TickTime(tick uint64) float64 {
	if h.TickRate <= 0 || tick < h.FirstTick {
		return 0
	}
	return float64(tick-h.FirstTick) / float64(h.TickRate)
}

// Validate проверяет заголовок перед записью и после чтения
func (h Header) Validate() error {
	if strings.TrimSpace(h.ID) == "" {
		return fmt.Errorf("header id must not be empty")
	}
	if h.TickRate <= 0 {
		return fmt.Errorf("tick rate must be positive, got %d", h.TickRate)
	}
	if !h.Outcome.Valid() {
		return fmt.Errorf("unknown outcome %q", h.Outcome)
	}
	if h.FrameCount < 0 {
		return fmt.Errorf("frame count must not be negative")
	}
	if h.FrameCount > 0 && h.LastTick < h.FirstTick {
		return fmt.Errorf("last tick %d precedes first tick %d", h.LastTick, h.FirstTick)
	}
	return nil
}
