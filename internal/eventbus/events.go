package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Типы событий жизненного цикла реплеев
const (
	TypeReplaySaved       = "replay.saved"
	TypeRecordFailed      = "replay.record_failed"
	TypeReplayDeleted     = "replay.deleted"
	TypePlaybackCompleted = "replay.playback_completed"
	TypeDecodeWarning     = "replay.decode_warning"
)

const (
	replayEventVersion    = 1
	defaultReplayPriority = 3
	failureReplayPriority = 7
)

// ReplayEvent - полезная нагрузка событий реплеев
type ReplayEvent struct {
	Name     string  `msgpack:"name,omitempty" json:"name,omitempty"`
	ID       string  `msgpack:"id,omitempty" json:"id,omitempty"`
	Outcome  string  `msgpack:"outcome,omitempty" json:"outcome,omitempty"`
	Score    int     `msgpack:"score,omitempty" json:"score,omitempty"`
	Frames   int     `msgpack:"frames,omitempty" json:"frames,omitempty"`
	Bytes    int64   `msgpack:"bytes,omitempty" json:"bytes,omitempty"`
	Duration float64 `msgpack:"duration,omitempty" json:"duration,omitempty"` // секунды
	Error    string  `msgpack:"error,omitempty" json:"error,omitempty"`
}

// NewReplayEnvelope упаковывает событие реплея в Envelope
func NewReplayEnvelope(source, eventType string, ev ReplayEvent) (*Envelope, error) {
	payload, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	prio := defaultReplayPriority
	if ev.Error != "" {
		prio = failureReplayPriority
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		EventType:     eventType,
		Version:       replayEventVersion,
		CorrelationID: ev.ID,
		Priority:      prio,
		Payload:       payload,
	}, nil
}

// DecodeReplayEvent распаковывает полезную нагрузку события реплея
func DecodeReplayEvent(env *Envelope) (ReplayEvent, error) {
	var ev ReplayEvent
	if err := msgpack.Unmarshal(env.Payload, &ev); err != nil {
		return ReplayEvent{}, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return ev, nil
}

// Emit публикует событие реплея. nil-шина - событие никуда не уходит.
func Emit(ctx context.Context, bus EventBus, source, eventType string, ev ReplayEvent) error {
	if bus == nil {
		return nil
	}
	env, err := NewReplayEnvelope(source, eventType, ev)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, env)
}
