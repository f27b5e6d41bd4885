package eventbus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Envelope - событие на шине. Полезная нагрузка - msgpack ReplayEvent.
type Envelope struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"ts"`
	Source        string    `json:"source"` // recorder, catalog, playback
	EventType     string    `json:"type"`
	Version       int       `json:"v"`
	CorrelationID string    `json:"correlation_id,omitempty"` // ID сессии реплея
	Priority      int       `json:"prio"`                     // 0..9
	Payload       []byte    `json:"payload"`
}

// Filter отбирает события по типу и источнику; пустой список пропускает всё
type Filter struct {
	Types   []string
	Sources []string
}

// Match сообщает, проходит ли событие фильтр
func (f Filter) Match(ev *Envelope) bool {
	return (len(f.Types) == 0 || slices.Contains(f.Types, ev.EventType)) &&
		(len(f.Sources) == 0 || slices.Contains(f.Sources, ev.Source))
}

type Subscription interface {
	Unsubscribe()
}

type Handler func(ctx context.Context, ev *Envelope)

// Stats - счётчики шины для метрик
type Stats struct {
	Published uint64
	Consumed  uint64
	Dropped   uint64
	InFlight  int
}

type EventBus interface {
	Publish(ctx context.Context, ev *Envelope) error
	Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error)
	Metrics() Stats
}

// memoryBus вызывает обработчики прямо в Publish, в порядке подписки.
// Своих горутин и очередей нет.
type memoryBus struct {
	mu   sync.Mutex
	subs []*memSub

	published atomic.Uint64
	consumed  atomic.Uint64
	dropped   atomic.Uint64
}

type memSub struct {
	bus     *memoryBus
	filter  Filter
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMemoryBus создаёт шину с синхронной доставкой
func NewMemoryBus() EventBus {
	return &memoryBus{}
}

func (mb *memoryBus) Publish(ctx context.Context, ev *Envelope) error {
	if err := ctx.Err(); err != nil {
		mb.dropped.Add(1)
		return err
	}
	mb.published.Add(1)

	mb.mu.Lock()
	subs := slices.Clone(mb.subs)
	mb.mu.Unlock()

	// обработчики получают общий Envelope и не должны его менять
	for _, s := range subs {
		if s.ctx.Err() != nil || !s.filter.Match(ev) {
			continue
		}
		s.handler(s.ctx, ev)
		mb.consumed.Add(1)
	}
	return nil
}

func (mb *memoryBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	cctx, cancel := context.WithCancel(ctx)
	s := &memSub{bus: mb, filter: f, handler: h, ctx: cctx, cancel: cancel}
	mb.mu.Lock()
	mb.subs = append(mb.subs, s)
	mb.mu.Unlock()
	return s, nil
}

func (mb *memoryBus) Metrics() Stats {
	return Stats{
		Published: mb.published.Load(),
		Consumed:  mb.consumed.Load(),
		Dropped:   mb.dropped.Load(),
	}
}

func (s *memSub) Unsubscribe() {
	s.cancel()
	s.bus.mu.Lock()
	s.bus.subs = slices.DeleteFunc(s.bus.subs, func(o *memSub) bool { return o == s })
	s.bus.mu.Unlock()
}
