package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/annel0/asteroids-replay/internal/replay"
)

// SortKey - поле сортировки списка
type SortKey int

const (
	ByDate SortKey = iota
	ByScore
	ByDuration
)

func (k SortKey) String() string {
	switch k {
	case ByScore:
		return "score"
	case ByDuration:
		return "duration"
	default:
		return "date"
	}
}

// ParseSortKey разбирает date | score | duration
func ParseSortKey(s string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "date":
		return ByDate, nil
	case "score":
		return ByScore, nil
	case "duration":
		return ByDuration, nil
	}
	return ByDate, fmt.Errorf("unknown sort key %q", s)
}

// Sort упорядочивает записи на месте. При равенстве ключей порядок по имени файла.
func Sort(entries []Entry, key SortKey, desc bool) {
	less := func(a, b *Entry) int {
		switch key {
		case ByScore:
			return cmpInt(int64(a.Header.FinalScore), int64(b.Header.FinalScore))
		case ByDuration:
			return cmpInt(int64(a.Header.Duration()), int64(b.Header.Duration()))
		default:
			return a.Header.CreatedAt.Compare(b.Header.CreatedAt)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		c := less(&entries[i], &entries[j])
		if c == 0 {
			return entries[i].Ref.Name < entries[j].Ref.Name
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Filter возвращает записи, заголовок которых удовлетворяет pred
func Filter(entries []Entry, pred func(replay.Header) bool) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if pred(e.Header) {
			out = append(out, e)
		}
	}
	return out
}

// ByOutcome - реплеи с заданным исходом
func ByOutcome(o replay.Outcome) func(replay.Header) bool {
	return func(h replay.Header) bool { return h.Outcome == o }
}

// MinScore - реплеи со счётом не ниже min
func MinScore(min int) func(replay.Header) bool {
	return func(h replay.Header) bool { return h.FinalScore >= min }
}

// Since - реплеи, начатые не раньше t
func Since(t time.Time) func(replay.Header) bool {
	return func(h replay.Header) bool { return !h.CreatedAt.Before(t) }
}

// All объединяет предикаты через И
func All(preds ...func(replay.Header) bool) func(replay.Header) bool {
	return func(h replay.Header) bool {
		for _, p := range preds {
			if !p(h) {
				return false
			}
		}
		return true
	}
}
