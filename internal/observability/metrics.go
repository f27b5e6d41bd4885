package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics - Prometheus-метрики подсистемы реплеев
type Metrics struct {
	FramesRecorded    prometheus.Counter
	FramesDropped     *prometheus.CounterVec
	ReplaysSaved      prometheus.Counter
	RecordFailures    prometheus.Counter
	BytesWritten      prometheus.Counter
	LoadDuration      prometheus.Histogram
	DecodeWarnings    prometheus.Counter
	PlaybackCompleted prometheus.Counter
	CorruptFiles      prometheus.Gauge
	ReplaysDeleted    prometheus.Counter
}

// NewMetrics создаёт метрики и регистрирует их в reg.
// reg == nil - метрики работают, но нигде не зарегистрированы (тесты, библиотечное использование).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "frames_recorded_total",
			Help:      "Кадров, принятых в буфер записи.",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "frames_dropped_total",
			Help:      "Кадров, отброшенных при записи, по причине.",
		}, []string{"reason"}),
		ReplaysSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "saved_total",
			Help:      "Успешно сохранённых реплеев.",
		}),
		RecordFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "record_failures_total",
			Help:      "Сессий, которые не удалось сохранить.",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "bytes_written_total",
			Help:      "Байт записано в файлы реплеев.",
		}),
		LoadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "replay",
			Name:      "load_duration_seconds",
			Help:      "Время загрузки реплея для воспроизведения.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		DecodeWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "decode_warnings_total",
			Help:      "Загрузок, оборванных ошибкой декодирования.",
		}),
		PlaybackCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "playback_completed_total",
			Help:      "Воспроизведений, дошедших до конца.",
		}),
		CorruptFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "replay",
			Name:      "catalog_corrupt_files",
			Help:      "Нечитаемых файлов в каталоге при последнем сканировании.",
		}),
		ReplaysDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "deleted_total",
			Help:      "Удалённых реплеев.",
		}),
	}
}

var discard = NewMetrics(nil)

// OrDiscard возвращает m или общий незарегистрированный набор метрик
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return discard
	}
	return m
}
