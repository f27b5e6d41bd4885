// Package api - REST-адаптер каталога реплеев для лаунчера и внешних инструментов.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/annel0/asteroids-replay/internal/catalog"
	"github.com/annel0/asteroids-replay/internal/logging"
	"github.com/annel0/asteroids-replay/internal/middleware"
	"github.com/annel0/asteroids-replay/internal/replay"
	"github.com/annel0/asteroids-replay/internal/storage"
)

const serviceName = "replay_api"

// RestServer представляет REST API сервер
type RestServer struct {
	router  *gin.Engine
	server  *http.Server
	catalog *catalog.Catalog
	port    string
	metrics *ServerMetrics
	log     *logging.Logger
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port       string                // адрес, например ":8089"
	Catalog    *catalog.Catalog      // каталог реплеев
	Registerer prometheus.Registerer // куда регистрировать HTTP-метрики
	Gatherer   prometheus.Gatherer   // откуда /metrics берёт метрики
}

// NewRestServer создает новый REST API сервер
func NewRestServer(config Config) *RestServer {
	if config.Port == "" {
		config.Port = ":8089"
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	// === Observability middleware ===
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.NewRequestLogger(nil).Handler())

	promMw := middleware.NewPrometheusMiddleware(serviceName, config.Registerer)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router, config.Gatherer)

	rs := &RestServer{
		router: router,
		server: &http.Server{
			Addr:              config.Port,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		catalog: config.Catalog,
		port:    config.Port,
		metrics: NewServerMetrics(),
		log:     logging.GetAPILogger(),
	}
	rs.setupRoutes()
	return rs
}

// setupRoutes настраивает маршруты REST API
func (rs *RestServer) setupRoutes() {
	rs.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	api := rs.router.Group("/api")
	{
		api.GET("/stats", rs.handleStats)

		replays := api.Group("/replays")
		replays.GET("", rs.handleListReplays)
		replays.GET("/corrupt", rs.handleCorruptReplays)
		replays.GET("/:name", rs.handleGetReplay)
		replays.DELETE("/:name", rs.handleDeleteReplay)
	}

	rs.router.GET("/health", rs.handleHealth)
}

// Handler возвращает http.Handler сервера (для тестов и встраивания)
func (rs *RestServer) Handler() http.Handler { return rs.router }

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ReplayInfo - реплей в ответах API
type ReplayInfo struct {
	File       string    `json:"file"`
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Score      int       `json:"score"`
	Level      int       `json:"level"`
	Outcome    string    `json:"outcome"`
	Duration   float64   `json:"duration_seconds"`
	Frames     int       `json:"frames"`
	Events     int       `json:"events"`
	Size       int64     `json:"size_bytes"`
	Difficulty string    `json:"difficulty,omitempty"`
	ShipType   string    `json:"ship_type,omitempty"`
}

func toReplayInfo(e catalog.Entry) ReplayInfo {
	return ReplayInfo{
		File:       e.Ref.Name,
		ID:         e.Header.ID,
		CreatedAt:  e.Header.CreatedAt,
		Score:      e.Header.FinalScore,
		Level:      e.Header.FinalLevel,
		Outcome:    string(e.Header.Outcome),
		Duration:   e.Header.Duration().Seconds(),
		Frames:     e.Header.FrameCount,
		Events:     e.Header.EventCount,
		Size:       e.Size,
		Difficulty: e.Header.Difficulty,
		ShipType:   e.Header.ShipType,
	}
}

// CorruptInfo - нечитаемый файл в ответах API
type CorruptInfo struct {
	File  string `json:"file"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// listQuery - параметры GET /api/replays
type listQuery struct {
	sort  catalog.SortKey
	desc  bool
	preds []func(replay.Header) bool
}

func parseListQuery(c *gin.Context) (listQuery, error) {
	var q listQuery
	var err error
	if q.sort, err = catalog.ParseSortKey(c.Query("sort")); err != nil {
		return q, err
	}
	switch strings.ToLower(c.DefaultQuery("order", "desc")) {
	case "desc":
		q.desc = true
	case "asc":
	default:
		return q, errors.New("order must be asc or desc")
	}
	if s := c.Query("outcome"); s != "" {
		o, err := replay.ParseOutcome(s)
		if err != nil {
			return q, err
		}
		q.preds = append(q.preds, catalog.ByOutcome(o))
	}
	if s := c.Query("min_score"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return q, errors.New("min_score must be an integer")
		}
		q.preds = append(q.preds, catalog.MinScore(n))
	}
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, errors.New("since must be an RFC 3339 timestamp")
		}
		q.preds = append(q.preds, catalog.Since(t))
	}
	return q, nil
}

// handleListReplays возвращает отсортированный и отфильтрованный список реплеев
func (rs *RestServer) handleListReplays(c *gin.Context) {
	q, err := parseListQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, GenericResponse{Success: false, Message: err.Error()})
		return
	}

	entries, err := rs.catalog.List(c.Request.Context())
	if err != nil {
		rs.fail(c, err)
		return
	}
	if len(q.preds) > 0 {
		entries = catalog.Filter(entries, catalog.All(q.preds...))
	}
	catalog.Sort(entries, q.sort, q.desc)

	out := make([]ReplayInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, toReplayInfo(e))
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Список реплеев",
		Data:    out,
	})
}

// handleCorruptReplays возвращает файлы, которые не удалось прочитать
func (rs *RestServer) handleCorruptReplays(c *gin.Context) {
	corrupt, err := rs.catalog.Corrupt(c.Request.Context())
	if err != nil {
		rs.fail(c, err)
		return
	}
	out := make([]CorruptInfo, 0, len(corrupt))
	for _, ce := range corrupt {
		msg := ""
		if ce.Err != nil {
			msg = ce.Err.Error()
		}
		out = append(out, CorruptInfo{File: ce.Ref.Name, Kind: ce.Kind.String(), Error: msg})
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Повреждённые файлы",
		Data:    out,
	})
}

// handleGetReplay возвращает заголовок одного реплея
func (rs *RestServer) handleGetReplay(c *gin.Context) {
	e, err := rs.catalog.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Реплей",
		Data:    toReplayInfo(e),
	})
}

// handleDeleteReplay удаляет реплей; 409, если он сейчас воспроизводится
func (rs *RestServer) handleDeleteReplay(c *gin.Context) {
	name := c.Param("name")
	ref, err := rs.catalog.Dir().Ref(name)
	if err != nil {
		rs.fail(c, err)
		return
	}
	if err := rs.catalog.Delete(c.Request.Context(), ref); err != nil {
		rs.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "Реплей удалён"})
}

// handleStats возвращает сводку каталога и процесса
func (rs *RestServer) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	entries, err := rs.catalog.List(ctx)
	if err != nil {
		rs.fail(c, err)
		return
	}
	corrupt, err := rs.catalog.Corrupt(ctx)
	if err != nil {
		rs.fail(c, err)
		return
	}

	var bytes int64
	outcomes := make(map[string]int)
	best := 0
	for _, e := range entries {
		bytes += e.Size
		outcomes[string(e.Header.Outcome)]++
		if e.Header.FinalScore > best {
			best = e.Header.FinalScore
		}
	}

	stats := map[string]interface{}{
		"replays":    len(entries),
		"corrupt":    len(corrupt),
		"bytes":      bytes,
		"best_score": best,
		"outcomes":   outcomes,
	}
	server := map[string]interface{}{
		"uptime":      rs.metrics.GetUptime(),
		"heap_mb":     rs.metrics.GetMemoryUsage(),
		"server_time": time.Now().Unix(),
	}
	if cpu, rss, err := rs.metrics.GetProcessStats(); err == nil {
		server["cpu_percent"] = cpu
		server["rss_mb"] = rss
	}
	if free, err := rs.catalog.Dir().FreeSpace(); err == nil {
		server["free_bytes"] = free
	}
	stats["server"] = server

	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: "Статистика получена",
		Data:    stats,
	})
}

// handleHealth проверка состояния сервера
func (rs *RestServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Unix(),
	})
}

// statusFor сопоставляет ошибку подсистемы HTTP-статусу
func statusFor(err error) int {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, replay.ErrOutsideDir), errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest
	}
	switch replay.KindOf(err) {
	case replay.KindBusy:
		return http.StatusConflict
	case replay.KindSchema, replay.KindDecode:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.Canceled) {
		return 499
	}
	return http.StatusInternalServerError
}

func (rs *RestServer) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= 500 {
		rs.log.Error("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, GenericResponse{Success: false, Message: err.Error()})
}

// Start запускает REST сервер и блокируется до Stop
func (rs *RestServer) Start() error {
	rs.log.Info("🌐 REST API слушает %s", rs.port)
	if err := rs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop корректно завершает сервер
func (rs *RestServer) Stop(ctx context.Context) error {
	return rs.server.Shutdown(ctx)
}
