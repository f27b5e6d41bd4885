package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/annel0/asteroids-replay/internal/app"
	"github.com/annel0/asteroids-replay/internal/catalog"
	"github.com/annel0/asteroids-replay/internal/config"
	"github.com/annel0/asteroids-replay/internal/container"
	"github.com/annel0/asteroids-replay/internal/logging"
	"github.com/annel0/asteroids-replay/internal/playback"
	"github.com/annel0/asteroids-replay/internal/recorder"
	"github.com/annel0/asteroids-replay/internal/replay"
	"github.com/annel0/asteroids-replay/internal/simfeed"
)

const timeFormat = "2006-01-02 15:04:05"

func main() {
	var (
		configPath = flag.String("config", "", "YAML config path (default REPLAY_CONFIG)")
		dir        = flag.String("dir", "", "replay directory (overrides config and REPLAY_DIR)")
		command    = flag.String("cmd", "list", "Command: list, corrupt, info, delete, demo, play")
		file       = flag.String("file", "", "replay file name for info, delete, play")
		sortBy     = flag.String("sort", "date", "list sort key: date, score, duration")
		order      = flag.String("order", "desc", "list order: asc, desc")
		outcome    = flag.String("outcome", "", "list filter: victory, defeat, quit")
		minScore   = flag.Int("min-score", 0, "list filter: minimum final score")
		since      = flag.String("since", "", "list filter: duration back from now (24h) or RFC3339 time")
		frames     = flag.Int("frames", 600, "demo: number of ticks to record")
		seed       = flag.Int64("seed", 1, "demo: generator seed")
		speed      = flag.Float64("speed", 1, "play: speed multiplier")
		fps        = flag.Int("fps", 60, "play: render steps per second")
		every      = flag.Int("every", 30, "play: print every Nth rendered frame")
		realtime   = flag.Bool("realtime", false, "play: sleep between rendered frames")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if !*verbose {
		quietLogs()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Config: %v", err)
	}
	if *dir != "" {
		cfg.Storage.Dir = *dir
	}

	a, err := app.Open(cfg, nil)
	if err != nil {
		log.Fatalf("❌ Init: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *command {
	case "list":
		err = listReplays(ctx, a, &ListOptions{
			Sort:     *sortBy,
			Order:    *order,
			Outcome:  *outcome,
			MinScore: *minScore,
			Since:    *since,
		})
	case "corrupt":
		err = listCorrupt(ctx, a)
	case "info":
		err = showInfo(a, *file)
	case "delete":
		err = deleteReplay(ctx, a, *file)
	case "demo":
		err = recordDemo(ctx, a, *frames, *seed)
	case "play":
		err = playReplay(ctx, a, *file, &PlayOptions{
			Speed:    *speed,
			FPS:      *fps,
			Every:    *every,
			Realtime: *realtime,
		})
	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: list, corrupt, info, delete, demo, play")
		a.Close()
		os.Exit(1)
	}
	if err != nil {
		a.Close()
		log.Fatalf("❌ %s failed: %v", *command, err)
	}
}

// quietLogs оставляет в консоли только предупреждения и ошибки
func quietLogs() {
	logging.SetDefaultLevel(logging.WARN)
}

type ListOptions struct {
	Sort     string
	Order    string
	Outcome  string
	MinScore int
	Since    string
}

type PlayOptions struct {
	Speed    float64
	FPS      int
	Every    int
	Realtime bool
}

// listReplays выводит таблицу реплеев
func listReplays(ctx context.Context, a *app.App, opts *ListOptions) error {
	key, err := catalog.ParseSortKey(opts.Sort)
	if err != nil {
		return err
	}
	var preds []func(replay.Header) bool
	if opts.Outcome != "" {
		o, err := replay.ParseOutcome(opts.Outcome)
		if err != nil {
			return err
		}
		preds = append(preds, catalog.ByOutcome(o))
	}
	if opts.MinScore > 0 {
		preds = append(preds, catalog.MinScore(opts.MinScore))
	}
	if opts.Since != "" {
		t, err := parseSinceTime(opts.Since, time.Now())
		if err != nil {
			return fmt.Errorf("invalid since time: %v", err)
		}
		preds = append(preds, catalog.Since(t))
	}

	entries, err := a.Catalog.List(ctx)
	if err != nil {
		return err
	}
	if len(preds) > 0 {
		entries = catalog.Filter(entries, catalog.All(preds...))
	}
	catalog.Sort(entries, key, !strings.EqualFold(opts.Order, "asc"))

	fmt.Printf("📼 %d replays in %s\n\n", len(entries), a.Dir.Path())
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tDATE\tSCORE\tLEVEL\tDURATION\tOUTCOME")
	for _, e := range entries {
		h := e.Header
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Ref.Name,
			h.CreatedAt.Local().Format(timeFormat),
			h.FinalScore,
			h.FinalLevel,
			formatDuration(h.Duration()),
			h.Outcome)
	}
	return tw.Flush()
}

// listCorrupt выводит файлы, которые не удалось прочитать
func listCorrupt(ctx context.Context, a *app.App) error {
	corrupt, err := a.Catalog.Corrupt(ctx)
	if err != nil {
		return err
	}
	if len(corrupt) == 0 {
		fmt.Println("✅ No corrupt files")
		return nil
	}
	for _, c := range corrupt {
		fmt.Printf("⚠️  %s [%s] %v\n", c.Ref.Name, c.Kind, c.Err)
	}
	return nil
}

// showInfo выводит заголовок и статистику кадров файла
func showInfo(a *app.App, name string) error {
	ref, err := a.Dir.Ref(name)
	if err != nil {
		return err
	}
	r, err := container.Open(ref.Path)
	if err != nil {
		return err
	}
	defer r.Close()

	h := r.Header()
	fmt.Printf("File:        %s\n", ref.Name)
	fmt.Printf("ID:          %s\n", h.ID)
	fmt.Printf("Created:     %s\n", h.CreatedAt.Local().Format(timeFormat))
	fmt.Printf("Outcome:     %s (score %d, level %d)\n", h.Outcome, h.FinalScore, h.FinalLevel)
	if h.Difficulty != "" || h.ShipType != "" {
		fmt.Printf("Session:     difficulty=%s ship=%s\n", h.Difficulty, h.ShipType)
	}
	fmt.Printf("Ticks:       %d..%d @ %d/s (%s)\n", h.FirstTick, h.LastTick, h.TickRate, formatDuration(h.Duration()))
	fmt.Printf("Frames:      %d (keyframe every %d)\n", h.FrameCount, h.KeyframeInterval)
	fmt.Printf("Quantization: pos=%g vel=%g heading=%g size=%g\n",
		h.Quantization.PositionStep, h.Quantization.VelocityStep, h.Quantization.HeadingStep, h.Quantization.SizeStep)

	var keyframes, adds, updates, removes, events int
	for r.Next() {
		f := r.Frame()
		if f.Keyframe {
			keyframes++
		}
		ad, u, rm := f.OpCounts()
		adds += ad
		updates += u
		removes += rm
		events += len(f.Events)
	}
	fmt.Printf("Stream:      %d keyframes, %d adds, %d updates, %d removes, %d events\n",
		keyframes, adds, updates, removes, events)
	if err := r.Err(); err != nil {
		fmt.Printf("⚠️  Stream error after %d frames: %v\n", r.Count(), err)
	}
	return nil
}

// deleteReplay удаляет файл из каталога
func deleteReplay(ctx context.Context, a *app.App, name string) error {
	ref, err := a.Dir.Ref(name)
	if err != nil {
		return err
	}
	if err := a.Catalog.Delete(ctx, ref); err != nil {
		return err
	}
	fmt.Printf("🗑️  Deleted %s\n", ref.Name)
	return nil
}

// recordDemo записывает синтетическую сессию
func recordDemo(ctx context.Context, a *app.App, n int, seed int64) error {
	gen := simfeed.New(simfeed.DefaultOptions(seed))
	rec := a.NewRecorder()
	sess, err := rec.BeginSession(gen.TickRate(), recorder.SessionMeta{Difficulty: "demo", ShipType: "classic"})
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			rec.Discard()
			return err
		}
		rec.RecordTick(gen.Next())
	}

	outcome := replay.OutcomeVictory
	if seed%2 == 0 {
		outcome = replay.OutcomeDefeat
	}
	ref, err := rec.Finalize(ctx, outcome, gen.Score(), gen.Level())
	if err != nil {
		return err
	}
	fmt.Printf("🎬 Recorded session %s: %d frames -> %s\n", sess.ID, n, ref.Name)
	return nil
}

// playReplay проигрывает файл без рендера, печатая каждый N-й кадр
func playReplay(ctx context.Context, a *app.App, name string, opts *PlayOptions) error {
	ref, err := a.Dir.Ref(name)
	if err != nil {
		return err
	}
	if opts.FPS <= 0 {
		return fmt.Errorf("fps must be positive")
	}
	if opts.Every <= 0 {
		opts.Every = 1
	}

	p := a.NewPlayer(playback.OnWarning(func(err error) {
		fmt.Printf("⚠️  Partial replay: %v\n", err)
	}))
	if err := p.Load(ctx, ref); err != nil {
		return err
	}
	defer p.Stop()
	if err := p.SetSpeed(opts.Speed); err != nil {
		return err
	}
	if err := p.Play(); err != nil {
		return err
	}

	h, _ := p.Header()
	total := p.Duration()
	fmt.Printf("▶️  %s: %d frames, %s at %gx\n", ref.Name, p.Frames(), formatDuration(h.Duration()), opts.Speed)

	dt := time.Second / time.Duration(opts.FPS)
	step := time.Duration(0) // первый кадр показывается без сдвига часов
	for rendered := 0; p.State() == playback.Playing; rendered++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap, ok := p.Advance(step)
		step = dt
		if !ok {
			break
		}
		done := p.State() != playback.Playing
		if rendered%opts.Every == 0 || done {
			pos, progress := p.Position(), p.Progress()
			if done {
				pos, progress = total, 100
			}
			fmt.Printf("[%6.2fs %5.1f%%] tick=%d score=%d lives=%d ship=(%.1f,%.1f) ast=%d enm=%d prj=%d pwr=%d",
				pos, progress, snap.Tick, snap.Score, snap.Player.Lives,
				snap.Player.Position.X, snap.Player.Position.Y,
				len(snap.Asteroids), len(snap.Enemies), len(snap.Projectiles), len(snap.PowerUps))
			for _, ev := range snap.Events {
				fmt.Printf(" [%s %s]", ev.Kind, ev.Detail)
			}
			fmt.Println()
		}
		if opts.Realtime {
			time.Sleep(dt)
		}
	}
	fmt.Println("🏁 Playback finished")
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second / 10)
	m := int(d / time.Minute)
	s := (d % time.Minute).Seconds()
	return fmt.Sprintf("%d:%04.1f", m, s)
}

// parseSinceTime парсит относительное время типа "1h", "30m" или абсолютное RFC3339
func parseSinceTime(since string, from time.Time) (time.Time, error) {
	if since == "" {
		return from, nil
	}
	duration, err := time.ParseDuration(since)
	if err != nil {
		return time.Parse(time.RFC3339, since)
	}
	return from.Add(-duration), nil
}
