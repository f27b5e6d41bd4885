// Package simfeed генерирует детерминированные синтетические игровые сессии
// на шуме Перлина: для demo-команды CLI, нагрузочных прогонов и тестов.
package simfeed

import (
	"math"

	"github.com/aquilax/go-perlin"

	"github.com/annel0/asteroids-replay/internal/replay"
	"github.com/annel0/asteroids-replay/internal/vec"
)

// Options - параметры генератора
type Options struct {
	Seed      int64
	TickRate  int
	FirstTick uint64
	Asteroids int     // минимальное число астероидов на поле
	Width     float64 // размер поля
	Height    float64
}

// DefaultOptions возвращает поле 800x600, 60 тиков/с и 6 астероидов
func DefaultOptions(seed int64) Options {
	return Options{
		Seed:      seed,
		TickRate:  60,
		FirstTick: 1,
		Asteroids: 6,
		Width:     800,
		Height:    600,
	}
}

type body struct {
	e    replay.Entity
	vel  vec.Vec2Float
	born uint64
}

// Generator выдаёт снимки тик за тиком. Один и тот же seed даёт одну и ту же сессию.
type Generator struct {
	opts    Options
	noise   *perlin.Perlin
	started bool
	tick    uint64
	step    int
	nextID  uint32

	player replay.Player
	score  int
	level  int

	asteroids   []body
	enemies     []body
	projectiles []body
	powerups    []body
}

// New создаёт генератор
func New(opts Options) *Generator {
	def := DefaultOptions(opts.Seed)
	if opts.TickRate <= 0 {
		opts.TickRate = def.TickRate
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = def.Width, def.Height
	}
	if opts.Asteroids <= 0 {
		opts.Asteroids = def.Asteroids
	}
	alpha := 2.0  // Сглаживание шума
	beta := 2.0   // Частота шума
	n := int32(3) // Количество октав
	g := &Generator{
		opts:  opts,
		noise: perlin.NewPerlin(alpha, beta, n, opts.Seed),
		level: 1,
		player: replay.Player{
			Position: vec.Vec2Float{X: opts.Width / 2, Y: opts.Height / 2},
			Lives:    3,
		},
	}
	for i := 0; i < opts.Asteroids; i++ {
		g.spawnAsteroid(3, 0, g.edgePoint(float64(i)))
	}
	return g
}

// TickRate возвращает частоту тиков сессии
func (g *Generator) TickRate() int { return g.opts.TickRate }

// Score возвращает текущий счёт
func (g *Generator) Score() int { return g.score }

// Level возвращает текущий уровень
func (g *Generator) Level() int { return g.level }

// noise01 возвращает шум в диапазоне от -1 до 1
func (g *Generator) noise01(x, y float64) float64 {
	return g.noise.Noise2D(x, y)
}

func (g *Generator) id() uint32 {
	g.nextID++
	return g.nextID
}

func (g *Generator) edgePoint(k float64) vec.Vec2Float {
	u := (g.noise01(k*0.37, 3.1) + 1) / 2
	if int(k)%2 == 0 {
		return vec.Vec2Float{X: u * g.opts.Width, Y: 0}
	}
	return vec.Vec2Float{X: 0, Y: u * g.opts.Height}
}

func (g *Generator) spawnAsteroid(size float64, generation uint32, at vec.Vec2Float) {
	id := g.id()
	angle := g.noise01(float64(id)*0.71, 7.3) * math.Pi
	speed := 30 + 20*(g.noise01(1.9, float64(id)*0.53)+1)
	g.asteroids = append(g.asteroids, body{
		e: replay.Entity{
			ID:       id,
			Class:    replay.ClassAsteroid,
			Type:     uint16(id % 3),
			Position: at,
			Size:     size * 10,
			Variant:  generation,
		},
		vel:  vec.FromHeading(angle*180/math.Pi, speed),
		born: g.tick,
	})
}

func (g *Generator) wrap(p vec.Vec2Float) vec.Vec2Float {
	return p.Wrap(g.opts.Width, g.opts.Height)
}

func (g *Generator) move(list []body, dt float64, spin float64) {
	for i := range list {
		b := &list[i]
		b.e.Position = g.wrap(b.e.Position.Add(b.vel.Mul(dt)))
		b.e.Heading = math.Mod(b.e.Heading+spin, 360)
	}
}

func expire(list []body, now uint64, ttl uint64) []body {
	out := list[:0]
	for _, b := range list {
		if now-b.born < ttl {
			out = append(out, b)
		}
	}
	return out
}

// Next продвигает симуляцию на один тик и возвращает снимок
func (g *Generator) Next() replay.Snapshot {
	if g.started {
		g.tick++
		g.step++
	} else {
		g.started = true
		g.tick = g.opts.FirstTick
	}
	t := float64(g.step)
	dt := 1 / float64(g.opts.TickRate)
	var events []replay.Event

	// игрок блуждает по полю
	g.player.Velocity = vec.Vec2Float{
		X: g.noise01(t*0.01, 0.5) * 120,
		Y: g.noise01(0.5, t*0.01) * 120,
	}
	g.player.Position = g.wrap(g.player.Position.Add(g.player.Velocity.Mul(dt)))
	if g.player.Velocity.Length() > 1e-9 {
		g.player.Heading = g.player.Velocity.Heading()
	}
	g.player.Invulnerable = g.step < 60

	if g.step%10 == 0 {
		g.projectiles = append(g.projectiles, body{
			e: replay.Entity{
				ID:       g.id(),
				Class:    replay.ClassProjectile,
				Position: g.player.Position,
				Heading:  g.player.Heading,
				Size:     1,
			},
			vel:  vec.FromHeading(g.player.Heading, 300),
			born: g.tick,
		})
		events = append(events, replay.Event{Kind: "shot"})
	}

	g.move(g.asteroids, dt, 1.5)
	g.move(g.enemies, dt, 0)
	g.move(g.projectiles, dt, 0)
	g.move(g.powerups, dt, 3)
	g.projectiles = expire(g.projectiles, g.tick, 45)
	g.enemies = expire(g.enemies, g.tick, 200)
	g.powerups = expire(g.powerups, g.tick, 150)

	// раскол астероида
	if g.step > 0 && g.step%90 == 0 && len(g.asteroids) > 0 {
		victim := g.asteroids[0]
		g.asteroids = g.asteroids[1:]
		g.score += 20
		if victim.e.Size > 10 {
			g.spawnAsteroid(victim.e.Size/10-1, victim.e.Variant+1, victim.e.Position)
			g.spawnAsteroid(victim.e.Size/10-1, victim.e.Variant+1, victim.e.Position)
		}
		events = append(events, replay.Event{Kind: "asteroid_destroyed"})
	}
	for i := 0; len(g.asteroids) < g.opts.Asteroids; i++ {
		g.spawnAsteroid(3, 0, g.edgePoint(t+float64(i)))
	}

	if g.step > 0 && g.step%300 == 0 {
		g.enemies = append(g.enemies, body{
			e: replay.Entity{
				ID:       g.id(),
				Class:    replay.ClassEnemy,
				Type:     uint16(g.step / 300 % 2),
				Position: g.edgePoint(t),
				Size:     12,
			},
			vel:  vec.Vec2Float{X: 60, Y: 15},
			born: g.tick,
		})
		events = append(events, replay.Event{Kind: "enemy_spawned"})
	}
	if g.step > 0 && g.step%400 == 0 {
		g.powerups = append(g.powerups, body{
			e: replay.Entity{
				ID:       g.id(),
				Class:    replay.ClassPowerUp,
				Type:     uint16(1 + g.step/400%3),
				Position: vec.Vec2Float{X: g.opts.Width / 3, Y: g.opts.Height / 3},
				Size:     8,
			},
			born: g.tick,
		})
	}
	if g.step > 0 && g.step%600 == 0 {
		g.level++
		events = append(events, replay.Event{Kind: "level_up"})
	}

	return replay.Snapshot{
		Tick:        g.tick,
		Player:      g.player,
		Score:       g.score,
		Level:       g.level,
		Asteroids:   entities(g.asteroids),
		Enemies:     entities(g.enemies),
		Projectiles: entities(g.projectiles),
		PowerUps:    entities(g.powerups),
		Events:      events,
	}
}

// Session генерирует n снимков подряд
func (g *Generator) Session(n int) []replay.Snapshot {
	out := make([]replay.Snapshot, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.Next())
	}
	return out
}

func entities(list []body) []replay.Entity {
	if len(list) == 0 {
		return nil
	}
	out := make([]replay.Entity, len(list))
	for i := range list {
		out[i] = list[i].e
	}
	return out
}
