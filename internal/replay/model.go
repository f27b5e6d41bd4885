// Package replay содержит модель данных подсистемы реплеев: снимок кадра,
// заголовок сессии и типизированные ошибки.
package replay

import "github.com/annel0/asteroids-replay/internal/vec"

// Class - дискриминант временной сущности
type Class uint8

const (
	ClassAsteroid Class = iota + 1
	ClassEnemy
	ClassProjectile
	ClassPowerUp
)

// Classes перечисляет классы в порядке хранения в кадре
var Classes = [...]Class{ClassAsteroid, ClassEnemy, ClassProjectile, ClassPowerUp}

// String возвращает строковое представление класса
func (c Class) String() string {
	switch c {
	case ClassAsteroid:
		return "asteroid"
	case ClassEnemy:
		return "enemy"
	case ClassProjectile:
		return "projectile"
	case ClassPowerUp:
		return "powerup"
	default:
		return "unknown"
	}
}

// Valid сообщает, что класс входит в схему
func (c Class) Valid() bool {
	return c >= ClassAsteroid && c <= ClassPowerUp
}

// Entity - состояние временной сущности (астероид, враг, снаряд, бонус).
// Одна форма для всех вариантов: Class задаёт вариант, Type и Variant - его полезную нагрузку.
type Entity struct {
	ID       uint32        // стабильный в пределах сессии
	Class    Class         // дискриминант
	Type     uint16        // вид внутри класса (тип астероида, врага, бонуса)
	Position vec.Vec2Float // позиция в единицах экрана
	Heading  float64       // градусы
	Size     float64       // радиус/масштаб
	Variant  uint32        // поколение раскола, владелец снаряда и т.п.
}

// Player - состояние корабля игрока
type Player struct {
	Position     vec.Vec2Float
	Velocity     vec.Vec2Float
	Heading      float64
	Lives        int
	PowerUp      uint16 // 0 - нет активного бонуса
	Invulnerable bool
}

// Event - значимое игровое событие, произошедшее на тике
type Event struct {
	Kind   string
	Detail string
}

// Snapshot - полное состояние мира за один тик симуляции
type Snapshot struct {
	Tick        uint64
	Player      Player
	Score       int
	Level       int
	Asteroids   []Entity
	Enemies     []Entity
	Projectiles []Entity
	PowerUps    []Entity
	Events      []Event
}

// Entities возвращает список сущностей класса
func (s *Snapshot) Entities(c Class) []Entity {
	switch c {
	case ClassAsteroid:
		return s.Asteroids
	case ClassEnemy:
		return s.Enemies
	case ClassProjectile:
		return s.Projectiles
	case ClassPowerUp:
		return s.PowerUps
	default:
		return nil
	}
}

// SetEntities заменяет список сущностей класса
func (s *Snapshot) SetEntities(c Class, list []Entity) {
	switch c {
	case ClassAsteroid:
		s.Asteroids = list
	case ClassEnemy:
		s.Enemies = list
	case ClassProjectile:
		s.Projectiles = list
	case ClassPowerUp:
		s.PowerUps = list
	}
}

// EntityCount возвращает общее число сущностей всех классов
func (s *Snapshot) EntityCount() int {
	return len(s.Asteroids) + len(s.Enemies) + len(s.Projectiles) + len(s.PowerUps)
}

// Clone копирует снимок; срезы копируются, чтобы буфер записи
// не разделял память с симуляцией.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Asteroids = cloneEntities(s.Asteroids)
	out.Enemies = cloneEntities(s.Enemies)
	out.Projectiles = cloneEntities(s.Projectiles)
	out.PowerUps = cloneEntities(s.PowerUps)
	if len(s.Events) > 0 {
		out.Events = append([]Event(nil), s.Events...)
	} else {
		out.Events = nil
	}
	return out
}

func cloneEntities(src []Entity) []Entity {
	if len(src) == 0 {
		return nil
	}
	return append([]Entity(nil), src...)
}
