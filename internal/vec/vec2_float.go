package vec

import "math"

// Vec2Float - точка или скорость в единицах экрана
type Vec2Float struct {
	X, Y float64
}

// FromHeading строит вектор длины length по курсу в градусах (0 - вдоль X)
func FromHeading(degrees, length float64) Vec2Float {
	rad := degrees * math.Pi / 180
	return Vec2Float{X: math.Cos(rad) * length, Y: math.Sin(rad) * length}
}

// Heading возвращает курс вектора в градусах [0, 360); для нулевого вектора - 0
func (v Vec2Float) Heading() float64 {
	if v.Length() <= 1e-9 {
		return 0
	}
	return math.Mod(math.Atan2(v.Y, v.X)*180/math.Pi+360, 360)
}

// Quantize переводит вектор в целые шаги step (округление к ближайшему)
func (v Vec2Float) Quantize(step float64) Vec2 {
	return Vec2{X: int(math.Round(v.X / step)), Y: int(math.Round(v.Y / step))}
}

// Dequantize восстанавливает вектор из целых шагов step
func Dequantize(v Vec2, step float64) Vec2Float {
	return Vec2Float{X: float64(v.X) * step, Y: float64(v.Y) * step}
}

func (v Vec2Float) Add(other Vec2Float) Vec2Float {
	return Vec2Float{X: v.X + other.X, Y: v.Y + other.Y}
}

func (v Vec2Float) Mul(scalar float64) Vec2Float {
	return Vec2Float{X: v.X * scalar, Y: v.Y * scalar}
}

func (v Vec2Float) Length() float64 {
	return math.Hypot(v.X, v.Y)
}

// Wrap переносит точку на тороидальное поле width x height, результат в [0, width) x [0, height)
func (v Vec2Float) Wrap(width, height float64) Vec2Float {
	return Vec2Float{X: wrapAxis(v.X, width), Y: wrapAxis(v.Y, height)}
}

func wrapAxis(x, size float64) float64 {
	x = math.Mod(x, size)
	if x < 0 {
		x += size
	}
	// -1e-17 + size округляется до size
	if x >= size {
		x = 0
	}
	return x
}
