package playback

// State - состояние движка воспроизведения
type State int

const (
	Stopped State = iota
	Loading
	Ready
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// loaded - в памяти есть кадры и удерживается блокировка файла
func (s State) loaded() bool {
	return s == Ready || s == Playing || s == Paused
}
