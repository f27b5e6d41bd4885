package eventbus

import "sync/atomic"

type busHolder struct{ bus EventBus }

var global atomic.Pointer[busHolder]

// Init делает bus шиной процесса; nil сбрасывает её
func Init(bus EventBus) {
	if bus == nil {
		global.Store(nil)
		return
	}
	global.Store(&busHolder{bus: bus})
}

// Global возвращает шину процесса или nil
func Global() EventBus {
	if h := global.Load(); h != nil {
		return h.bus
	}
	return nil
}
