package durable

import "sync"

// signalHub будит ожидающие горутины по ключу.
// Сигнал только ускоряет проверку: ожидание всегда подкреплено polling.
type signalHub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newSignalHub() *signalHub {
	return &signalHub{subs: make(map[string]map[chan struct{}]struct{})}
}

func (h *signalHub) subscribe(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[chan struct{}]struct{})
		h.subs[key] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
}

func (h *signalHub) notify(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
