package threads

import (
	"slices"
	"sync"

	"github.com/LLIEPJIOK/service-mesh/wamp/pkg/wamp"
)

type registration struct {
	id       RoutingID
	listener Listener
}

// Registry - упорядоченный список слушателей. Блокировка держится только на
// время добавления, удаления или снимка, колбэки вызываются без неё.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Add(id RoutingID, l Listener) {
	r.mu.Lock()
	r.entries = append(r.entries, registration{id: id, listener: l})
	r.mu.Unlock()
}

// Remove удаляет все слушатели с любым из ключей за одну блокировку и
// возвращает их число. Снимок между удалениями невозможен.
func (r *Registry) Remove(ids ...RoutingID) int {
	if len(ids) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.entries)
	r.entries = slices.DeleteFunc(r.entries, func(e registration) bool {
		return slices.Contains(ids, e.id)
	})

	return before - len(r.entries)
}

// snapshot копирует слушателей нужного типа в порядке добавления.
func (r *Registry) snapshot(kind wamp.MessageType) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found []registration
	for _, e := range r.entries {
		if e.listener.kind == kind {
			found = append(found, e)
		}
	}

	return found
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
