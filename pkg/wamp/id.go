package wamp

import (
	"math/rand/v2"
	"sync/atomic"
)

// MaxID - верхняя граница идентификаторов WAMP (2^53), чтобы они точно
// представлялись в JSON-числах.
const MaxID ID = 1 << 53

// IDGenerator выдаёт идентификаторы session scope: 1, 2, 3, ...
// Next - атомарный fetch-and-increment, безопасен для конкурентных вызовов.
// После MaxID счётчик начинается с 1.
type IDGenerator struct {
	last atomic.Uint64
}

func (g *IDGenerator) Next() ID {
	for {
		last := g.last.Load()

		next := last + 1
		if next > uint64(MaxID) {
			next = 1
		}

		if g.last.CompareAndSwap(last, next) {
			return ID(next)
		}
	}
}

// GlobalID выдаёт случайный идентификатор global scope из [1, MaxID].
func GlobalID() ID {
	return ID(rand.Uint64N(uint64(MaxID))) + 1
}
