package correlation

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// MaxRandomID bounds ids produced by NewCheckedRandom.
const MaxRandomID = 1_000_000_000

// IDGenerator produces candidate correlation ids. The table rejects candidates
// that collide with an outstanding id and asks again.
type IDGenerator interface {
	Next() int64
}

// Counter is a monotonic IDGenerator.
type Counter struct {
	n atomic.Int64
}

// NewCounter returns a counter whose first id is start.
func NewCounter(start int64) *Counter {
	c := &Counter{}
	c.n.Store(start - 1)
	return c
}

// Next returns the next id.
func (c *Counter) Next() int64 {
	return c.n.Add(1)
}

type checkedRandom struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewCheckedRandom returns a generator drawing uniformly from [0, MaxRandomID).
func NewCheckedRandom() IDGenerator {
	return &checkedRandom{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (g *checkedRandom) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rnd.Int63n(MaxRandomID)
}
