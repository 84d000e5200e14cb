package ingest

// Breaker trips after a run of consecutive "item not found" results, which
// usually means the listing has moved past the live catalog.
// A zero threshold disables it.
type Breaker struct {
	threshold int
	misses    int
}

func NewBreaker(threshold int) *Breaker {
	return &Breaker{threshold: threshold}
}

// Miss records a not-found item and reports whether the breaker is now open.
func (b *Breaker) Miss() bool {
	b.misses++
	return b.Open()
}

// Hit records any item the source did return.
func (b *Breaker) Hit() { b.misses = 0 }

func (b *Breaker) Open() bool {
	return b.threshold > 0 && b.misses >= b.threshold
}

func (b *Breaker) Misses() int { return b.misses }
