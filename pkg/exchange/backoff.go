package exchange

import (
	"math/rand"
	"time"
)

// RandomSource provides random values for the initial timeout.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// Backoff computes retransmission timeouts.
//
// The first transmission of a message waits a random time in
//
//	[ACK_TIMEOUT, ACK_TIMEOUT * ACK_RANDOM_FACTOR)
//
// and every retransmission after that waits the previous timeout times
// AckTimeoutScale (2.0 by default, i.e. binary exponential back-off).
type Backoff struct {
	config Config
	random RandomSource
}

// NewBackoff creates a calculator for config. If random is nil,
// DefaultRandomSource is used.
func NewBackoff(config Config, random RandomSource) *Backoff {
	if random == nil {
		random = DefaultRandomSource
	}
	return &Backoff{config: config, random: random}
}

// Initial returns the timeout for the first transmission of a message.
func (b *Backoff) Initial() time.Duration {
	min, max := b.InitialRange()
	spread := max - min
	if spread <= 0 {
		return min
	}
	// Rounding may land on max for values just below 1.0.
	offset := time.Duration(b.random.Float64() * float64(spread))
	if offset >= spread {
		offset = spread - 1
	}
	return min + offset
}

// InitialRange returns the bounds Initial draws from. max equals min when
// the random factor is 1.0.
func (b *Backoff) InitialRange() (min, max time.Duration) {
	min = b.config.AckTimeout
	max = time.Duration(float64(min) * b.config.AckRandomFactor)
	return min, max
}

// Next returns the timeout following prev.
func (b *Backoff) Next(prev time.Duration) time.Duration {
	return time.Duration(float64(prev) * b.config.AckTimeoutScale)
}
