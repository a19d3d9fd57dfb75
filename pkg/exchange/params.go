package exchange

import (
	"fmt"
	"time"
)

// Transmission parameters (RFC 7252 Section 4.8).
const (
	// DefaultAckTimeout is the base timeout for the first retransmission.
	DefaultAckTimeout = 2 * time.Second

	// DefaultAckRandomFactor widens the first timeout to a random value in
	// [AckTimeout, AckTimeout*AckRandomFactor).
	DefaultAckRandomFactor = 1.5

	// DefaultMaxRetransmit is the number of retransmissions after the
	// original send.
	DefaultMaxRetransmit = 4

	// DefaultAckTimeoutScale multiplies the timeout on every retransmission.
	DefaultAckTimeoutScale = 2.0

	// DefaultExchangeLifetime is how long message IDs stay reserved for
	// deduplication (RFC 7252 Section 4.8.2, EXCHANGE_LIFETIME).
	DefaultExchangeLifetime = 247 * time.Second
)

// Config holds the transmission parameters of an endpoint.
type Config struct {
	// AckTimeout is the base timeout for the first transmission.
	AckTimeout time.Duration

	// AckRandomFactor spreads the first timeout. Must be at least 1.0;
	// exactly 1.0 disables the randomization.
	AckRandomFactor float64

	// MaxRetransmit is the retry budget excluding the original send.
	MaxRetransmit int

	// AckTimeoutScale is the back-off multiplier applied on each
	// retransmission. Must be at least 1.0.
	AckTimeoutScale float64

	// ExchangeLifetime bounds how long deduplication state is kept.
	ExchangeLifetime time.Duration
}

// DefaultConfig returns the RFC 7252 default parameters.
func DefaultConfig() Config {
	return Config{
		AckTimeout:       DefaultAckTimeout,
		AckRandomFactor:  DefaultAckRandomFactor,
		MaxRetransmit:    DefaultMaxRetransmit,
		AckTimeoutScale:  DefaultAckTimeoutScale,
		ExchangeLifetime: DefaultExchangeLifetime,
	}
}

// Validate checks the configuration for values the retransmission
// algorithm cannot work with.
func (c Config) Validate() error {
	switch {
	case c.AckTimeout <= 0:
		return fmt.Errorf("%w: AckTimeout must be positive, got %v", ErrInvalidConfig, c.AckTimeout)
	case c.AckRandomFactor < 1.0:
		return fmt.Errorf("%w: AckRandomFactor must be >= 1.0, got %v", ErrInvalidConfig, c.AckRandomFactor)
	case c.MaxRetransmit < 0:
		return fmt.Errorf("%w: MaxRetransmit must not be negative, got %d", ErrInvalidConfig, c.MaxRetransmit)
	case c.AckTimeoutScale < 1.0:
		return fmt.Errorf("%w: AckTimeoutScale must be >= 1.0, got %v", ErrInvalidConfig, c.AckTimeoutScale)
	case c.ExchangeLifetime <= 0:
		return fmt.Errorf("%w: ExchangeLifetime must be positive, got %v", ErrInvalidConfig, c.ExchangeLifetime)
	}
	return nil
}
