package gateway

import (
	"time"

	"golang.org/x/time/rate"
)

func DefaultConfig() *Config {
	return &Config{
		MaxReconnects:    5,
		BackoffInitial:   time.Second,
		BackoffCeiling:   30 * time.Second,
		SendRate:         5,
		SendBurst:        10,
		SendRetries:      5,
		SendRetryInitial: 250 * time.Millisecond,
		EventBuffer:      128,
	}
}

type Config struct {
	MaxReconnects    int
	BackoffInitial   time.Duration
	BackoffCeiling   time.Duration
	SendRate         rate.Limit
	SendBurst        int
	SendRetries      int
	SendRetryInitial time.Duration
	EventBuffer      int
}

type ConfigOpt func(config *Config)

func (c *Config) Apply(opts []ConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

// WithMaxReconnects sets how many consecutive reconnect attempts are made before the session is
// declared lost.
func WithMaxReconnects(n int) ConfigOpt {
	return func(config *Config) {
		config.MaxReconnects = n
	}
}

// WithBackoff sets the first reconnect delay and the cap the exponential delay never exceeds.
func WithBackoff(initial time.Duration, ceiling time.Duration) ConfigOpt {
	return func(config *Config) {
		config.BackoffInitial = initial
		config.BackoffCeiling = ceiling
	}
}

// WithRateLimit sets the outbound token bucket, in actions per second.
func WithRateLimit(perSecond float64, burst int) ConfigOpt {
	return func(config *Config) {
		config.SendRate = rate.Limit(perSecond)
		config.SendBurst = burst
	}
}

func WithSendRetries(n int, initial time.Duration) ConfigOpt {
	return func(config *Config) {
		config.SendRetries = n
		config.SendRetryInitial = initial
	}
}

func WithEventBuffer(size int) ConfigOpt {
	return func(config *Config) {
		config.EventBuffer = size
	}
}
