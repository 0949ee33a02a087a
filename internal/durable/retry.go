package durable

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Значения retry по умолчанию.
const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = time.Second
	defaultMaxInterval     = 30 * time.Second
)

// RetryOptions — политика повторов activity.
type RetryOptions struct {
	// MaxAttempts — общее число попыток, включая первую.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// InitialInterval — задержка перед второй попыткой.
	InitialInterval time.Duration `json:"initial_interval,omitempty"`

	// MaxInterval — верхняя граница задержки.
	MaxInterval time.Duration `json:"max_interval,omitempty"`

	// Fixed — не удваивать задержку.
	Fixed bool `json:"fixed,omitempty"`
}

// DefaultRetryOptions — политика, которая используется, если вызов её не задал.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = defaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = defaultMaxInterval
	}
	return o
}

// newBackOff возвращает последовательность задержек между попытками.
func (o RetryOptions) newBackOff() backoff.BackOff {
	o = o.withDefaults()
	if o.Fixed {
		return backoff.NewConstantBackOff(min(o.InitialInterval, o.MaxInterval))
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval: o.InitialInterval,
		Multiplier:      2,
		MaxInterval:     o.MaxInterval,
	}
	b.Reset()
	return b
}

// Backoff возвращает задержку перед попыткой attempt+1 (attempt начинается с 1).
func (o RetryOptions) Backoff(attempt int) time.Duration {
	b := o.newBackOff()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return min(delay, o.withDefaults().MaxInterval)
}
