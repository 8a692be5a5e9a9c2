package queue

// Config is the subset of settings every adapter understands.
type Config struct {
	// Capacity bounds in-process buffers: memory channels and producer spools.
	Capacity int
	// Prefetch is how many messages a consumer may pull ahead of Receive.
	Prefetch int
	Retry    Retry
}

type Option func(*Config)

// NewConfig returns DefaultRetry settings with opts applied.
func NewConfig(opts ...Option) Config {
	cfg := Config{Retry: DefaultRetry()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithCapacity ignores non-positive values.
func WithCapacity(capacity int) Option {
	return func(cfg *Config) {
		if capacity > 0 {
			cfg.Capacity = capacity
		}
	}
}

// WithPrefetch ignores negative values; 0 disables read-ahead.
func WithPrefetch(n int) Option {
	return func(cfg *Config) {
		if n >= 0 {
			cfg.Prefetch = n
		}
	}
}

func WithRetry(r Retry) Option {
	return func(cfg *Config) {
		cfg.Retry = r
	}
}
