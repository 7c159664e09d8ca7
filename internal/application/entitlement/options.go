package entitlement

type options struct {
	metrics Metrics
	now     Clock
}

// Option configures the engine's application services
type Option func(*options)

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the service clock
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.now = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{metrics: NoopMetrics(), now: systemClock}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
