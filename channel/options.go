package channel

import (
	"github.com/joeycumines/go-mqttpipe/metrics"
	"github.com/joeycumines/go-mqttpipe/xlog"
)

// config holds resolved channel configuration, built from Option values the
// same way loop.options is built from loop.Option — the pattern is shared
// deliberately across both packages.
type config struct {
	logger         *xlog.Logger
	isServer       bool
	autoRead       bool
	maxMessageSize uint32
	extra          map[string]any
	metrics        metrics.Sink
}

func defaultConfig() *config {
	return &config{
		autoRead:       true,
		maxMessageSize: 256 * 1024 * 1024, // MQTT remaining-length ceiling
	}
}

// Option configures a Channel at construction time.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithLogger attaches a logger for pipeline lifecycle and exception events.
func WithLogger(l *xlog.Logger) Option {
	return optionFunc(func(c *config) { c.logger = l })
}

// WithServerRole marks the channel as the server side of the connection,
// governing which packet types the decoder accepts in which direction.
func WithServerRole(isServer bool) Option {
	return optionFunc(func(c *config) { c.isServer = isServer })
}

// WithAutoRead controls whether the channel requests more inbound data from
// its transport immediately after registration and after each read
// completes. Setting this false lets a handler pace reads explicitly by
// calling Channel.Read.
func WithAutoRead(autoRead bool) Option {
	return optionFunc(func(c *config) { c.autoRead = autoRead })
}

// WithMaxMessageSize caps the total frame size (fixed header byte,
// remaining-length field and body) the decoder will accept before raising
// mqtterr.CodeMessageTooBig.
func WithMaxMessageSize(n uint32) Option {
	return optionFunc(func(c *config) { c.maxMessageSize = n })
}

// WithExtra attaches an opaque key/value pair to the channel's config,
// retrievable via Channel.Extra. This is the escape hatch for handler-
// specific configuration this package doesn't know about, mirroring the
// teacher's pattern of small typed options plus one general-purpose
// pass-through.
func WithExtra(key string, value any) Option {
	return optionFunc(func(c *config) {
		if c.extra == nil {
			c.extra = make(map[string]any)
		}
		c.extra[key] = value
	})
}

// WithMetrics attaches a metrics.Sink that receives channel lifecycle
// measurements (the channels_opened_total and channels_closed_total
// counters, incremented on register and on close). A nil Sink (the
// zero-value default) disables all reporting.
func WithMetrics(sink metrics.Sink) Option {
	return optionFunc(func(c *config) { c.metrics = sink })
}

func resolveConfig(opts []Option) *config {
	c := defaultConfig()
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.apply(c)
	}
	return c
}
