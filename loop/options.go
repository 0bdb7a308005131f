package loop

import "github.com/joeycumines/go-mqttpipe/xlog"

// options holds resolved configuration for a Loop, built up by applying
// Option values. The split mirrors the teacher package's loopOptions/
// LoopOption/resolveLoopOptions trio in eventloop/options.go.
type options struct {
	logger            *xlog.Logger
	strictOrdering    bool
	overloadThreshold int
	onOverload        func(pending int)
}

func defaultOptions() *options {
	return &options{
		overloadThreshold: 0, // 0 disables the overload callback
	}
}

// Option configures a Loop at construction time.
type Option interface {
	apply(*options) error
}

type optionFunc func(*options) error

func (f optionFunc) apply(o *options) error { return f(o) }

// WithLogger attaches a logger used for lifecycle and task-panic events. A
// nil logger (the default) disables logging for this loop.
func WithLogger(l *xlog.Logger) Option {
	return optionFunc(func(o *options) error {
		o.logger = l
		return nil
	})
}

// WithStrictTaskOrdering records a strict-ordering preference on the
// loop's options. Neither Run nor RunTasks/RunScheduledTasks reads it:
// every tick drains all ready tasks, then due timers, then ready tasks
// again, whatever this option is set to.
func WithStrictTaskOrdering(strict bool) Option {
	return optionFunc(func(o *options) error {
		o.strictOrdering = strict
		return nil
	})
}

// WithOverloadCallback installs a callback invoked once per tick when the
// number of pending external submissions exceeds threshold. Passing a
// threshold <= 0 disables the check.
func WithOverloadCallback(threshold int, fn func(pending int)) Option {
	return optionFunc(func(o *options) error {
		o.overloadThreshold = threshold
		o.onOverload = fn
		return nil
	})
}

func resolveOptions(opts []Option) (*options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
