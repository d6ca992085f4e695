package htcore

import (
	"time"

	"github.com/badu/htcore/htlog"
	"github.com/badu/htcore/metrics"
)

const (
	// DefaultKeepAliveTimeout is the idle window a connection is kept open
	// between requests before the pruner closes it.
	DefaultKeepAliveTimeout = 5 * time.Second

	// DefaultMaxRequestsPerConnection bounds how many requests a single
	// connection serves before it is closed instead of kept alive; also
	// the cap used to compute Keep-Alive: max=.
	DefaultMaxRequestsPerConnection = 100

	// DefaultMaxHeaderBytes bounds the header section (field names, colons,
	// whitespace and values; the request line and line endings are not
	// counted), matching the order of magnitude of the teacher's
	// DefaultMaxHeaderBytes.
	DefaultMaxHeaderBytes = 1 << 20
)

// Options configures a Server/ConnectionDriver. There is deliberately no
// env/flag/file loader here — config.go only defines the functional
// options surface itself; wiring it to a CLI is out of scope for the
// core.
type Options struct {
	KeepAliveTimeout         time.Duration
	MaxRequestsPerConnection int
	MaxHeaderBytes           int
	Logger                   *htlog.Logger
	Metrics                  *metrics.Registry
}

// Option mutates Options; pass any number to NewOptions.
type Option func(*Options)

// WithKeepAliveTimeout overrides DefaultKeepAliveTimeout.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(o *Options) { o.KeepAliveTimeout = d }
}

// WithMaxRequestsPerConnection overrides DefaultMaxRequestsPerConnection.
func WithMaxRequestsPerConnection(n int) Option {
	return func(o *Options) { o.MaxRequestsPerConnection = n }
}

// WithMaxHeaderBytes overrides DefaultMaxHeaderBytes.
func WithMaxHeaderBytes(n int) Option {
	return func(o *Options) { o.MaxHeaderBytes = n }
}

// WithLogger installs a structured logger; the default discards
// everything.
func WithLogger(l *htlog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics installs a metrics registry; the default is a fresh private
// registry from metrics.New for each Options value.
func WithMetrics(m *metrics.Registry) Option {
	return func(o *Options) { o.Metrics = m }
}

// NewOptions builds an Options populated with defaults, then applies
// opts in order.
func NewOptions(opts ...Option) *Options {
	o := &Options{
		KeepAliveTimeout:         DefaultKeepAliveTimeout,
		MaxRequestsPerConnection: DefaultMaxRequestsPerConnection,
		MaxHeaderBytes:           DefaultMaxHeaderBytes,
		Logger:                   htlog.NewNop(),
		Metrics:                  metrics.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
