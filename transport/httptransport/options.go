package httptransport

import "time"

// ServerOptions holds the transport limits.
type ServerOptions struct {
	// MaxRequestSize bounds incoming request bodies.
	MaxRequestSize int64

	// RequestTimeout is the maximum duration for non-streaming request
	// processing. Zero disables the timeout.
	RequestTimeout time.Duration

	// ShutdownTimeout is the maximum duration for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultServerOptions returns production-ready limits.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:  1 << 20, // 1 MB
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// ServerOption is a function that configures a ServerOptions struct.
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies.
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithRequestTimeout sets the maximum duration for request processing.
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithShutdownTimeout sets the maximum duration for graceful shutdown.
func WithShutdownTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.ShutdownTimeout = timeout
	}
}

func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}
