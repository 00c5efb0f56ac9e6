package syncengine

import "fmt"

// Builder provides a fluent interface for constructing Engine instances.
type Builder struct {
	store  Store
	config Config
}

// NewBuilder creates a new builder with default options.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithStore sets the storage layer for the Engine.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

// WithPageSize sets the change-feed page bound.
func (b *Builder) WithPageSize(size int) *Builder {
	b.config.PageSize = size
	return b
}

// WithAckBatchCap sets the maximum number of entries in one ack batch.
func (b *Builder) WithAckBatchCap(cap int) *Builder {
	b.config.AckBatchCap = cap
	return b
}

// Build creates a new Engine instance with the configured options.
func (b *Builder) Build() (*Engine, error) {
	if b.store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if b.config.PageSize < 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", b.config.PageSize)
	}
	if b.config.AckBatchCap < 0 {
		return nil, fmt.Errorf("ack batch cap must be positive, got %d", b.config.AckBatchCap)
	}
	return New(b.store, b.config)
}

// Reset clears the builder, allowing reuse.
func (b *Builder) Reset() *Builder {
	b.store = nil
	b.config = Config{}
	return b
}
