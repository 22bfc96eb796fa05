package cache

import "errors"

var (
	ErrClosed         = errors.New("cache is closed")
	ErrInvalidOptions = errors.New("invalid cache entry options")
	ErrFactoryPanic   = errors.New("cache factory panicked")
	ErrCallbackPanic  = errors.New("eviction callback panicked")
)
