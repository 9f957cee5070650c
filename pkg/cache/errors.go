package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an ID is not tracked by the cache
	ErrNotFound = errors.New("message not found")
	// ErrNotOnline is returned when an operation needs an online message
	ErrNotOnline = fmt.Errorf("%w: message is not online", ErrNotFound)
	// ErrNotOffline is returned when an operation needs an offline message
	ErrNotOffline = fmt.Errorf("%w: message is not offline", ErrNotFound)
	// ErrCacheFull is returned when eviction cannot bring the load within the limit
	ErrCacheFull = errors.New("cache full: no online message can be evicted")
	// ErrDuplicate is returned by the reject policy when an ID already holds different contents
	ErrDuplicate = errors.New("message with this ID already cached")
	// ErrNilMessage is returned when a nil message is provided
	ErrNilMessage = errors.New("message cannot be nil")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("cache is closed")
)
