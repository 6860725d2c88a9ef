package cache

// Cache defines the interface for response caching
// This interface allows for different implementations (in-memory, Redis, etc.)
type Cache[V any] interface {
	// Get retrieves a cached value by key
	// Returns the value and true if found, the zero value and false otherwise
	Get(key string) (V, bool)

	// Set stores a value in the cache with the given key
	Set(key string, value V)

	// Len returns the number of live entries
	Len() int

	// Close releases any resources held by the cache
	Close()
}
