// Package store provides the key-value persistence port for counters,
// device identity and network credentials. The byte layout of each value is
// this package's contract; callers only see typed load/save helpers.
// The real implementation keeps one small fsync'd file per key.
// The fake implementation allows testing crash-ordering without a filesystem.
package store

// KV is a durable key-value byte store.
type KV interface {
	// Get returns the stored value. ok is false when the key is absent.
	Get(key string) (value []byte, ok bool, err error)

	// Set durably stores the value. The value must be readable after a
	// crash once Set returns.
	Set(key string, value []byte) error

	// Delete removes the key. Deleting an absent key is a no-op.
	Delete(key string) error
}
