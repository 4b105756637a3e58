package store

import (
	"errors"
)

const (
	BucketRoomMapping = "room_mapping" // logical key -> room id
	BucketRoomMuted   = "room_muted"   // room id -> "1" | "0"
	BucketRoomLeft    = "room_left"    // logical key -> unix time of confirmed leave
	BucketProfile     = "profile"      // "id" | "name" -> value
)

var (
	ErrNotFound    = errors.New("store: key not found")
	ErrInvalidRoom = errors.New("store: invalid room id")
)

// IKV is the process-wide key-value storage behind the local caches.
// Every entry is a best-effort cache, never authoritative.
type IKV interface {
	// Get returns ErrNotFound when the key or the bucket is absent.
	Get(bucket, key string) ([]byte, error)

	Put(bucket, key string, value []byte) error

	// Delete is a no-op for absent keys.
	Delete(bucket, key string) error

	// Update atomically reads, modifies and writes one key. `old` is nil when absent.
	// Returning a nil value deletes the key.
	Update(bucket, key string, fn func(old []byte) ([]byte, error)) error

	// ForEach iterates a bucket in key order. fn must not call back into the store.
	ForEach(bucket string, fn func(key string, value []byte) error) error

	Close() error
}
