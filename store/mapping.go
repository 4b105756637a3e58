package store

import (
	"github.com/golang/glog"
)

// MappingCache maps a logical conversation key to a resolved room id.
// An entry is a hint: the join call may still reject it, in which case the caller
// removes it and re-resolves.
type MappingCache struct {
	kv        IKV
	sentinels map[int64]struct{}
}

// NewMappingCache creates a mapping cache, `DefaultSentinels` are used if none is given.
func NewMappingCache(kv IKV, sentinels ...int64) *MappingCache {
	if len(sentinels) == 0 {
		sentinels = DefaultSentinels
	}
	c := &MappingCache{
		kv:        kv,
		sentinels: make(map[int64]struct{}, len(sentinels)),
	}
	for _, id := range sentinels {
		c.sentinels[id] = struct{}{}
	}
	return c
}

// IsInvalid reports whether id is a sentinel that never referenced a real room.
func (c *MappingCache) IsInvalid(id int64) bool {
	_, ok := c.sentinels[id]
	return ok
}

// Get returns the cached room id. An entry holding a sentinel or garbage is removed
// and reported as a miss.
func (c *MappingCache) Get(key string) (int64, bool) {
	v, err := c.kv.Get(BucketRoomMapping, key)
	if err != nil {
		if err != ErrNotFound {
			glog.Errorf("mapping: get `%s` error: %v", key, err)
		}
		return 0, false
	}

	id, err := decodeID(v)
	if err != nil || c.IsInvalid(id) {
		glog.Warningf("mapping: drop invalid entry `%s` -> `%s`", key, string(v))
		_ = c.Remove(key)
		return 0, false
	}
	return id, true
}

// Put stores key -> roomID. Sentinel ids are refused with ErrInvalidRoom.
func (c *MappingCache) Put(key string, roomID int64) error {
	if c.IsInvalid(roomID) {
		return ErrInvalidRoom
	}
	glog.V(5).Infof("mapping: put `%s` -> %d", key, roomID)
	return c.kv.Put(BucketRoomMapping, key, encodeID(roomID))
}

func (c *MappingCache) Remove(key string) error {
	glog.V(5).Infof("mapping: remove `%s`", key)
	return c.kv.Delete(BucketRoomMapping, key)
}

// RemoveIf removes the entry only while it still maps to roomID.
func (c *MappingCache) RemoveIf(key string, roomID int64) error {
	return c.kv.Update(BucketRoomMapping, key, func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, nil
		}
		if id, err := decodeID(old); err == nil && id != roomID {
			return old, nil
		}
		glog.V(5).Infof("mapping: remove `%s` -> %d", key, roomID)
		return nil, nil
	})
}

// PurgeInvalid removes every entry whose room id is a sentinel or unparsable,
// returns the number of removed entries.
func (c *MappingCache) PurgeInvalid() (int, error) {
	var bad []string
	if err := c.kv.ForEach(BucketRoomMapping, func(key string, value []byte) error {
		if id, err := decodeID(value); err != nil || c.IsInvalid(id) {
			bad = append(bad, key)
		}
		return nil
	}); err != nil {
		return 0, err
	}

	for _, key := range bad {
		if err := c.kv.Delete(BucketRoomMapping, key); err != nil {
			return 0, err
		}
	}
	if len(bad) > 0 {
		glog.Infof("mapping: purged %d invalid entries", len(bad))
	}
	return len(bad), nil
}
