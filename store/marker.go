package store

import (
	"time"

	"github.com/golang/glog"
)

// Markers persists the per-room muted flag and the per-key "has left" marker.
type Markers struct {
	kv IKV
}

func NewMarkers(kv IKV) *Markers {
	return &Markers{kv: kv}
}

// Muted returns the persisted flag; ok is false if nothing was persisted.
func (m *Markers) Muted(roomID int64) (muted bool, ok bool) {
	v, err := m.kv.Get(BucketRoomMuted, string(encodeID(roomID)))
	if err != nil {
		if err != ErrNotFound {
			glog.Errorf("markers: get muted %d error: %v", roomID, err)
		}
		return false, false
	}
	return decodeBool(v), true
}

func (m *Markers) SetMuted(roomID int64, muted bool) error {
	return m.kv.Put(BucketRoomMuted, string(encodeID(roomID)), encodeBool(muted))
}

func (m *Markers) HasLeft(key string) bool {
	_, err := m.kv.Get(BucketRoomLeft, key)
	if err != nil && err != ErrNotFound {
		glog.Errorf("markers: get left `%s` error: %v", key, err)
	}
	return err == nil
}

func (m *Markers) SetLeft(key string) error {
	return m.kv.Put(BucketRoomLeft, key, encodeTime(time.Now()))
}

func (m *Markers) ClearLeft(key string) error {
	return m.kv.Delete(BucketRoomLeft, key)
}

// ProfileCache persists the last known identity of the local actor.
type ProfileCache struct {
	kv IKV
}

func NewProfileCache(kv IKV) *ProfileCache {
	return &ProfileCache{kv: kv}
}

func (p *ProfileCache) LoadProfile() (id, name string, ok bool) {
	idv, err1 := p.kv.Get(BucketProfile, "id")
	namev, err2 := p.kv.Get(BucketProfile, "name")
	if err1 != nil && err2 != nil {
		return "", "", false
	}
	return string(idv), string(namev), true
}

func (p *ProfileCache) SaveProfile(id, name string) error {
	if id != "" {
		if err := p.kv.Put(BucketProfile, "id", []byte(id)); err != nil {
			return err
		}
	}
	if name != "" {
		if err := p.kv.Put(BucketProfile, "name", []byte(name)); err != nil {
			return err
		}
	}
	return nil
}
