package store

import (
	"sort"
	"sync"
)

// memKV is an in-memory `IKV`, for tests and for running without a state file.
type memKV struct {
	sync.RWMutex
	buckets map[string]map[string][]byte
}

func NewMemKV() IKV {
	return &memKV{
		buckets: make(map[string]map[string][]byte),
	}
}

func (s *memKV) Get(bucket, key string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()
	v, ok := s.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *memKV) Put(bucket, key string, value []byte) error {
	s.Lock()
	s.put(bucket, key, value)
	s.Unlock()
	return nil
}

func (s *memKV) put(bucket, key string, value []byte) {
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		s.buckets[bucket] = b
	}
	b[key] = append([]byte(nil), value...)
}

func (s *memKV) Delete(bucket, key string) error {
	s.Lock()
	delete(s.buckets[bucket], key)
	s.Unlock()
	return nil
}

func (s *memKV) Update(bucket, key string, fn func(old []byte) ([]byte, error)) error {
	s.Lock()
	defer s.Unlock()

	var old []byte
	if v, ok := s.buckets[bucket][key]; ok {
		old = append([]byte(nil), v...)
	}
	value, err := fn(old)
	if err != nil {
		return err
	}
	if value == nil {
		delete(s.buckets[bucket], key)
	} else {
		s.put(bucket, key, value)
	}
	return nil
}

func (s *memKV) ForEach(bucket string, fn func(key string, value []byte) error) error {
	s.RLock()
	b := s.buckets[bucket]
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	values := make(map[string][]byte, len(b))
	for _, k := range keys {
		values[k] = append([]byte(nil), b[k]...)
	}
	s.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *memKV) Close() error {
	return nil
}
