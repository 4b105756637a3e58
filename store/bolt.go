package store

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

const boltOpenTimeout = time.Second

// boltKV implements interface `IKV` on a bbolt file.
type boltKV struct {
	*bbolt.DB
}

// OpenBolt opens (or creates) the state file at path.
func OpenBolt(path string) (IKV, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt file `%s`: %w", path, err)
	}

	// create buckets upfront, so that readers never see a missing bucket.
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{BucketRoomMapping, BucketRoomMuted, BucketRoomLeft, BucketProfile} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	glog.Infof("store: opened %s", path)
	return &boltKV{db}, nil
}

func (s *boltKV) Get(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *boltKV) Put(bucket, key string, value []byte) error {
	return s.DB.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

func (s *boltKV) Delete(bucket, key string) error {
	return s.DB.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *boltKV) Update(bucket, key string, fn func(old []byte) ([]byte, error)) error {
	return s.DB.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		var old []byte
		if v := b.Get([]byte(key)); v != nil {
			old = append([]byte(nil), v...)
		}
		value, err := fn(old)
		if err != nil {
			return err
		}
		if value == nil {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), value)
	})
}

func (s *boltKV) ForEach(bucket string, fn func(key string, value []byte) error) error {
	return s.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}

func (s *boltKV) Close() error {
	return s.DB.Close()
}
