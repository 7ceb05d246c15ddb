package pds

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRecords = []byte("pds")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func recordKey(id MemID) []byte {
	var k [2]byte
	binary.BigEndian.PutUint16(k[:], uint16(id))
	return k[:]
}

func (s *BoltStore) Save(id MemID, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRecords)
		}
		return b.Put(recordKey(id), encodeRecord(id, data))
	})
}

func (s *BoltStore) Load(id MemID) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRecords)
		}
		raw := b.Get(recordKey(id))
		if raw == nil {
			return fmt.Errorf("mem %s: %w", id, ErrNotFound)
		}
		var err error
		data, err = decodeRecord(id, raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BoltStore) Delete(id MemID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRecords)
		}
		return b.Delete(recordKey(id))
	})
}

func (s *BoltStore) List() ([]MemID, error) {
	var ids []MemID
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			if len(k) == 2 {
				ids = append(ids, MemID(binary.BigEndian.Uint16(k)))
			}
			return nil
		})
	})
	return ids, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
