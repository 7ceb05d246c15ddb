package pds

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// putRaw writes bytes without framing to plant damaged records.
func (s *BoltStore) putRaw(id MemID, raw []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(recordKey(id), raw)
	})
}

func TestSaveAndLoad(t *testing.T) {
	for name, s := range map[string]Store{"bolt": newTestStore(t), "memory": NewMemStore()} {
		t.Run(name, func(t *testing.T) {
			data := []byte{0x62, 0x1A, 0x00, 0x00, 0x0B}
			if err := s.Save(MemNetworkParams, data); err != nil {
				t.Fatal(err)
			}
			got, err := s.Load(MemNetworkParams)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("got %X, want %X", got, data)
			}

			if _, err := s.Load(MemRoutingTable); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing record: err = %v, want ErrNotFound", err)
			}

			ids, err := s.List()
			if err != nil {
				t.Fatal(err)
			}
			if len(ids) != 1 || ids[0] != MemNetworkParams {
				t.Errorf("ids = %v, want [%s]", ids, MemNetworkParams)
			}

			if err := s.Delete(MemNetworkParams); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Load(MemNetworkParams); !errors.Is(err, ErrNotFound) {
				t.Errorf("after delete: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCorruptRecordsReadAsAbsent(t *testing.T) {
	s := newTestStore(t)
	good := encodeRecord(MemApsKeyPairs, []byte("key pairs"))

	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-1] ^= 0xFF

	truncated := good[:len(good)-2]

	wrongID := encodeRecord(MemAddressMap, []byte("key pairs"))

	tests := []struct {
		name string
		raw  []byte
	}{
		{"bad crc", badCRC},
		{"size mismatch", truncated},
		{"wrong id", wrongID},
		{"short header", good[:5]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.putRaw(MemApsKeyPairs, tt.raw); err != nil {
				t.Fatal(err)
			}
			_, err := s.Load(MemApsKeyPairs)
			if !errors.Is(err, ErrCorrupt) || !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrCorrupt wrapping ErrNotFound", err)
			}
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemStore()
	type params struct {
		PanID   uint16 `json:"pan_id"`
		Channel uint8  `json:"channel"`
	}
	if err := SaveJSON(s, MemNetworkParams, params{PanID: 0x1A62, Channel: 15}); err != nil {
		t.Fatal(err)
	}
	var got params
	if err := LoadJSON(s, MemNetworkParams, &got); err != nil {
		t.Fatal(err)
	}
	if got.PanID != 0x1A62 || got.Channel != 15 {
		t.Errorf("got %+v", got)
	}

	s.Save(MemNwkSecurity, []byte("{not json"))
	if err := LoadJSON(s, MemNwkSecurity, &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("bad json: err = %v, want ErrNotFound", err)
	}
}
