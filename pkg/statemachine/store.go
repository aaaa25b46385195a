// Package statemachine implements the key-value data model committed
// Raft entries are replayed into: strings, hashes, sets, locality-indexed
// hashes, double-ended queues and leases, each backed by its own bbolt
// bucket in a dedicated "state-machine/quarkdb.db" database. Grounded on
// the teacher's in-memory pkg/kv.Store (gob-encoded commands applied
// under a single mutex), generalised from one flat map to one bucket per
// data type and made durable.
package statemachine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketStrings  = []byte("strings")
	bucketHashes   = []byte("hashes")
	bucketSets     = []byte("sets")
	bucketLocality = []byte("locality_hashes")
	bucketDeques   = []byte("deques")
	bucketLeases   = []byte("leases")
	bucketMeta     = []byte("meta")

	keyLastApplied = []byte("LAST_APPLIED")
)

// IntegerReply preserves both interpretations of a binary-encoded
// integer rather than picking one: commands that hand back a raw,
// possibly-foreign-endian counter return both fields so the caller can
// pick whichever its protocol expects.
type IntegerReply struct {
	AsSigned   int64
	AsUnsigned uint64
}

// ConvertIntToString reinterprets an 8-byte big-endian buffer as both a
// signed and unsigned 64-bit integer. Shorter buffers are zero-extended.
func ConvertIntToString(data []byte) IntegerReply {
	var buf [8]byte
	if len(data) > 8 {
		copy(buf[:], data[len(data)-8:])
	} else {
		copy(buf[8-len(data):], data)
	}
	var unsigned uint64
	for _, b := range buf {
		unsigned = unsigned<<8 | uint64(b)
	}
	return IntegerReply{AsSigned: int64(unsigned), AsUnsigned: unsigned}
}

type hashValue map[string][]byte

type deque struct {
	Items [][]byte
}

type lease struct {
	Holder string
	Expiry time.Time
}

// Store is the durable, single-writer state machine. Reads may run
// concurrently with each other but not with Apply.
type Store struct {
	mu  sync.RWMutex
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the state machine database rooted at dir.
func Open(dir string, now func() time.Time) (*Store, error) {
	path := filepath.Join(dir, "quarkdb.db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("statemachine: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStrings, bucketHashes, bucketSets, bucketLocality, bucketDeques, bucketLeases, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CheckpointTo writes a consistent copy of the state machine database to
// path, for resilvering a far-behind peer.
func (s *Store) CheckpointTo(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
}

// LastApplied returns the index of the most recently applied entry, or 0
// if none has been applied yet.
func (s *Store) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var idx uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyLastApplied)
		if len(v) == 8 {
			idx = decodeUint64(v)
		}
		return nil
	})
	return idx
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func gobEncode(v interface{}) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(v)
	return buf.Bytes()
}

func gobDecode(data []byte, out interface{}) bool {
	if len(data) == 0 {
		return false
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(out) == nil
}
