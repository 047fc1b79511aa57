package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketHistory = []byte("history")
	bucketLink    = []byte("link")
	keyLinkState  = []byte("state")
)

// DefaultHistoryLimit is the number of exchanges kept when no limit is given.
const DefaultHistoryLimit = 500

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db    *bolt.DB
	limit int
}

// NewBoltStore opens or creates a BoltDB database. The history bucket keeps
// at most historyLimit exchanges; the oldest are pruned on append.
func NewBoltStore(path string, historyLimit int) (*BoltStore, error) {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHistory, bucketLink} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, limit: historyLimit}, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *BoltStore) AppendExchange(ex *Exchange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ex.Seq = seq
		data, err := json.Marshal(ex)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		if seq <= uint64(s.limit) {
			return nil
		}
		// Keys are big-endian sequence numbers, so cursor order is age order.
		cutoff := seqKey(seq - uint64(s.limit))
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && string(k) <= string(cutoff); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListExchanges(limit int) ([]*Exchange, error) {
	var out []*Exchange
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return nil // no bucket = no history
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var ex Exchange
			if err := json.Unmarshal(v, &ex); err != nil {
				return err
			}
			out = append(out, &ex)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ClearHistory() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketHistory); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketHistory)
		return err
	})
}

func (s *BoltStore) SaveLinkState(state *LinkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putLinkState(tx, state)
	})
}

func (s *BoltStore) GetLinkState() (*LinkState, error) {
	var state *LinkState
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		state, err = getLinkState(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *BoltStore) UpdateLinkState(fn func(state *LinkState) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		state, err := getLinkState(tx)
		if errors.Is(err, ErrNotFound) {
			state = &LinkState{}
		} else if err != nil {
			return err
		}
		if err := fn(state); err != nil {
			return err
		}
		return putLinkState(tx, state)
	})
}

func getLinkState(tx *bolt.Tx) (*LinkState, error) {
	b := tx.Bucket(bucketLink)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", bucketLink)
	}
	data := b.Get(keyLinkState)
	if data == nil {
		return nil, fmt.Errorf("link state: %w", ErrNotFound)
	}
	var state LinkState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func putLinkState(tx *bolt.Tx, state *LinkState) error {
	b := tx.Bucket(bucketLink)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucketLink)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return b.Put(keyLinkState, data)
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
