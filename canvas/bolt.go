package canvas

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	canvasBucket  = []byte("canvas")
	historyBucket = []byte("history")
	snapshotKey   = []byte("snapshot")
)

// BoltPersister stores the snapshot and the delta history in a bbolt file.
type BoltPersister struct {
	db *bolt.DB
}

func OpenBoltPersister(path string) (*BoltPersister, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(canvasBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltPersister{db: db}, nil
}

func (p *BoltPersister) Load(ctx context.Context) (Snapshot, error) {
	var data []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(canvasBucket).Get(snapshotKey); v != nil {
			// v is only valid inside the transaction
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNoSnapshot
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return snap, nil
}

func (p *BoltPersister) Save(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(canvasBucket).Put(snapshotKey, data)
	})
}

type historyEntry struct {
	Delta
	Origin string `json:"origin,omitempty"`
	At     int64  `json:"at"`
}

func (p *BoltPersister) AppendDelta(ctx context.Context, d Delta) error {
	data, err := json.Marshal(historyEntry{Delta: d, Origin: d.Origin, At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(historyBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// History returns the latest limit deltas, oldest first. limit <= 0
// returns the whole log.
func (p *BoltPersister) History(ctx context.Context, limit int) ([]Delta, error) {
	var out []Delta
	err := p.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(historyBucket).Cursor()
		for k, v := c.Last(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Prev() {
			var e historyEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			d := e.Delta
			d.Origin = e.Origin
			out = append(out, d)
		}
		return nil
	})
	slices.Reverse(out)
	return out, err
}

func (p *BoltPersister) Close() error {
	return p.db.Close()
}
