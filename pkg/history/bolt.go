package history

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/daviddao/treesync/pkg/model"
	"github.com/daviddao/treesync/pkg/replica"
)

var (
	boltEntries = []byte("history")
	boltMeta    = []byte("meta")
	metaHead    = []byte("head")
	metaBase    = []byte("base")
)

// ErrBoltNoBucket means the file was not created by OpenBolt.
var ErrBoltNoBucket = errors.New("history: bucket missing in bolt file")

// BoltLog stores history in a bbolt file.
//
//	history bucket: 8-byte big-endian command count -> JSON completion
//	meta bucket:    "head", "base" -> 8-byte big-endian command count
//
// A fresh file accepts its first Append at any count; from then on appends
// must be contiguous.
type BoltLog struct {
	db *bolt.DB
}

var _ replica.HistoryLog = (*BoltLog)(nil)

// OpenBolt opens (or creates) a bolt history file.
func OpenBolt(path string) (*BoltLog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{boltEntries, boltMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt: %w", err)
	}
	return &BoltLog{db: db}, nil
}

// Close closes the underlying file.
func (b *BoltLog) Close() error { return b.db.Close() }

// Head returns the command count just past the last entry, or 0 for a fresh
// file.
func (b *BoltLog) Head() (int64, error) {
	var head int64
	err := b.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(boltMeta)
		if meta == nil {
			return ErrBoltNoBucket
		}
		head, _ = getCount(meta, metaHead)
		return nil
	})
	return head, err
}

// Base returns the command count of the oldest retained entry.
func (b *BoltLog) Base() (int64, error) {
	var base int64
	err := b.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(boltMeta)
		if meta == nil {
			return ErrBoltNoBucket
		}
		base, _ = getCount(meta, metaBase)
		return nil
	})
	return base, err
}

// Append records completions committed starting at from, in one transaction.
func (b *BoltLog) Append(_ context.Context, from int64, completions []model.CommandCompletion) error {
	if len(completions) == 0 {
		return nil
	}
	// encode before taking the write lock
	values := make([][]byte, len(completions))
	for i, c := range completions {
		v, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode completion %d: %w", from+int64(i), err)
		}
		values[i] = v
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		entries, meta := tx.Bucket(boltEntries), tx.Bucket(boltMeta)
		if entries == nil || meta == nil {
			return ErrBoltNoBucket
		}
		head, ok := getCount(meta, metaHead)
		if !ok {
			if err := meta.Put(metaBase, countKey(from)); err != nil {
				return err
			}
			head = from
		}
		if from != head {
			return fmt.Errorf("%w: from %d, head %d", ErrGap, from, head)
		}
		for i, v := range values {
			if err := entries.Put(countKey(from+int64(i)), v); err != nil {
				return err
			}
		}
		return meta.Put(metaHead, countKey(from+int64(len(values))))
	})
}

// History returns the completions in [from, to). A range that is not fully
// retained yields nil.
func (b *BoltLog) History(ctx context.Context, from, to int64) ([]model.CommandCompletion, error) {
	if from < 0 || from > to {
		return nil, nil
	}
	var out []model.CommandCompletion
	err := b.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(boltEntries)
		if entries == nil {
			return ErrBoltNoBucket
		}
		out = make([]model.CommandCompletion, 0, to-from)
		c := entries.Cursor()
		want := from
		for k, v := c.Seek(countKey(from)); k != nil && want < to; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if int64(binary.BigEndian.Uint64(k)) != want {
				break
			}
			var cc model.CommandCompletion
			if err := json.Unmarshal(v, &cc); err != nil {
				return fmt.Errorf("decode completion %d: %w", want, err)
			}
			out = append(out, cc)
			want++
		}
		if want != to {
			out = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes entries below before and returns how many were removed.
func (b *BoltLog) Prune(_ context.Context, before int64) (int, error) {
	if before <= 0 {
		return 0, nil
	}
	n := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		entries, meta := tx.Bucket(boltEntries), tx.Bucket(boltMeta)
		if entries == nil || meta == nil {
			return ErrBoltNoBucket
		}
		// Deleting through the cursor skips keys, so collect first.
		var doomed [][]byte
		c := entries.Cursor()
		end := countKey(before)
		for k, _ := c.First(); k != nil && bytes.Compare(k, end) < 0; k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := entries.Delete(k); err != nil {
				return err
			}
		}
		n = len(doomed)
		if base, ok := getCount(meta, metaBase); ok && base < before {
			head, _ := getCount(meta, metaHead)
			if before > head {
				before = head
			}
			return meta.Put(metaBase, countKey(before))
		}
		return nil
	})
	return n, err
}

// Reset drops every entry and restarts the log empty at at.
func (b *BoltLog) Reset(_ context.Context, at int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltEntries); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		if _, err := tx.CreateBucket(boltEntries); err != nil {
			return err
		}
		meta := tx.Bucket(boltMeta)
		if meta == nil {
			return ErrBoltNoBucket
		}
		if err := meta.Put(metaBase, countKey(at)); err != nil {
			return err
		}
		return meta.Put(metaHead, countKey(at))
	})
}

func countKey(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func getCount(b *bolt.Bucket, key []byte) (int64, bool) {
	v := b.Get(key)
	if len(v) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(v)), true
}
