package broker

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var bucketOutbox = []byte("outbox")

// outboxRecord is one buffered publish.
type outboxRecord struct {
	Subject    string    `msgpack:"subject"`
	Data       []byte    `msgpack:"data"`
	EnqueuedAt time.Time `msgpack:"enqueued_at"`
}

// Outbox is a disk-backed publish buffer for the buffer disconnect policy.
// Records are kept in enqueue order and replayed on reconnect, so publishes
// survive both outages and process restarts.
type Outbox struct {
	db *bolt.DB
}

// OpenOutbox opens (or creates) the outbox file.
func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create outbox bucket: %w", err)
	}
	return &Outbox{db: db}, nil
}

// Append buffers one publish. Keys are the bucket's monotonic sequence in
// big-endian form so cursor order is enqueue order.
func (o *Outbox) Append(subject string, data []byte) error {
	rec, err := msgpack.Marshal(outboxRecord{
		Subject:    subject,
		Data:       data,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode outbox record: %w", err)
	}
	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], rec)
	})
}

// Drain replays buffered publishes in order, deleting each after fn returns
// nil. It stops at the first failure so ordering is preserved across drains,
// and returns how many records were replayed.
func (o *Outbox) Drain(fn func(subject string, data []byte) error) (int, error) {
	drained := 0
	for {
		var key []byte
		var rec outboxRecord

		err := o.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketOutbox).Cursor()
			k, v := c.First()
			if k == nil {
				return nil
			}
			key = append([]byte(nil), k...)
			return msgpack.Unmarshal(v, &rec)
		})
		if err != nil {
			return drained, fmt.Errorf("failed to decode outbox record: %w", err)
		}
		if key == nil {
			return drained, nil
		}

		if err := fn(rec.Subject, rec.Data); err != nil {
			return drained, err
		}

		err = o.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketOutbox).Delete(key)
		})
		if err != nil {
			return drained, fmt.Errorf("failed to remove drained record: %w", err)
		}
		drained++
	}
}

// Len reports how many publishes are buffered.
func (o *Outbox) Len() (int, error) {
	n := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOutbox).Stats().KeyN
		return nil
	})
	return n, err
}

// Scan visits every buffered record in enqueue order without removing
// anything. fn returning an error stops the scan.
func (o *Outbox) Scan(fn func(seq uint64, subject string, enqueuedAt time.Time, size int) error) error {
	return o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var rec outboxRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode outbox record: %w", err)
			}
			return fn(binary.BigEndian.Uint64(k), rec.Subject, rec.EnqueuedAt, len(rec.Data))
		})
	})
}

// Prune drops records enqueued before cutoff and returns how many were
// removed.
func (o *Outbox) Prune(cutoff time.Time) (int, error) {
	pruned := 0
	err := o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec outboxRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode outbox record: %w", err)
			}
			if !rec.EnqueuedAt.Before(cutoff) {
				// Keys are in enqueue order, nothing newer qualifies.
				return nil
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// Close releases the underlying file.
func (o *Outbox) Close() error {
	return o.db.Close()
}
