// Package stats aggregates download counts. Hits are deduplicated per
// (principal, repository) inside 15-minute buckets held in a local bolt
// file, then folded into the daily counters in the database. Losing the
// bolt file loses at most the open bucket.
package stats

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/boltdb/bolt"

	"github.com/kohakuhub/kohakuhub/pkg/db"
)

// BucketWindow is the dedup window for unique downloads.
const BucketWindow = 15 * time.Minute

// Tracker records download hits and periodically flushes closed buckets.
type Tracker struct {
	bolt  *bolt.DB
	store *db.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// Open creates or reopens the tracker file at path.
func Open(path string, store *db.Store) (*Tracker, error) {
	b, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	return &Tracker{bolt: b, store: store, done: make(chan struct{})}, nil
}

// Close flushes everything, including the open bucket, and closes the file.
func (t *Tracker) Close() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	if err := t.flush(true); err != nil {
		log.Printf("stats: final flush: %v", err)
	}
	return t.bolt.Close()
}

// Start launches the periodic flusher.
func (t *Tracker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.flush(false); err != nil {
					log.Printf("stats: flush: %v", err)
				}
			}
		}
	}()
}

func bucketName(ts time.Time) []byte {
	return []byte(strconv.FormatInt(ts.Unix()/int64(BucketWindow.Seconds()), 10))
}

// Record notes one download by principal from repoID. Repeated hits inside
// the same window collapse to one.
func (t *Tracker) Record(principal string, repoID uint) error {
	key := fmt.Sprintf("%s|%d", principal, repoID)
	return t.bolt.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(time.Now()))
		if err != nil {
			return err
		}
		var repoKey [8]byte
		binary.BigEndian.PutUint64(repoKey[:], uint64(repoID))
		return b.Put([]byte(key), repoKey[:])
	})
}

// flush folds closed buckets into DailyRepoStat rows. With final, the open
// bucket is flushed as well.
func (t *Tracker) flush(final bool) error {
	current := string(bucketName(time.Now()))
	date := time.Now().UTC().Format("2006-01-02")

	counts := map[uint]int64{}
	var drop [][]byte
	err := t.bolt.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if !final && string(name) == current {
				return nil
			}
			drop = append(drop, append([]byte(nil), name...))
			return b.ForEach(func(_, v []byte) error {
				counts[uint(binary.BigEndian.Uint64(v))]++
				return nil
			})
		})
	})
	if err != nil {
		return err
	}

	for repoID, n := range counts {
		if err := t.store.AddDownloads(repoID, date, n); err != nil {
			return err
		}
	}
	return t.bolt.Update(func(tx *bolt.Tx) error {
		for _, name := range drop {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return nil
	})
}
