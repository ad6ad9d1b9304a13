// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const dbBucket = "entries"

const defaultMaxKeys = 100000

// DB persists a ring buffer of the most recent log entries to a bbolt
// file, so the out-of-scope admin UI has something to query without
// this package depending on it.
type DB struct {
	dbPath  string
	maxKeys int

	db *bolt.DB
	wg *sync.WaitGroup

	saveWG sync.WaitGroup
}

// NewDB returns a DB backed by dbPath.
func NewDB(dbPath string, wg *sync.WaitGroup) *DB {
	return &DB{
		dbPath:  dbPath,
		maxKeys: defaultMaxKeys,
		wg:      wg,
	}
}

// Init opens the database file, creating it if necessary.
func (d *DB) Init(ctx context.Context) error {
	db, err := bolt.Open(d.dbPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("open log database %v: %w", d.dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dbBucket))
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create log bucket: %w", err)
	}

	d.db = db

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-ctx.Done()
		d.saveWG.Wait()
		db.Close()
	}()

	return nil
}

// SaveEntries subscribes to l and persists every entry until ctx is
// canceled.
func (d *DB) SaveEntries(ctx context.Context, l *Logger) {
	feed, cancel := l.Subscribe()
	defer cancel()

	d.saveWG.Add(1)
	defer d.saveWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-feed:
			if !ok {
				return
			}
			if err := d.save(e); err != nil {
				fmt.Fprintf(os.Stderr, "log: could not persist entry: %v\n", err)
			}
		}
	}
}

func (d *DB) save(e Entry) error {
	key := encodeKey(uint64(e.Time.UnixNano()))
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbBucket))
		if b.Stats().KeyN >= d.maxKeys {
			if k, _ := b.Cursor().First(); k != nil {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("evict oldest entry: %w", err)
				}
			}
		}
		return b.Put(key, value)
	})
}

// Query returns up to limit entries, newest first, optionally
// filtered by level and/or stream.
func (d *DB) Query(levels []Level, streams []string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultMaxKeys
	}

	var entries []Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dbBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal entry: %w", err)
			}
			if !levelMatches(e.Level, levels) || !streamMatches(e.Stream, streams) {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func levelMatches(level Level, levels []Level) bool {
	if len(levels) == 0 {
		return true
	}
	for _, l := range levels {
		if l == level {
			return true
		}
	}
	return false
}

func streamMatches(stream string, streams []string) bool {
	if len(streams) == 0 {
		return true
	}
	for _, s := range streams {
		if s == stream {
			return true
		}
	}
	return false
}

func encodeKey(key uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, key)
	return buf
}
