// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) (*DB, func()) {
	tempDir, err := os.MkdirTemp("", "")
	if err != nil {
		t.Fatalf("could not create temporary directory: %v", err)
	}
	dbPath := filepath.Join(tempDir, "logs.db")

	logDB := NewDB(dbPath, &sync.WaitGroup{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := logDB.Init(ctx); err != nil {
		t.Fatal(err)
	}

	return logDB, cancel
}

func TestQuery(t *testing.T) {
	t.Run("working", func(t *testing.T) {
		msg1 := Entry{Level: LevelError, Time: time.Unix(0, 4000), Src: "s1", Stream: "m1", Msg: "msg1"}
		msg2 := Entry{Level: LevelWarn, Time: time.Unix(0, 3000), Src: "s1", Msg: "msg2"}
		msg3 := Entry{Level: LevelInfo, Time: time.Unix(0, 2000), Src: "s2", Stream: "m2", Msg: "msg3"}

		logDB, cancel := newTestDB(t)
		defer cancel()

		logDB.save(msg1)
		logDB.save(msg2)
		logDB.save(msg3)

		cases := []struct {
			name     string
			levels   []Level
			streams  []string
			limit    int
			expected []Entry
		}{
			{
				name:     "singleLevel",
				levels:   []Level{LevelWarn},
				expected: []Entry{msg2},
			},
			{
				name:     "multipleLevels",
				levels:   []Level{LevelError, LevelWarn},
				expected: []Entry{msg1, msg2},
			},
			{
				name:     "singleStream",
				streams:  []string{"m1"},
				expected: []Entry{msg1},
			},
			{
				name:     "multipleStreams",
				streams:  []string{"m1", "m2"},
				expected: []Entry{msg1, msg3},
			},
			{
				name:     "all",
				expected: []Entry{msg1, msg2, msg3},
			},
			{
				name:     "limit",
				limit:    2,
				expected: []Entry{msg1, msg2},
			},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				entries, err := logDB.Query(tc.levels, tc.streams, tc.limit)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				actual := fmt.Sprintf("%v", entries)
				expected := fmt.Sprintf("%v", tc.expected)
				if actual != expected {
					t.Fatalf("\nexpected:\n%v.\ngot:\n%v", expected, actual)
				}
			})
		}
	})
	t.Run("unmarshalErr", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		err := logDB.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(dbBucket))
			return b.Put([]byte("invalid"), []byte("not json"))
		})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := logDB.Query(nil, nil, 0); err == nil {
			t.Fatalf("expected: error, got: nil.")
		}
	})
}

func TestDB(t *testing.T) {
	t.Run("maxKeys", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		logDB.maxKeys = 3

		logDB.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
			if tx.Bucket([]byte(dbBucket)).Stats().KeyN != 0 {
				t.Fatalf("database is not empty")
			}
			return nil
		})

		for i := 1; i <= 5; i++ {
			logDB.save(Entry{Time: time.Unix(0, int64(i))}) //nolint:errcheck
		}

		logDB.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
			keyN := tx.Bucket([]byte(dbBucket)).Stats().KeyN
			if keyN != logDB.maxKeys {
				t.Fatalf("expected: %v number of keys, got %v", logDB.maxKeys, keyN)
			}
			return nil
		})
	})
	t.Run("openDBerr", func(t *testing.T) {
		logDB := &DB{dbPath: "/dev/null"}
		if err := logDB.Init(context.Background()); err == nil {
			t.Fatal("expected: error, got: nil")
		}
	})
}
