package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "cadence/pkg/logx"

	"go.etcd.io/bbolt"
)

var bucketOutcomes = []byte("outcomes")

// boltStore keys entries by id. Outcome ids are ULIDs, so key order is
// time order.
type boltStore struct {
	db  *bbolt.DB
	log logx.Logger
}

type boltValue struct {
	At      time.Time       `json:"at"`
	RunID   string          `json:"run_id"`
	Group   string          `json:"group"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Body    json.RawMessage `json:"body"`
}

func openBolt(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for bolt driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutcomes)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init bucket: %w", err)
	}
	log.Debug("bolt store opened", logx.String("path", path))
	return &boltStore{db: db, log: log}, nil
}

func (s *boltStore) Append(_ context.Context, e Entry) error {
	val, err := json.Marshal(boltValue{At: e.At, RunID: e.RunID, Group: e.Group, Message: e.Message, Status: e.Status, Body: e.Body})
	if err != nil {
		return fmt.Errorf("bolt: marshal %s: %w", e.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutcomes).Put([]byte(e.ID), val)
	})
}

func (s *boltStore) Recent(ctx context.Context, n int) ([]Entry, error) {
	n = clampLimit(n)
	var out []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOutcomes).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var bv boltValue
			if err := json.Unmarshal(v, &bv); err != nil {
				return fmt.Errorf("bolt: decode %s: %w", k, err)
			}
			out = append(out, Entry{
				ID: string(k), At: bv.At, RunID: bv.RunID, Group: bv.Group,
				Message: bv.Message, Status: bv.Status, Body: []byte(bv.Body),
			})
		}
		return nil
	})
	return out, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
