package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/oarkflow/abac"
)

const (
	badgerRecordPrefix  = "r/"
	badgerHistoryPrefix = "h/"
)

// badgerEnvelope is the stored value of one record version.
type badgerEnvelope struct {
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BadgerStore persists records in an embedded badger database.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadgerStore opens (or creates) a store under dir. An empty dir keeps
// everything in memory.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func recordKey(kind, key string) []byte {
	return []byte(badgerRecordPrefix + kind + "/" + key)
}

// historyPrefix length-prefixes key so that no key's history prefix is a prefix
// of another key's, even when keys contain '/'.
func historyPrefix(kind, key string) string {
	return fmt.Sprintf("%s%s/%d:%s/", badgerHistoryPrefix, kind, len(key), key)
}

func historyKey(kind, key string, version int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", historyPrefix(kind, key), version))
}

func decodeEnvelope(kind, key string, raw []byte) (*abac.Record, error) {
	var env badgerEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", abac.ErrInvalidRecord, kind, key, err)
	}
	return &abac.Record{Kind: kind, Key: key, Version: env.Version, Data: []byte(env.Data), UpdatedAt: env.UpdatedAt}, nil
}

func (s *BadgerStore) Get(ctx context.Context, kind, key string) (*abac.Record, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(kind, key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(kind, key)
	}
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(kind, key, raw)
}

// Put checks the stored version and writes inside one transaction. A concurrent
// writer that commits first makes this commit fail with a version conflict.
func (s *BadgerStore) Put(ctx context.Context, kind, key string, data []byte, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !json.Valid(data) {
		return 0, fmt.Errorf("%w: %s %s: data is not JSON", abac.ErrInvalidRecord, kind, key)
	}
	next := expectedVersion + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get(recordKey(kind, key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeEnvelope(kind, key, raw)
			if err != nil {
				return err
			}
			current = rec.Version
		}
		if current != expectedVersion {
			return conflict(kind, key, expectedVersion)
		}
		value, err := json.Marshal(badgerEnvelope{Version: next, Data: data, UpdatedAt: s.now().UTC()})
		if err != nil {
			return err
		}
		if err := txn.Set(recordKey(kind, key), value); err != nil {
			return err
		}
		return txn.Set(historyKey(kind, key, next), value)
	})
	if errors.Is(err, badger.ErrConflict) {
		return 0, conflict(kind, key, expectedVersion)
	}
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *BadgerStore) List(ctx context.Context, kind string) ([]*abac.Record, error) {
	prefix := badgerRecordPrefix + kind + "/"
	return s.scan(prefix, func(k string) string { return strings.TrimPrefix(k, prefix) }, kind)
}

// History returns every version written for a record, oldest first.
func (s *BadgerStore) History(ctx context.Context, kind, key string) ([]*abac.Record, error) {
	out, err := s.scan(historyPrefix(kind, key), func(string) string { return key }, kind)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound(kind, key)
	}
	return out, nil
}

// scan walks keys under prefix in order, which is record-key order for List
// and version order for History.
func (s *BadgerStore) scan(prefix string, keyOf func(string) string, kind string) ([]*abac.Record, error) {
	out := make([]*abac.Record, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := decodeEnvelope(kind, keyOf(string(item.Key())), raw)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
