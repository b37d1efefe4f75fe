package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

var snapshotKey = []byte("snapshot")

// BadgerStore persists the snapshot in an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) the database directory at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: badger path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load reads the snapshot. A missing key is an empty snapshot.
func (b *BadgerStore) Load(_ context.Context) (Snapshot, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("read badger snapshot: %w", err)
	}
	return DecodeSnapshot(raw)
}

// Save replaces the snapshot in one transaction.
func (b *BadgerStore) Save(_ context.Context, snap Snapshot) error {
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, raw)
	}); err != nil {
		return fmt.Errorf("write badger snapshot: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (b *BadgerStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

var _ StateStore = (*BadgerStore)(nil)
