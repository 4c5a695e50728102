// Package badgerstore keeps conversation state blobs in an embedded badger
// database, for clients without a SQL store.
package badgerstore

import (
	"context"
	"errors"

	"e2ee-session/internal/serializer"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "conv/"

type Store struct {
	db *badger.DB
}

var _ serializer.StateStore = (*Store)(nil)

type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

func Open(o Options) (*Store, error) {
	opts := badger.DefaultOptions(o.Path).WithLogger(nil)
	if o.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Load(_ context.Context, conversationID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(conversationID))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, serializer.ErrNotFound
	}
	return out, err
}

func (s *Store) Save(_ context.Context, conversationID string, state []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(conversationID), state)
	})
}

func (s *Store) Delete(_ context.Context, conversationID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(conversationID))
	})
}

// Conversations lists the ids with stored state.
func (s *Store) Conversations() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(keyPrefix):]))
		}
		return nil
	})
	return ids, err
}

func key(conversationID string) []byte {
	return []byte(keyPrefix + conversationID)
}
