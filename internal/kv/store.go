package kv

import (
	"context"
	_ "crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/opencontainers/go-digest"
)

// Pair is a stored key/value pair of one namespace
type Pair struct {
	Key    string        `json:"-"`
	Value  []byte        `json:"value"`
	Digest digest.Digest `json:"digest"`
	// Managed is false for pairs written outside of gitsyncd
	Managed   bool      `json:"managed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps pairs in badger under <tenant>/<namespace>/<key>
type Store struct {
	db  *badger.DB
	now func() time.Time
}

// NewStore creates a store on an opened database
func NewStore(db *badger.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func prefix(tenant, namespace string) []byte {
	return []byte(tenant + "/" + namespace + "/")
}

func storageKey(tenant, namespace, key string) []byte {
	return append(prefix(tenant, namespace), key...)
}

// List returns every pair of a namespace in key order
func (s *Store) List(ctx context.Context, tenant, namespace string) ([]Pair, error) {
	p := prefix(tenant, namespace)

	var out []Pair
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), string(p))

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			pair, err := decode(key, raw)
			if err != nil {
				return err
			}
			out = append(out, pair)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one pair, ok is false when the key does not exist
func (s *Store) Get(ctx context.Context, tenant, namespace, key string) (Pair, bool, error) {
	if err := ctx.Err(); err != nil {
		return Pair{}, false, err
	}

	var (
		pair  Pair
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(tenant, namespace, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		pair, err = decode(key, raw)
		found = err == nil
		return err
	})
	if err != nil {
		return Pair{}, false, err
	}
	return pair, found, nil
}

// Put stores a pair. The digest is computed when missing.
func (s *Store) Put(ctx context.Context, tenant, namespace string, pair Pair) (Pair, error) {
	if err := ctx.Err(); err != nil {
		return Pair{}, err
	}
	if pair.Key == "" || strings.Contains(pair.Key, "/") {
		return Pair{}, fmt.Errorf("invalid key %q", pair.Key)
	}
	if pair.Digest == "" {
		pair.Digest = digest.FromBytes(pair.Value)
	}
	if pair.UpdatedAt.IsZero() {
		pair.UpdatedAt = s.now().UTC()
	}

	raw, err := json.Marshal(pair)
	if err != nil {
		return Pair{}, err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storageKey(tenant, namespace, pair.Key), raw)
	})
	if err != nil {
		return Pair{}, err
	}
	return pair, nil
}

// Delete removes a pair. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, tenant, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storageKey(tenant, namespace, key))
	})
}

func decode(key string, raw []byte) (Pair, error) {
	var pair Pair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return Pair{}, fmt.Errorf("failed to decode value of %s: %w", key, err)
	}
	pair.Key = key
	return pair, nil
}
