package spectral

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/xraysim/sim"
)

// Cache persists built tables keyed by their parameters and provider, so
// repeated runs with the same spectral setup skip the expensive build.
type Cache struct {
	db *badger.DB
}

// OpenCache opens (or creates) a cache in dir. An empty dir opens an
// in-memory cache that lives as long as the process.
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening table cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the cache.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Key returns the cache key for a table built from params and provider.
func Key(params TableParams, providerName string) (string, error) {
	if params.OffGrid == "" {
		params.OffGrid = OffGridClamp
	}
	raw, err := yaml.Marshal(tableHeader{Model: providerName, Params: params})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return "table/" + hex.EncodeToString(sum[:]), nil
}

// Get returns the cached table, or (nil, nil) if absent. A stored entry that
// cannot be decoded is reported as a FormatError.
func (c *Cache) Get(params TableParams, providerName string) (*Table, error) {
	key, err := Key(params, providerName)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading table cache: %w", err)
	}
	t, err := UnmarshalTable(raw)
	if err != nil {
		return nil, &sim.FormatError{Path: key, Err: err}
	}
	return t, nil
}

// Put stores t under its own parameters and model.
func (c *Cache) Put(t *Table) error {
	key, err := Key(t.params, t.model)
	if err != nil {
		return err
	}
	raw, err := t.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding table: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
}

// GetOrBuild returns the cached table or builds and stores it. Corrupt
// entries are logged and rebuilt.
func (c *Cache) GetOrBuild(ctx context.Context, params TableParams, provider EmissivityProvider, workers int) (*Table, error) {
	t, err := c.Get(params, provider.Name())
	var ferr *sim.FormatError
	switch {
	case errors.As(err, &ferr):
		logrus.Warnf("discarding corrupt cached table: %v", err)
	case err != nil:
		return nil, err
	case t != nil:
		logrus.Debugf("spectral table cache hit for %s", provider.Name())
		return t, nil
	}
	t, err = Build(ctx, params, provider, workers)
	if err != nil {
		return nil, err
	}
	if err := c.Put(t); err != nil {
		logrus.Warnf("storing table in cache: %v", err)
	}
	return t, nil
}
