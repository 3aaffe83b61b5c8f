// Package badgerstore implements the store contract on an embedded
// BadgerDB. Conditions are evaluated inside the same transaction that
// applies the writes, and Badger's optimistic concurrency turns write
// races into retryable conflicts.
//
// Badger only detects conflicts on keys a transaction actually read, so a
// count condition alone would be blind to phantom inserts into the counted
// partition. Every write transaction therefore reads and bumps a hidden
// per-(table, partition) version key for each partition it writes, and
// reads the version key of each partition it counts. Two transactions
// touching the same partition then overlap on that key and one of them
// fails with ErrTxnConflict at commit.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/eventops/admitd/internal/store"
)

const (
	itemPrefix    = 'i'
	versionPrefix = 'v'
	sep           = 0x00
)

// Config holds options for opening a store.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string
	// InMemory opens a non-persistent database, useful for tests.
	InMemory bool
	// SyncWrites forces fsync on every commit.
	SyncWrites bool
	// Logger receives Badger's internal log output. Nil disables it.
	Logger *zerolog.Logger
}

// Store is a badger-backed implementation of store.Store.
type Store struct {
	db *badger.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (and if needed creates) the database.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{l: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory store for tests.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ConditionalPut writes item if every condition holds.
func (s *Store) ConditionalPut(ctx context.Context, table string, item store.Item, conds ...store.Condition) error {
	return s.TransactWrite(ctx, []store.Op{store.PutOp(table, item)}, conds...)
}

// TransactWrite applies ops atomically if every condition holds.
func (s *Store) TransactWrite(ctx context.Context, ops []store.Op, conds ...store.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ops) == 0 {
		return errors.New("transaction requires at least one op")
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	// Bump the version key of every partition we write, and pull the
	// version key of every partition we count into the read set.
	written := map[string]bool{}
	for _, op := range ops {
		table, key := op.Table, opKey(op)
		vk := string(versionKey(table, key.Partition))
		if !written[vk] {
			written[vk] = true
			if err := bumpVersion(txn, []byte(vk)); err != nil {
				return err
			}
		}
	}
	for _, c := range conds {
		if c.Kind != store.CondCountAtMost && c.Kind != store.CondCountEquals {
			continue
		}
		vk := versionKey(c.Table, c.Partition)
		if written[string(vk)] {
			continue
		}
		if _, err := txn.Get(vk); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read version key: %w", err)
		}
	}

	for _, c := range conds {
		ok, err := s.evalCondition(txn, c)
		if err != nil {
			return err
		}
		if !ok {
			return &store.ConditionFailedError{Cond: c}
		}
	}

	for _, op := range ops {
		switch {
		case op.Put != nil:
			if err := txn.Set(itemKey(op.Table, op.Put.Key), op.Put.Value); err != nil {
				return fmt.Errorf("set %s: %w", op.Table, err)
			}
		case op.Delete != nil:
			if err := txn.Delete(itemKey(op.Table, *op.Delete)); err != nil {
				return fmt.Errorf("delete %s: %w", op.Table, err)
			}
		default:
			return errors.New("op has neither put nor delete")
		}
	}

	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return store.ErrTxnConflict
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get reads one item, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, table string, key store.Key) (store.Item, error) {
	if err := ctx.Err(); err != nil {
		return store.Item{}, err
	}
	out := store.Item{Key: key}
	err := s.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(itemKey(table, key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		out.Value, err = it.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Item{}, store.ErrNotFound
		}
		return store.Item{}, fmt.Errorf("get %s: %w", table, err)
	}
	return out, nil
}

// Query returns the partition's items ordered by sort key ascending.
func (s *Store) Query(ctx context.Context, table, partition string, opts ...store.QueryOption) ([]store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o store.QueryOptions
	for _, opt := range opts {
		opt(&o)
	}

	prefix := partitionPrefix(table, partition)
	var items []store.Item
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			sort := string(it.Item().Key()[len(prefix):])
			if o.SortFrom != "" && sort < o.SortFrom {
				continue
			}
			if o.SortTo != "" && sort > o.SortTo {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			items = append(items, store.Item{
				Key:   store.Key{Partition: partition, Sort: sort},
				Value: val,
			})
			if o.Limit > 0 && len(items) >= o.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query %s/%s: %w", table, partition, err)
	}
	return items, nil
}

// Scan returns every item in a table.
func (s *Store) Scan(ctx context.Context, table string) ([]store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := tablePrefix(table)
	var items []store.Item
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := it.Item().Key()[len(prefix):]
			i := bytes.IndexByte(rest, sep)
			if i < 0 {
				continue
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			items = append(items, store.Item{
				Key:   store.Key{Partition: string(rest[:i]), Sort: string(rest[i+1:])},
				Value: val,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	return items, nil
}

func (s *Store) evalCondition(txn *badger.Txn, c store.Condition) (bool, error) {
	switch c.Kind {
	case store.CondNotExists:
		_, err := txn.Get(itemKey(c.Table, c.Key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("eval %s: %w", c.Tag, err)
		}
		return false, nil
	case store.CondExists:
		_, err := txn.Get(itemKey(c.Table, c.Key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("eval %s: %w", c.Tag, err)
		}
		return true, nil
	case store.CondValueEquals:
		it, err := txn.Get(itemKey(c.Table, c.Key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("eval %s: %w", c.Tag, err)
		}
		val, err := it.ValueCopy(nil)
		if err != nil {
			return false, fmt.Errorf("eval %s: %w", c.Tag, err)
		}
		return bytes.Equal(val, c.Value), nil
	case store.CondCountAtMost, store.CondCountEquals:
		n, err := s.countPartition(txn, c.Table, c.Partition)
		if err != nil {
			return false, fmt.Errorf("eval %s: %w", c.Tag, err)
		}
		if c.Kind == store.CondCountAtMost {
			return n <= c.Count, nil
		}
		return n == c.Count, nil
	default:
		return false, fmt.Errorf("unknown condition kind %d", c.Kind)
	}
}

func (s *Store) countPartition(txn *badger.Txn, table, partition string) (int, error) {
	prefix := partitionPrefix(table, partition)
	iopts := badger.DefaultIteratorOptions
	iopts.Prefix = prefix
	iopts.PrefetchValues = false
	it := txn.NewIterator(iopts)
	defer it.Close()

	n := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		n++
	}
	return n, nil
}

func bumpVersion(txn *badger.Txn, vk []byte) error {
	var n uint64
	it, err := txn.Get(vk)
	switch {
	case err == nil:
		val, err := it.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("read version key: %w", err)
		}
		if len(val) == 8 {
			n = binary.BigEndian.Uint64(val)
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return fmt.Errorf("read version key: %w", err)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n+1)
	if err := txn.Set(vk, buf); err != nil {
		return fmt.Errorf("bump version key: %w", err)
	}
	return nil
}

func opKey(op store.Op) store.Key {
	if op.Put != nil {
		return op.Put.Key
	}
	return *op.Delete
}

func tablePrefix(table string) []byte {
	b := make([]byte, 0, len(table)+3)
	b = append(b, itemPrefix, sep)
	b = append(b, table...)
	return append(b, sep)
}

func partitionPrefix(table, partition string) []byte {
	b := tablePrefix(table)
	b = append(b, partition...)
	return append(b, sep)
}

func itemKey(table string, key store.Key) []byte {
	b := partitionPrefix(table, key.Partition)
	return append(b, key.Sort...)
}

func versionKey(table, partition string) []byte {
	b := make([]byte, 0, len(table)+len(partition)+4)
	b = append(b, versionPrefix, sep)
	b = append(b, table...)
	b = append(b, sep)
	return append(b, partition...)
}

// badgerLogger adapts zerolog to Badger's logger interface.
type badgerLogger struct {
	l *zerolog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error().Msgf(format, args...)
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn().Msgf(format, args...)
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug().Msgf(format, args...)
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug().Msgf(format, args...)
}
