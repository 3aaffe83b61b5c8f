// Package pgxstore implements the store contract on PostgreSQL using pgx.
// Items live in a single keyed table and every write runs in a SERIALIZABLE
// transaction, so condition checks (including partition counts) and the
// writes they guard commit as one atomic unit. Serialization failures map
// to store.ErrTxnConflict and are retried by the caller.
package pgxstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventops/admitd/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	tbl   text  NOT NULL,
	pk    text  NOT NULL,
	sk    text  NOT NULL DEFAULT '',
	value bytea NOT NULL,
	PRIMARY KEY (tbl, pk, sk)
)`

// Store is a PostgreSQL-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to PostgreSQL, ensures the schema exists, and returns the
// store. It retries the initial connection to accommodate containers that
// are still starting up.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; ; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		if attempt >= 5 {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ConditionalPut writes item if every condition holds.
func (s *Store) ConditionalPut(ctx context.Context, table string, item store.Item, conds ...store.Condition) error {
	return s.TransactWrite(ctx, []store.Op{store.PutOp(table, item)}, conds...)
}

// TransactWrite applies ops atomically if every condition holds.
func (s *Store) TransactWrite(ctx context.Context, ops []store.Op, conds ...store.Condition) (err error) {
	if len(ops) == 0 {
		return errors.New("transaction requires at least one op")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, c := range conds {
		var ok bool
		ok, err = evalCondition(ctx, tx, c)
		if err != nil {
			return classify(err)
		}
		if !ok {
			return &store.ConditionFailedError{Cond: c}
		}
	}

	for _, op := range ops {
		switch {
		case op.Put != nil:
			_, err = tx.Exec(ctx,
				`INSERT INTO items (tbl, pk, sk, value) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (tbl, pk, sk) DO UPDATE SET value = EXCLUDED.value`,
				op.Table, op.Put.Key.Partition, op.Put.Key.Sort, op.Put.Value,
			)
		case op.Delete != nil:
			_, err = tx.Exec(ctx,
				`DELETE FROM items WHERE tbl = $1 AND pk = $2 AND sk = $3`,
				op.Table, op.Delete.Partition, op.Delete.Sort,
			)
		default:
			err = errors.New("op has neither put nor delete")
		}
		if err != nil {
			return classify(err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Get reads one item, or store.ErrNotFound.
func (s *Store) Get(ctx context.Context, table string, key store.Key) (store.Item, error) {
	out := store.Item{Key: key}
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM items WHERE tbl = $1 AND pk = $2 AND sk = $3`,
		table, key.Partition, key.Sort,
	).Scan(&out.Value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Item{}, store.ErrNotFound
		}
		return store.Item{}, fmt.Errorf("get %s: %w", table, err)
	}
	return out, nil
}

// Query returns the partition's items ordered by sort key ascending.
func (s *Store) Query(ctx context.Context, table, partition string, opts ...store.QueryOption) ([]store.Item, error) {
	var o store.QueryOptions
	for _, opt := range opts {
		opt(&o)
	}

	q := `SELECT sk, value FROM items WHERE tbl = $1 AND pk = $2`
	args := []any{table, partition}
	if o.SortFrom != "" {
		args = append(args, o.SortFrom)
		q += fmt.Sprintf(` AND sk >= $%d`, len(args))
	}
	if o.SortTo != "" {
		args = append(args, o.SortTo)
		q += fmt.Sprintf(` AND sk <= $%d`, len(args))
	}
	q += ` ORDER BY sk ASC`
	if o.Limit > 0 {
		args = append(args, o.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s/%s: %w", table, partition, err)
	}
	defer rows.Close()

	var items []store.Item
	for rows.Next() {
		it := store.Item{Key: store.Key{Partition: partition}}
		if err := rows.Scan(&it.Key.Sort, &it.Value); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Scan returns every item in a table.
func (s *Store) Scan(ctx context.Context, table string) ([]store.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pk, sk, value FROM items WHERE tbl = $1 ORDER BY pk, sk`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	var items []store.Item
	for rows.Next() {
		var it store.Item
		if err := rows.Scan(&it.Key.Partition, &it.Key.Sort, &it.Value); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func evalCondition(ctx context.Context, tx pgx.Tx, c store.Condition) (bool, error) {
	switch c.Kind {
	case store.CondNotExists, store.CondExists:
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM items WHERE tbl = $1 AND pk = $2 AND sk = $3)`,
			c.Table, c.Key.Partition, c.Key.Sort,
		).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("eval %s: %w", c.Tag, err)
		}
		if c.Kind == store.CondNotExists {
			return !exists, nil
		}
		return exists, nil
	case store.CondValueEquals:
		var match bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM items WHERE tbl = $1 AND pk = $2 AND sk = $3 AND value = $4)`,
			c.Table, c.Key.Partition, c.Key.Sort, c.Value,
		).Scan(&match)
		if err != nil {
			return false, fmt.Errorf("eval %s: %w", c.Tag, err)
		}
		return match, nil
	case store.CondCountAtMost, store.CondCountEquals:
		var n int
		err := tx.QueryRow(ctx,
			`SELECT count(*) FROM items WHERE tbl = $1 AND pk = $2`,
			c.Table, c.Partition,
		).Scan(&n)
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

// classify maps serialization failures and deadlocks to the retryable
// conflict sentinel; everything else passes through.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return store.ErrTxnConflict
		}
	}
	return err
}
