// Package store defines the durable key-value store contract the service is
// built on: conditional writes, multi-item transactions, point reads and
// partition queries. Implementations must evaluate conditions and apply
// writes as one serializable unit; a plain read-then-write is never enough
// to enforce a capacity bound under concurrent writers.
package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/eventops/admitd/internal/metrics"
)

// Logical tables. Every item lives in exactly one table and is addressed by
// (partition, sort). The participant_* tables are manually maintained
// secondary indexes, written in the same transaction as their primary rows.
const (
	TableEvents          = "events"
	TableParticipants    = "participants"
	TableRegistrations   = "registrations"    // partition: eventID, sort: participantID
	TableWaitlist        = "waitlist"         // partition: eventID, sort: zero-padded position
	TableParticipantRegs = "participant_regs" // partition: participantID, sort: eventID
	TableParticipantWait = "participant_wait" // partition: participantID, sort: eventID
)

// ErrNotFound is returned by Get when no item exists at the key.
var ErrNotFound = errors.New("item not found")

// ErrTxnConflict is returned when a write lost a race with a concurrent
// transaction. It signals benign contention: the caller should re-read and
// retry, never surface it as a business failure.
var ErrTxnConflict = errors.New("transaction conflict")

// Key addresses an item within a table.
type Key struct {
	Partition string
	Sort      string
}

// Item is a stored record. Value is an opaque encoded payload.
type Item struct {
	Key   Key
	Value []byte
}

// CondKind enumerates the supported condition predicates.
type CondKind int

const (
	// CondNotExists asserts no item exists at Key.
	CondNotExists CondKind = iota
	// CondExists asserts an item exists at Key.
	CondExists
	// CondValueEquals asserts the item at Key exists with exactly Value.
	CondValueEquals
	// CondCountAtMost asserts the partition holds at most Count items.
	CondCountAtMost
	// CondCountEquals asserts the partition holds exactly Count items.
	CondCountEquals
)

// Condition is a predicate evaluated atomically with the write it guards.
// Tag identifies the condition in failure reports so callers can tell a
// business rejection (duplicate row, capacity reached) from benign
// contention (a stale count snapshot).
type Condition struct {
	Kind      CondKind
	Table     string
	Key       Key
	Value     []byte
	Partition string
	Count     int
	Tag       string
}

// NotExists asserts no item exists at key.
func NotExists(table string, key Key, tag string) Condition {
	return Condition{Kind: CondNotExists, Table: table, Key: key, Tag: tag}
}

// Exists asserts an item exists at key.
func Exists(table string, key Key, tag string) Condition {
	return Condition{Kind: CondExists, Table: table, Key: key, Tag: tag}
}

// ValueEquals asserts the item at key exists with exactly value.
func ValueEquals(table string, key Key, value []byte, tag string) Condition {
	return Condition{Kind: CondValueEquals, Table: table, Key: key, Value: value, Tag: tag}
}

// CountAtMost asserts the partition holds at most max items. A negative max
// always fails, which makes a zero-capacity guard expressible.
func CountAtMost(table, partition string, max int, tag string) Condition {
	return Condition{Kind: CondCountAtMost, Table: table, Partition: partition, Count: max, Tag: tag}
}

// CountEquals asserts the partition holds exactly n items.
func CountEquals(table, partition string, n int, tag string) Condition {
	return Condition{Kind: CondCountEquals, Table: table, Partition: partition, Count: n, Tag: tag}
}

// ConditionFailedError reports the first condition that did not hold at
// commit time. The write was not applied.
type ConditionFailedError struct {
	Cond Condition
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("condition failed: %s", e.Cond.Tag)
}

// AsConditionFailed unwraps err into a ConditionFailedError, if it is one.
func AsConditionFailed(err error) (*ConditionFailedError, bool) {
	var cf *ConditionFailedError
	if errors.As(err, &cf) {
		return cf, true
	}
	return nil, false
}

// FailedTag returns the tag of the failed condition, or "" if err is not a
// condition failure.
func FailedTag(err error) string {
	if cf, ok := AsConditionFailed(err); ok {
		return cf.Cond.Tag
	}
	return ""
}

// Op is a single write within a transaction: exactly one of Put or Delete
// is set.
type Op struct {
	Table  string
	Put    *Item
	Delete *Key
}

// PutOp builds a put operation.
func PutOp(table string, item Item) Op {
	return Op{Table: table, Put: &item}
}

// DeleteOp builds a delete operation.
func DeleteOp(table string, key Key) Op {
	return Op{Table: table, Delete: &key}
}

// QueryOptions narrow a partition query.
type QueryOptions struct {
	SortFrom string // inclusive lower bound on sort key, "" = unbounded
	SortTo   string // inclusive upper bound on sort key, "" = unbounded
	Limit    int    // 0 = no limit
}

// QueryOption mutates QueryOptions.
type QueryOption func(*QueryOptions)

// WithSortRange bounds the query to sort keys in [from, to], inclusive.
// An empty bound is unbounded on that side.
func WithSortRange(from, to string) QueryOption {
	return func(o *QueryOptions) { o.SortFrom = from; o.SortTo = to }
}

// WithLimit caps the number of returned items.
func WithLimit(n int) QueryOption {
	return func(o *QueryOptions) { o.Limit = n }
}

// Store is the durable store consumed by the admission core. All writes are
// atomic: either every op applies and every condition held, or nothing
// applies. Implementations must be safe for concurrent use and must detect
// write races across the full read set of a transaction, including counts.
type Store interface {
	// ConditionalPut writes item if every condition holds.
	ConditionalPut(ctx context.Context, table string, item Item, conds ...Condition) error
	// TransactWrite applies ops as one atomic unit if every condition holds.
	// Puts and deletes may mix freely across tables.
	TransactWrite(ctx context.Context, ops []Op, conds ...Condition) error
	// Get reads one item, or ErrNotFound.
	Get(ctx context.Context, table string, key Key) (Item, error)
	// Query returns the partition's items ordered by sort key ascending.
	Query(ctx context.Context, table, partition string, opts ...QueryOption) ([]Item, error)
	// Scan returns every item in a table. Used only by low-volume listings.
	Scan(ctx context.Context, table string) ([]Item, error)
	// Close releases the underlying resources.
	Close() error
}

// DefaultRetryAttempts bounds how often a conflicted write is retried
// before the contention is surfaced to the caller.
const DefaultRetryAttempts = 10

// Retry runs fn until it succeeds, fails with a non-retryable error, the
// context is cancelled, or attempts are exhausted. Only ErrTxnConflict is
// retried; business rejections propagate immediately. Sleeps a short
// jittered delay between attempts so contending writers spread out.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if err == nil || !errors.Is(err, ErrTxnConflict) {
			return err
		}
		metrics.StoreConflictsTotal.Inc()
		if i < attempts-1 {
			sleepJitter(ctx, i)
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)
}

func sleepJitter(ctx context.Context, attempt int) {
	base := time.Duration(1<<uint(attempt)) * 5 * time.Millisecond
	d := base + time.Duration(rand.Int63n(int64(5*time.Millisecond)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
