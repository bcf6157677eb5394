// Package kv is the embedded Badger implementation of the pipeline stores.
// Every mutating operation runs in one optimistic transaction that is retried
// on conflict, which gives the single-writer-wins semantics the dedup cache
// and the job claim rely on.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"horse.fit/trawl/internal/domain"
	"horse.fit/trawl/internal/globaltime"
)

const maxConflictRetries = 64

type Options struct {
	// Dir is the data directory. Empty opens an in-memory store.
	Dir    string
	Logger zerolog.Logger
	Now    func() time.Time
}

type Store struct {
	db     *badger.DB
	logger zerolog.Logger
	now    func() time.Time
}

func Open(opts Options) (*Store, error) {
	badgerOpts := badger.DefaultOptions(strings.TrimSpace(opts.Dir))
	if strings.TrimSpace(opts.Dir) == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithLogger(badgerLogger{logger: opts.Logger.With().Str("component", "badger").Logger()})

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{
		db:     db,
		logger: opts.Logger,
		now:    globaltime.Clock(opts.Now),
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the store accepts transactions.
func (s *Store) Ping(context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("badger store is not initialized")
	}
	if s.db.IsClosed() {
		return fmt.Errorf("badger store is closed")
	}
	return nil
}

// update runs fn in a read-write transaction, retrying on conflict with a
// short randomized backoff until ctx ends.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("badger store is not initialized")
	}

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Microsecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         10 * time.Millisecond,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, maxConflictRetries-1), ctx)

	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := s.db.Update(fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, badger.ErrConflict):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, retry)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("badger transaction conflict after %d attempts: %w", maxConflictRetries, err)
	}
	return err
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("badger store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func getJSON(txn *badger.Txn, key []byte, dest any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dest)
	})
}

func setJSON(txn *badger.Txn, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// scanPrefix visits every key under prefix. Values are loaded only when
// withValues is set.
func scanPrefix(txn *badger.Txn, prefix []byte, withValues bool, fn func(key []byte, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = withValues
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		var val []byte
		if withValues {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			val = v
		}
		more, err := fn(key, val)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Trace().Msgf(strings.TrimSpace(format), args...)
}

func unmarshal(val []byte, dest any) error {
	return json.Unmarshal(val, dest)
}
