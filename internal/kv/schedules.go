package kv

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"horse.fit/trawl/internal/domain"
)

const (
	prefixSchedule     = "sched:"
	prefixScheduleName = "schedname:"
)

func scheduleKey(id string) []byte       { return []byte(prefixSchedule + id) }
func scheduleNameKey(name string) []byte { return []byte(prefixScheduleName + name) }

// UpsertSchedule inserts a schedule or replaces the one with the same name,
// keeping its id and creation time.
func (s *Store) UpsertSchedule(ctx context.Context, sched domain.Schedule) (domain.Schedule, error) {
	var out domain.Schedule
	err := s.update(ctx, func(txn *badger.Txn) error {
		now := s.now()
		item, err := txn.Get(scheduleNameKey(sched.Name))
		switch {
		case err == nil:
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var existing domain.Schedule
			if err := getJSON(txn, scheduleKey(string(id)), &existing); err != nil {
				return err
			}
			sched.ID = existing.ID
			sched.CreatedAt = existing.CreatedAt
			sched.LastRunAt = existing.LastRunAt
		case errors.Is(err, badger.ErrKeyNotFound):
			if sched.ID == "" {
				sched.ID = uuid.NewString()
			}
			sched.CreatedAt = now
		default:
			return err
		}
		sched.UpdatedAt = now

		if err := setJSON(txn, scheduleKey(sched.ID), sched); err != nil {
			return err
		}
		if err := txn.Set(scheduleNameKey(sched.Name), []byte(sched.ID)); err != nil {
			return err
		}
		out = sched
		return nil
	})
	if err != nil {
		return domain.Schedule{}, err
	}
	return out, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	var sched domain.Schedule
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, scheduleKey(id), &sched)
	})
	if err != nil {
		return domain.Schedule{}, err
	}
	return sched, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	var out []domain.Schedule
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixSchedule), true, func(_, val []byte) (bool, error) {
			var sched domain.Schedule
			if err := unmarshal(val, &sched); err != nil {
				return false, err
			}
			out = append(out, sched)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	all, err := s.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	due := make([]domain.Schedule, 0, len(all))
	for _, sched := range all {
		if sched.Enabled && !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// AdvanceSchedule moves next_run_at forward only if it still equals
// expectedNext. It reports whether this caller won the tick.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, expectedNext, next, lastRun time.Time) (bool, error) {
	advanced := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		advanced = false
		var sched domain.Schedule
		if err := getJSON(txn, scheduleKey(id), &sched); err != nil {
			return err
		}
		if !sched.NextRunAt.Equal(expectedNext) {
			return nil
		}
		sched.NextRunAt = next
		sched.LastRunAt = &lastRun
		sched.UpdatedAt = s.now()
		if err := setJSON(txn, scheduleKey(id), sched); err != nil {
			return err
		}
		advanced = true
		return nil
	})
	return advanced, err
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var sched domain.Schedule
		if err := getJSON(txn, scheduleKey(id), &sched); err != nil {
			return err
		}
		sched.Enabled = enabled
		sched.UpdatedAt = s.now()
		return setJSON(txn, scheduleKey(id), sched)
	})
}
