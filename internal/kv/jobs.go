package kv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"horse.fit/trawl/internal/domain"
)

const (
	prefixJob        = "job:"
	prefixJobIdem    = "jobidem:"
	prefixJobQueue   = "jobq:"
	prefixJobDelayed = "jobdelay:"
	prefixJobRunning = "jobrun:"
	prefixJobState   = "jobst:"
	purgeBatchSize   = 500
	promoteBatch     = 256
)

func jobKey(id string) []byte      { return []byte(prefixJob + id) }
func jobIdemKey(key string) []byte { return []byte(prefixJobIdem + key) }

// Ready jobs sort by priority descending, then availability ascending.
func jobQueueKey(j domain.Job) []byte {
	p := math.Max(0, j.Priority)
	inverted := math.MaxUint64 - math.Float64bits(p)
	return []byte(fmt.Sprintf("%s%s:%016x:%020d:%s", prefixJobQueue, j.Kind, inverted, j.AvailableAt.UnixNano(), j.ID))
}

func jobQueuePrefix(kind domain.JobKind) []byte {
	return []byte(prefixJobQueue + string(kind) + ":")
}

// Pending jobs wait in the delayed index, ordered by availability, until a
// claim finds them due and moves them to the ready queue.
func jobDelayedKey(j domain.Job) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixJobDelayed, j.Kind, j.AvailableAt.UnixNano(), j.ID))
}

func jobDelayedPrefix(kind domain.JobKind) []byte {
	return []byte(prefixJobDelayed + string(kind) + ":")
}

func jobRunningKey(j domain.Job) []byte {
	var expires int64
	if j.LeaseExpiresAt != nil {
		expires = j.LeaseExpiresAt.UnixNano()
	}
	return []byte(fmt.Sprintf("%s%020d:%s", prefixJobRunning, expires, j.ID))
}

func jobStateKey(j domain.Job) []byte {
	return []byte(prefixJobState + string(j.State) + ":" + string(j.Kind) + ":" + j.ID)
}

func (s *Store) EnqueueJob(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	var (
		out     domain.Job
		created bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		var err error
		out, created, err = s.insertJobTx(txn, job)
		return err
	})
	if err != nil {
		return domain.Job{}, false, err
	}
	return out, created, nil
}

func (s *Store) insertJobTx(txn *badger.Txn, job domain.Job) (domain.Job, bool, error) {
	if job.IdempotencyKey != "" {
		item, err := txn.Get(jobIdemKey(job.IdempotencyKey))
		switch {
		case err == nil:
			id, err := item.ValueCopy(nil)
			if err != nil {
				return domain.Job{}, false, err
			}
			var existing domain.Job
			err = getJSON(txn, jobKey(string(id)), &existing)
			if err == nil {
				return existing, false, nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return domain.Job{}, false, err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return domain.Job{}, false, err
		}
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = domain.JobPending
	}
	if err := putJobTx(txn, nil, job); err != nil {
		return domain.Job{}, false, err
	}
	if job.IdempotencyKey != "" {
		if err := txn.Set(jobIdemKey(job.IdempotencyKey), []byte(job.ID)); err != nil {
			return domain.Job{}, false, err
		}
	}
	return job, true, nil
}

// putJobTx writes job and moves its index entries from old.
func putJobTx(txn *badger.Txn, old *domain.Job, job domain.Job) error {
	if old != nil {
		if err := txn.Delete(jobStateKey(*old)); err != nil {
			return err
		}
		if old.State == domain.JobPending {
			if err := txn.Delete(jobDelayedKey(*old)); err != nil {
				return err
			}
			if err := txn.Delete(jobQueueKey(*old)); err != nil {
				return err
			}
		}
		if old.State == domain.JobRunning {
			if err := txn.Delete(jobRunningKey(*old)); err != nil {
				return err
			}
		}
	}

	if err := setJSON(txn, jobKey(job.ID), job); err != nil {
		return err
	}
	if err := txn.Set(jobStateKey(job), nil); err != nil {
		return err
	}
	switch job.State {
	case domain.JobPending:
		return txn.Set(jobDelayedKey(job), nil)
	case domain.JobRunning:
		return txn.Set(jobRunningKey(job), nil)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var job domain.Job
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(id), &job)
	})
	if err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func (s *Store) ClaimJob(ctx context.Context, kind domain.JobKind, owner string, now, leaseUntil time.Time) (domain.Job, bool, error) {
	var (
		claimed domain.Job
		found   bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		found = false
		if err := promoteDueTx(txn, kind, now); err != nil {
			return err
		}

		prefix := jobQueuePrefix(kind)
		var candidateID string
		err := scanPrefix(txn, prefix, false, func(key, _ []byte) (bool, error) {
			parts := strings.Split(strings.TrimPrefix(string(key), string(prefix)), ":")
			if len(parts) != 3 {
				return true, nil
			}
			availableAt, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil || availableAt > now.UnixNano() {
				return true, nil
			}
			candidateID = parts[2]
			return false, nil
		})
		if err != nil || candidateID == "" {
			return err
		}

		var job domain.Job
		if err := getJSON(txn, jobKey(candidateID), &job); err != nil {
			return err
		}
		if job.State != domain.JobPending {
			return fmt.Errorf("job %s indexed as pending but is %s", job.ID, job.State)
		}

		old := job
		expires := leaseUntil
		job.State = domain.JobRunning
		job.AttemptCount++
		job.LeaseOwner = owner
		job.LeaseExpiresAt = &expires
		job.UpdatedAt = now
		if err := putJobTx(txn, &old, job); err != nil {
			return err
		}
		claimed = job
		found = true
		return nil
	})
	if err != nil {
		return domain.Job{}, false, err
	}
	return claimed, found, nil
}

// promoteDueTx moves delayed jobs of kind that are available at now into the
// ready queue, at most promoteBatch per call.
func promoteDueTx(txn *badger.Txn, kind domain.JobKind, now time.Time) error {
	prefix := jobDelayedPrefix(kind)
	var (
		keys [][]byte
		ids  []string
	)
	err := scanPrefix(txn, prefix, false, func(key, _ []byte) (bool, error) {
		rest := strings.TrimPrefix(string(key), string(prefix))
		sep := strings.IndexByte(rest, ':')
		if sep < 0 {
			return true, nil
		}
		availableAt, err := strconv.ParseInt(rest[:sep], 10, 64)
		if err != nil {
			return true, nil
		}
		if availableAt > now.UnixNano() {
			return false, nil
		}
		keys = append(keys, key)
		ids = append(ids, rest[sep+1:])
		return len(keys) < promoteBatch, nil
	})
	if err != nil {
		return err
	}

	for i, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
		var job domain.Job
		err := getJSON(txn, jobKey(ids[i]), &job)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if job.State != domain.JobPending {
			continue
		}
		if err := txn.Set(jobQueueKey(job), nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) HeartbeatJob(ctx context.Context, id, owner string, leaseUntil time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var job domain.Job
		if err := getJSON(txn, jobKey(id), &job); err != nil {
			return err
		}
		if job.State != domain.JobRunning || job.LeaseOwner != owner {
			return domain.ErrLeaseLost
		}
		old := job
		expires := leaseUntil
		job.LeaseExpiresAt = &expires
		job.UpdatedAt = s.now()
		return putJobTx(txn, &old, job)
	})
}

func (s *Store) TransitionJob(ctx context.Context, id, owner string, tr domain.JobTransition) (domain.Job, error) {
	return s.transition(ctx, id, tr, func(job domain.Job) error {
		if job.State != domain.JobRunning || job.LeaseOwner != owner {
			return domain.ErrLeaseLost
		}
		return nil
	})
}

func (s *Store) ExpireJob(ctx context.Context, id string, now time.Time, tr domain.JobTransition) (domain.Job, error) {
	return s.transition(ctx, id, tr, func(job domain.Job) error {
		if job.State != domain.JobRunning || job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
			return domain.ErrLeaseLost
		}
		return nil
	})
}

func (s *Store) transition(ctx context.Context, id string, tr domain.JobTransition, check func(domain.Job) error) (domain.Job, error) {
	var out domain.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		var job domain.Job
		if err := getJSON(txn, jobKey(id), &job); err != nil {
			return err
		}
		if err := check(job); err != nil {
			return err
		}
		old := job
		applyTransition(&job, tr)
		if err := putJobTx(txn, &old, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

func applyTransition(job *domain.Job, tr domain.JobTransition) {
	job.State = tr.State
	job.AttemptCount = tr.AttemptCount
	job.AvailableAt = tr.AvailableAt
	job.NextRetryAt = tr.NextRetryAt
	job.LastError = tr.LastError
	job.FinishedAt = tr.FinishedAt
	job.UpdatedAt = tr.UpdatedAt
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
}

func (s *Store) ListExpiredJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixJobRunning), false, func(key, _ []byte) (bool, error) {
			rest := strings.TrimPrefix(string(key), prefixJobRunning)
			expiresRaw, id, ok := strings.Cut(rest, ":")
			if !ok {
				return true, nil
			}
			expires, err := strconv.ParseInt(expiresRaw, 10, 64)
			if err != nil {
				return true, nil
			}
			if expires > now.UnixNano() {
				return false, nil
			}
			ids = append(ids, id)
			return len(ids) < limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.loadJobs(ctx, ids)
}

func (s *Store) CancelJob(ctx context.Context, id string, now time.Time) (domain.Job, error) {
	var out domain.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		var job domain.Job
		if err := getJSON(txn, jobKey(id), &job); err != nil {
			return err
		}
		old := job
		switch job.State {
		case domain.JobPending:
			finished := now
			job.State = domain.JobCancelled
			job.FinishedAt = &finished
		case domain.JobRunning:
			job.CancelRequested = true
		default:
			out = job
			return domain.ErrJobFinished
		}
		job.UpdatedAt = now
		if err := putJobTx(txn, &old, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

func (s *Store) RequeueJob(ctx context.Context, id string, now time.Time) (domain.Job, error) {
	var out domain.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		var job domain.Job
		if err := getJSON(txn, jobKey(id), &job); err != nil {
			return err
		}
		if job.State != domain.JobDead && job.State != domain.JobCancelled {
			return fmt.Errorf("requeue job %s in state %s: %w", id, job.State, domain.ErrJobState)
		}
		old := job
		job.State = domain.JobPending
		job.AttemptCount = 0
		job.CancelRequested = false
		job.AvailableAt = now
		job.NextRetryAt = nil
		job.FinishedAt = nil
		job.UpdatedAt = now
		if err := putJobTx(txn, &old, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	if err != nil {
		return domain.Job{}, err
	}
	return out, nil
}

func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	prefix := prefixJobState
	if filter.State != "" {
		prefix += string(filter.State) + ":"
		if filter.Kind != "" {
			prefix += string(filter.Kind) + ":"
		}
	}

	var ids []string
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefix), false, func(key, _ []byte) (bool, error) {
			parts := strings.SplitN(strings.TrimPrefix(string(key), prefixJobState), ":", 3)
			if len(parts) != 3 {
				return true, nil
			}
			if filter.Kind != "" && parts[1] != string(filter.Kind) {
				return true, nil
			}
			ids = append(ids, parts[2])
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	jobs, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *Store) CountJobs(ctx context.Context) ([]domain.LaneCount, error) {
	counts := map[[2]string]int64{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixJobState), false, func(key, _ []byte) (bool, error) {
			parts := strings.SplitN(strings.TrimPrefix(string(key), prefixJobState), ":", 3)
			if len(parts) == 3 {
				counts[[2]string{parts[1], parts[0]}]++
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.LaneCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, domain.LaneCount{Kind: domain.JobKind(k[0]), State: domain.JobState(k[1]), Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].State < out[j].State
	})
	return out, nil
}

// DeleteFinishedJobs removes succeeded and cancelled jobs finished before
// cutoff. Dead jobs are kept for inspection.
func (s *Store) DeleteFinishedJobs(ctx context.Context, before time.Time) (int, error) {
	total := 0
	for _, state := range []domain.JobState{domain.JobSucceeded, domain.JobCancelled} {
		jobs, err := s.ListJobs(ctx, domain.JobFilter{State: state})
		if err != nil {
			return total, err
		}
		var expired []domain.Job
		for _, job := range jobs {
			if job.FinishedAt != nil && job.FinishedAt.Before(before) {
				expired = append(expired, job)
			}
		}
		for start := 0; start < len(expired); start += purgeBatchSize {
			batch := expired[start:min(start+purgeBatchSize, len(expired))]
			err := s.update(ctx, func(txn *badger.Txn) error {
				for _, job := range batch {
					if err := txn.Delete(jobKey(job.ID)); err != nil {
						return err
					}
					if err := txn.Delete(jobStateKey(job)); err != nil {
						return err
					}
					if job.IdempotencyKey != "" {
						if err := txn.Delete(jobIdemKey(job.IdempotencyKey)); err != nil {
							return err
						}
					}
				}
				return nil
			})
			if err != nil {
				return total, err
			}
			total += len(batch)
		}
	}
	return total, nil
}

func (s *Store) loadJobs(ctx context.Context, ids []string) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(ids))
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			var job domain.Job
			if err := getJSON(txn, jobKey(id), &job); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}
