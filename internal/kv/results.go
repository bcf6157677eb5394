package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"horse.fit/trawl/internal/domain"
)

func snapshotKey(resultID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%08d", prefixSnapshot, resultID, seq))
}

func snapshotPrefix(resultID string) []byte {
	return []byte(prefixSnapshot + resultID + ":")
}

func putStaged(txn *badger.Txn, staged domain.StagedResult) error {
	if strings.TrimSpace(staged.ResultID) == "" {
		return fmt.Errorf("staged result id is required")
	}
	return setJSON(txn, stagedKey(staged.ResultID), staged)
}

// putFinalTx stores fr and moves its cluster index entry away from
// previousCanonical.
func putFinalTx(txn *badger.Txn, fr domain.FinalResult, previousCanonical string) error {
	if previousCanonical != "" && previousCanonical != fr.CanonicalURL {
		if err := txn.Delete(finalCanonicalKey(previousCanonical, fr.ResultID)); err != nil {
			return err
		}
	}
	if err := setJSON(txn, finalKey(fr.ResultID), fr); err != nil {
		return err
	}
	if fr.CanonicalURL == "" {
		return nil
	}
	return txn.Set(finalCanonicalKey(fr.CanonicalURL, fr.ResultID), nil)
}

func (s *Store) GetStaged(ctx context.Context, resultID string) (domain.StagedResult, error) {
	var staged domain.StagedResult
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, stagedKey(resultID), &staged)
	})
	if err != nil {
		return domain.StagedResult{}, err
	}
	return staged, nil
}

func (s *Store) SetStagedState(ctx context.Context, resultID string, state domain.StagedState, lastError string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var staged domain.StagedResult
		if err := getJSON(txn, stagedKey(resultID), &staged); err != nil {
			return err
		}
		staged.State = state
		staged.LastError = lastError
		staged.UpdatedAt = s.now()
		return putStaged(txn, staged)
	})
}

// AppendSnapshot assigns the next sequence number for the result and bumps
// its snapshot count.
func (s *Store) AppendSnapshot(ctx context.Context, snap domain.EngagementSnapshot) (domain.EngagementSnapshot, error) {
	var out domain.EngagementSnapshot
	err := s.update(ctx, func(txn *badger.Txn) error {
		var staged domain.StagedResult
		if err := getJSON(txn, stagedKey(snap.ResultID), &staged); err != nil {
			return err
		}
		staged.SnapshotCount++
		staged.UpdatedAt = s.now()
		snap.Seq = staged.SnapshotCount
		if snap.CapturedAt.IsZero() {
			snap.CapturedAt = staged.UpdatedAt
		}
		if err := setJSON(txn, snapshotKey(snap.ResultID, snap.Seq), snap); err != nil {
			return err
		}
		if err := putStaged(txn, staged); err != nil {
			return err
		}
		out = snap
		return nil
	})
	if err != nil {
		return domain.EngagementSnapshot{}, err
	}
	return out, nil
}

func (s *Store) ListSnapshots(ctx context.Context, resultID string) ([]domain.EngagementSnapshot, error) {
	var out []domain.EngagementSnapshot
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, snapshotPrefix(resultID), true, func(_, val []byte) (bool, error) {
			var snap domain.EngagementSnapshot
			if err := unmarshal(val, &snap); err != nil {
				return false, err
			}
			out = append(out, snap)
			return true, nil
		})
	})
	return out, err
}

func (s *Store) GetFinalResult(ctx context.Context, resultID string) (domain.FinalResult, error) {
	var fr domain.FinalResult
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, finalKey(resultID), &fr)
	})
	if err != nil {
		return domain.FinalResult{}, err
	}
	return fr, nil
}

// UpsertFinalResult writes fr. Cluster linkage always comes from the dedup
// key inside the same transaction, so a concurrent re-parent is never lost.
// Updates keep the first capture time and the recorded similarity.
func (s *Store) UpsertFinalResult(ctx context.Context, fr domain.FinalResult) (domain.FinalResult, error) {
	var out domain.FinalResult
	err := s.update(ctx, func(txn *badger.Txn) error {
		next := fr
		var previousCanonical string

		var existing domain.FinalResult
		err := getJSON(txn, finalKey(fr.ResultID), &existing)
		switch {
		case err == nil:
			previousCanonical = existing.CanonicalURL
			next.FirstCapturedAt = existing.FirstCapturedAt
			next.Similarity = existing.Similarity
			next.CanonicalURL = existing.CanonicalURL
			next.ClusterMember = existing.ClusterMember
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		var key domain.DedupKey
		err = getJSON(txn, dedupKey(fr.NormalizedURL), &key)
		switch {
		case err == nil:
			switch key.ContentState {
			case domain.ContentMember:
				next.CanonicalURL = key.CanonicalURL
				next.ClusterMember = true
			case domain.ContentCanonical:
				next.CanonicalURL = key.NormalizedURL
				next.ClusterMember = false
			}
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		if next.CanonicalURL == "" {
			next.CanonicalURL = next.NormalizedURL
		}
		if next.FirstCapturedAt.IsZero() {
			next.FirstCapturedAt = next.LastCapturedAt
		}

		if err := putFinalTx(txn, next, previousCanonical); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.FinalResult{}, err
	}
	return out, nil
}

func (s *Store) ListFinalResults(ctx context.Context, filter domain.ResultFilter) ([]domain.FinalResult, error) {
	prefix := []byte(prefixFinal)
	var ids []string
	if canonical := strings.TrimSpace(filter.CanonicalURL); canonical != "" {
		prefix = finalCanonicalPrefix(canonical)
	}

	var out []domain.FinalResult
	err := s.view(ctx, func(txn *badger.Txn) error {
		if filter.CanonicalURL != "" {
			if err := scanPrefix(txn, prefix, false, func(key, _ []byte) (bool, error) {
				ids = append(ids, strings.TrimPrefix(string(key), string(prefix)))
				return true, nil
			}); err != nil {
				return err
			}
			for _, id := range ids {
				var fr domain.FinalResult
				if err := getJSON(txn, finalKey(id), &fr); err != nil {
					if errors.Is(err, domain.ErrNotFound) {
						continue
					}
					return err
				}
				if matchesFilter(fr, filter) {
					out = append(out, fr)
				}
			}
			return nil
		}
		return scanPrefix(txn, prefix, true, func(_, val []byte) (bool, error) {
			var fr domain.FinalResult
			if err := unmarshal(val, &fr); err != nil {
				return false, err
			}
			if matchesFilter(fr, filter) {
				out = append(out, fr)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastCapturedAt.Equal(out[j].LastCapturedAt) {
			return out[i].LastCapturedAt.After(out[j].LastCapturedAt)
		}
		return out[i].ResultID < out[j].ResultID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.FinalResult{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(fr domain.FinalResult, filter domain.ResultFilter) bool {
	if filter.CompetitorID != 0 && fr.CompetitorID != filter.CompetitorID {
		return false
	}
	if filter.PlatformID != 0 && fr.PlatformID != filter.PlatformID {
		return false
	}
	if !filter.IncludeMembers && filter.CanonicalURL == "" && fr.ClusterMember {
		return false
	}
	if filter.Since != nil && fr.LastCapturedAt.Before(*filter.Since) {
		return false
	}
	if filter.Until != nil && fr.LastCapturedAt.After(*filter.Until) {
		return false
	}
	return true
}

// PurgeArchived deletes archived staged results last updated before cutoff.
// Snapshots of results that never produced a final result go with them.
func (s *Store) PurgeArchived(ctx context.Context, before time.Time) (int, error) {
	var expired []domain.StagedResult
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixStaged), true, func(_, val []byte) (bool, error) {
			var staged domain.StagedResult
			if err := unmarshal(val, &staged); err != nil {
				return false, err
			}
			if staged.State.Archived() && staged.UpdatedAt.Before(before) {
				expired = append(expired, staged)
			}
			return true, nil
		})
	})
	if err != nil {
		return 0, err
	}

	total := 0
	for start := 0; start < len(expired); start += purgeBatchSize {
		batch := expired[start:min(start+purgeBatchSize, len(expired))]
		err := s.update(ctx, func(txn *badger.Txn) error {
			for _, staged := range batch {
				if err := txn.Delete(stagedKey(staged.ResultID)); err != nil {
					return err
				}
				if staged.State == domain.StagedEnriched {
					continue
				}
				var snaps [][]byte
				if err := scanPrefix(txn, snapshotPrefix(staged.ResultID), false, func(key, _ []byte) (bool, error) {
					snaps = append(snaps, key)
					return true, nil
				}); err != nil {
					return err
				}
				for _, key := range snaps {
					if err := txn.Delete(key); err != nil {
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
	return total, nil
}
