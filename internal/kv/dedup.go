package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"horse.fit/trawl/internal/domain"
)

const (
	prefixDedupKey       = "dk:"
	prefixCanonicalIndex = "dkcanon:"
	prefixMemberIndex    = "dkmember:"
	prefixStaged         = "sr:"
	prefixSnapshot       = "snap:"
	prefixFinal          = "fr:"
	prefixFinalCanonical = "frcanon:"
)

func dedupKey(url string) []byte          { return []byte(prefixDedupKey + url) }
func canonicalIndexKey(url string) []byte { return []byte(prefixCanonicalIndex + url) }
func memberIndexKey(canonical, url string) []byte {
	return []byte(prefixMemberIndex + canonical + "\x00" + url)
}
func memberIndexPrefix(canonical string) []byte { return []byte(prefixMemberIndex + canonical + "\x00") }
func stagedKey(id string) []byte                { return []byte(prefixStaged + id) }
func finalKey(id string) []byte                 { return []byte(prefixFinal + id) }
func finalCanonicalKey(canonical, id string) []byte {
	return []byte(prefixFinalCanonical + canonical + "\x00" + id)
}
func finalCanonicalPrefix(canonical string) []byte {
	return []byte(prefixFinalCanonical + canonical + "\x00")
}

func (s *Store) ClaimURL(ctx context.Context, key domain.DedupKey, staging *domain.Staging) (domain.DedupKey, bool, error) {
	var (
		result   domain.DedupKey
		inserted bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		inserted = false
		var existing domain.DedupKey
		err := getJSON(txn, dedupKey(key.NormalizedURL), &existing)
		switch {
		case err == nil:
			existing.OccurrenceCount++
			result = existing
			return setJSON(txn, dedupKey(key.NormalizedURL), existing)
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		if key.OccurrenceCount <= 0 {
			key.OccurrenceCount = 1
		}
		if key.ContentState == "" {
			key.ContentState = domain.ContentNone
		}
		if err := setJSON(txn, dedupKey(key.NormalizedURL), key); err != nil {
			return err
		}
		if staging != nil {
			if err := putStaged(txn, staging.Result); err != nil {
				return err
			}
			if _, _, err := s.insertJobTx(txn, staging.Job); err != nil {
				return err
			}
		}
		result = key
		inserted = true
		return nil
	})
	if err != nil {
		return domain.DedupKey{}, false, err
	}
	return result, inserted, nil
}

func (s *Store) GetKey(ctx context.Context, normalizedURL string) (domain.DedupKey, bool, error) {
	var key domain.DedupKey
	err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, dedupKey(normalizedURL), &key)
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DedupKey{}, false, nil
	}
	if err != nil {
		return domain.DedupKey{}, false, err
	}
	return key, true, nil
}

func (s *Store) AdmitContent(ctx context.Context, normalizedURL string, fp domain.Fingerprint, since time.Time, decide domain.ContentDecider) (domain.ContentDecision, error) {
	var decision domain.ContentDecision
	err := s.update(ctx, func(txn *badger.Txn) error {
		var self domain.DedupKey
		if err := getJSON(txn, dedupKey(normalizedURL), &self); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("dedup key %s: %w", normalizedURL, domain.ErrNotFound)
			}
			return err
		}
		if self.HasContent() {
			decision = self.StoredDecision()
			return nil
		}

		var canonicalURLs []string
		err := scanPrefix(txn, []byte(prefixCanonicalIndex), false, func(key, _ []byte) (bool, error) {
			url := strings.TrimPrefix(string(key), prefixCanonicalIndex)
			if url != normalizedURL {
				canonicalURLs = append(canonicalURLs, url)
			}
			return true, nil
		})
		if err != nil {
			return err
		}

		candidates := make([]domain.DedupKey, 0, len(canonicalURLs))
		for _, url := range canonicalURLs {
			var candidate domain.DedupKey
			if err := getJSON(txn, dedupKey(url), &candidate); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return err
			}
			if candidate.ContentAt != nil && candidate.ContentAt.Before(since) {
				continue
			}
			candidates = append(candidates, candidate)
		}

		now := s.now()
		fpCopy := fp
		self.Fingerprint = &fpCopy
		self.ContentAt = &now

		decision = decide(self, candidates)
		return s.applyDecisionTx(txn, self, decision)
	})
	if err != nil {
		return domain.ContentDecision{}, err
	}
	return decision, nil
}

func (s *Store) applyDecisionTx(txn *badger.Txn, self domain.DedupKey, decision domain.ContentDecision) error {
	switch decision.Outcome {
	case domain.ContentRejectedOutcome:
		self.ContentState = domain.ContentRejected
		self.RejectReason = decision.Reason
		return setJSON(txn, dedupKey(self.NormalizedURL), self)
	case domain.ContentMerged:
		self.ContentState = domain.ContentMember
		self.CanonicalURL = decision.CanonicalURL
		if err := setJSON(txn, dedupKey(self.NormalizedURL), self); err != nil {
			return err
		}
		if err := txn.Set(memberIndexKey(decision.CanonicalURL, self.NormalizedURL), nil); err != nil {
			return err
		}
	default:
		self.ContentState = domain.ContentCanonical
		self.CanonicalURL = ""
		if err := setJSON(txn, dedupKey(self.NormalizedURL), self); err != nil {
			return err
		}
		if err := txn.Set(canonicalIndexKey(self.NormalizedURL), nil); err != nil {
			return err
		}
	}

	for _, from := range decision.Reparent {
		if from == "" || from == decision.CanonicalURL {
			continue
		}
		if err := s.reparentTx(txn, from, decision.CanonicalURL); err != nil {
			return err
		}
	}
	return nil
}

// reparentTx folds the cluster rooted at from into the cluster rooted at to.
func (s *Store) reparentTx(txn *badger.Txn, from, to string) error {
	var root domain.DedupKey
	if err := getJSON(txn, dedupKey(from), &root); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	var members []string
	err := scanPrefix(txn, memberIndexPrefix(from), false, func(key, _ []byte) (bool, error) {
		members = append(members, strings.TrimPrefix(string(key), string(memberIndexPrefix(from))))
		return true, nil
	})
	if err != nil {
		return err
	}
	members = append(members, from)

	for _, url := range members {
		var member domain.DedupKey
		if err := getJSON(txn, dedupKey(url), &member); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return err
		}
		member.ContentState = domain.ContentMember
		member.CanonicalURL = to
		if err := setJSON(txn, dedupKey(url), member); err != nil {
			return err
		}
		if err := txn.Delete(memberIndexKey(from, url)); err != nil {
			return err
		}
		if err := txn.Set(memberIndexKey(to, url), nil); err != nil {
			return err
		}
	}
	if err := txn.Delete(canonicalIndexKey(from)); err != nil {
		return err
	}

	var resultIDs []string
	err = scanPrefix(txn, finalCanonicalPrefix(from), false, func(key, _ []byte) (bool, error) {
		resultIDs = append(resultIDs, strings.TrimPrefix(string(key), string(finalCanonicalPrefix(from))))
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, id := range resultIDs {
		var fr domain.FinalResult
		if err := getJSON(txn, finalKey(id), &fr); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return err
		}
		fr.CanonicalURL = to
		fr.ClusterMember = fr.NormalizedURL != to
		if err := putFinalTx(txn, fr, from); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DedupStats(ctx context.Context) (domain.DedupStats, error) {
	var stats domain.DedupStats
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixDedupKey), true, func(_, val []byte) (bool, error) {
			var key domain.DedupKey
			if err := unmarshal(val, &key); err != nil {
				return false, err
			}
			stats.Keys++
			stats.Occurrences += key.OccurrenceCount
			stats.DuplicateHits += max(0, key.OccurrenceCount-1)
			switch key.ContentState {
			case domain.ContentCanonical:
				stats.Canonical++
			case domain.ContentMember:
				stats.ClusterMembers++
			case domain.ContentRejected:
				stats.Rejected++
			default:
				stats.AwaitingContent++
			}
			return true, nil
		})
	})
	return stats, err
}
