package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/trawl/internal/domain"
)

// contentLockKey serializes content admission across processes so two
// near-duplicates never both become canonical.
const contentLockKey int64 = 0x7472_6177_6c00

const dedupKeyColumns = `
	normalized_url,
	competitor_id,
	platform_id,
	first_seen_at,
	occurrence_count,
	content_state,
	canonical_url,
	fingerprint,
	content_at,
	reject_reason`

func scanDedupKey(row interface{ Scan(...any) error }, extra ...any) (domain.DedupKey, error) {
	var (
		key          domain.DedupKey
		state        string
		canonical    *string
		fingerprint  []byte
		contentAt    *time.Time
		rejectReason *string
	)
	dest := append([]any{
		&key.NormalizedURL,
		&key.CompetitorID,
		&key.PlatformID,
		&key.FirstSeenAt,
		&key.OccurrenceCount,
		&state,
		&canonical,
		&fingerprint,
		&contentAt,
		&rejectReason,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.DedupKey{}, err
	}

	key.FirstSeenAt = key.FirstSeenAt.UTC()
	key.ContentState = domain.ContentState(state)
	key.CanonicalURL = derefString(canonical)
	key.RejectReason = derefString(rejectReason)
	key.ContentAt = utcPtr(contentAt)
	if len(fingerprint) > 0 {
		var fp domain.Fingerprint
		if err := json.Unmarshal(fingerprint, &fp); err != nil {
			return domain.DedupKey{}, fmt.Errorf("decode fingerprint of %s: %w", key.NormalizedURL, err)
		}
		key.Fingerprint = &fp
	}
	return key, nil
}

// ClaimURL inserts the key or bumps the occurrence count of the existing one
// in a single statement. The staged result and its engagement job are
// written in the same transaction as a fresh key.
func (p *Pool) ClaimURL(ctx context.Context, key domain.DedupKey, staging *domain.Staging) (domain.DedupKey, bool, error) {
	if key.OccurrenceCount <= 0 {
		key.OccurrenceCount = 1
	}
	if key.ContentState == "" {
		key.ContentState = domain.ContentNone
	}

	var (
		result   domain.DedupKey
		inserted bool
	)
	err := p.inTx(ctx, func(tx Tx) error {
		const q = `
INSERT INTO trawl.dedup_keys (
	normalized_url,
	competitor_id,
	platform_id,
	first_seen_at,
	occurrence_count,
	content_state
)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (normalized_url) DO UPDATE
SET occurrence_count = trawl.dedup_keys.occurrence_count + 1
RETURNING ` + dedupKeyColumns + `, (xmax = 0) AS inserted
`
		var err error
		result, err = scanDedupKey(tx.QueryRow(ctx, q,
			key.NormalizedURL,
			key.CompetitorID,
			key.PlatformID,
			key.FirstSeenAt.UTC(),
			key.OccurrenceCount,
			string(key.ContentState),
		), &inserted)
		if err != nil {
			return fmt.Errorf("claim dedup key %s: %w", key.NormalizedURL, err)
		}
		if !inserted || staging == nil {
			return nil
		}

		if err := insertStagedTx(ctx, tx, staging.Result); err != nil {
			return err
		}
		if _, _, err := insertJobTx(ctx, tx, staging.Job); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return domain.DedupKey{}, false, err
	}
	return result, inserted, nil
}

func (p *Pool) GetKey(ctx context.Context, normalizedURL string) (domain.DedupKey, bool, error) {
	q := `SELECT ` + dedupKeyColumns + ` FROM trawl.dedup_keys WHERE normalized_url = $1`
	key, err := scanDedupKey(p.QueryRow(ctx, q, normalizedURL))
	if IsNoRows(err) {
		return domain.DedupKey{}, false, nil
	}
	if err != nil {
		return domain.DedupKey{}, false, classify(fmt.Errorf("get dedup key %s: %w", normalizedURL, err))
	}
	return key, true, nil
}

// AdmitContent runs content dedup for one key under a transaction-scoped
// advisory lock, so the candidate scan and the decision it produces are
// never interleaved with another admission.
func (p *Pool) AdmitContent(ctx context.Context, normalizedURL string, fp domain.Fingerprint, since time.Time, decide domain.ContentDecider) (domain.ContentDecision, error) {
	var decision domain.ContentDecision
	err := p.inTx(ctx, func(tx Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, contentLockKey); err != nil {
			return fmt.Errorf("acquire content lock: %w", err)
		}

		q := `SELECT ` + dedupKeyColumns + ` FROM trawl.dedup_keys WHERE normalized_url = $1 FOR UPDATE`
		self, err := scanDedupKey(tx.QueryRow(ctx, q, normalizedURL))
		if IsNoRows(err) {
			return fmt.Errorf("dedup key %s: %w", normalizedURL, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load dedup key %s: %w", normalizedURL, err)
		}
		if self.HasContent() {
			decision = self.StoredDecision()
			return nil
		}

		candidates, err := liveCanonicalKeysTx(ctx, tx, normalizedURL, since)
		if err != nil {
			return err
		}

		now := p.now()
		fpCopy := fp
		self.Fingerprint = &fpCopy
		self.ContentAt = &now

		decision = decide(self, candidates)
		return applyDecisionTx(ctx, tx, self, decision)
	})
	if err != nil {
		return domain.ContentDecision{}, err
	}
	return decision, nil
}

func liveCanonicalKeysTx(ctx context.Context, tx Tx, exclude string, since time.Time) ([]domain.DedupKey, error) {
	q := `
SELECT ` + dedupKeyColumns + `
FROM trawl.dedup_keys
WHERE content_state = 'canonical'
  AND normalized_url <> $1
  AND (content_at IS NULL OR content_at >= $2)
ORDER BY content_at, normalized_url
`
	rows, err := tx.Query(ctx, q, exclude, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query canonical keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.DedupKey
	for rows.Next() {
		key, err := scanDedupKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan canonical key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canonical keys: %w", err)
	}
	return keys, nil
}

func applyDecisionTx(ctx context.Context, tx Tx, self domain.DedupKey, decision domain.ContentDecision) error {
	fingerprint, err := json.Marshal(self.Fingerprint)
	if err != nil {
		return fmt.Errorf("encode fingerprint: %w", err)
	}

	var (
		state     domain.ContentState
		canonical *string
		reason    *string
	)
	switch decision.Outcome {
	case domain.ContentRejectedOutcome:
		state = domain.ContentRejected
		reason = nullableString(decision.Reason)
	case domain.ContentMerged:
		state = domain.ContentMember
		canonical = nullableString(decision.CanonicalURL)
	default:
		state = domain.ContentCanonical
	}

	const q = `
UPDATE trawl.dedup_keys
SET content_state = $2,
	canonical_url = $3,
	reject_reason = $4,
	fingerprint = $5::jsonb,
	content_at = $6
WHERE normalized_url = $1
`
	if _, err := tx.Exec(ctx, q, self.NormalizedURL, string(state), canonical, reason, string(fingerprint), self.ContentAt.UTC()); err != nil {
		return fmt.Errorf("apply %s decision to %s: %w", decision.Outcome, self.NormalizedURL, err)
	}

	for _, from := range decision.Reparent {
		if from == "" || from == decision.CanonicalURL {
			continue
		}
		if err := reparentTx(ctx, tx, from, decision.CanonicalURL); err != nil {
			return err
		}
	}
	return nil
}

// reparentTx folds the cluster rooted at from into the cluster rooted at to,
// including the final results that point at it.
func reparentTx(ctx context.Context, tx Tx, from, to string) error {
	const keys = `
UPDATE trawl.dedup_keys
SET content_state = 'member',
	canonical_url = $2
WHERE normalized_url = $1
   OR (content_state = 'member' AND canonical_url = $1)
`
	if _, err := tx.Exec(ctx, keys, from, to); err != nil {
		return fmt.Errorf("reparent keys %s -> %s: %w", from, to, err)
	}

	const results = `
UPDATE trawl.final_results
SET canonical_url = $2,
	cluster_member = (normalized_url <> $2)
WHERE canonical_url = $1
`
	if _, err := tx.Exec(ctx, results, from, to); err != nil {
		return fmt.Errorf("reparent results %s -> %s: %w", from, to, err)
	}
	return nil
}

func (p *Pool) DedupStats(ctx context.Context) (domain.DedupStats, error) {
	const q = `
SELECT
	COUNT(*),
	COALESCE(SUM(occurrence_count), 0),
	COALESCE(SUM(GREATEST(occurrence_count - 1, 0)), 0),
	COUNT(*) FILTER (WHERE content_state = 'canonical'),
	COUNT(*) FILTER (WHERE content_state = 'member'),
	COUNT(*) FILTER (WHERE content_state = 'rejected'),
	COUNT(*) FILTER (WHERE content_state = 'none')
FROM trawl.dedup_keys
`
	var stats domain.DedupStats
	err := p.QueryRow(ctx, q).Scan(
		&stats.Keys,
		&stats.Occurrences,
		&stats.DuplicateHits,
		&stats.Canonical,
		&stats.ClusterMembers,
		&stats.Rejected,
		&stats.AwaitingContent,
	)
	if err != nil {
		return domain.DedupStats{}, classify(fmt.Errorf("query dedup stats: %w", err))
	}
	return stats, nil
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
