package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"horse.fit/trawl/internal/domain"
)

const stagedColumns = `
	result_id,
	raw_url,
	normalized_url,
	source_type,
	competitor_id,
	platform_id,
	priority,
	discovered_at,
	state,
	snapshot_count,
	last_error,
	created_at,
	updated_at`

const finalColumns = `
	result_id,
	normalized_url,
	competitor_id,
	platform_id,
	source_type,
	title,
	author,
	published_at,
	language,
	hashtags,
	mentions,
	views,
	likes,
	shares,
	comments,
	engagement_rate,
	viral_score,
	importance_score,
	media_urls,
	snapshot_count,
	canonical_url,
	cluster_member,
	similarity,
	first_captured_at,
	last_captured_at`

func scanStaged(row interface{ Scan(...any) error }) (domain.StagedResult, error) {
	var (
		staged     domain.StagedResult
		sourceType string
		state      string
		lastError  *string
	)
	err := row.Scan(
		&staged.ResultID,
		&staged.Candidate.RawURL,
		&staged.Candidate.NormalizedURL,
		&sourceType,
		&staged.Candidate.CompetitorID,
		&staged.Candidate.PlatformID,
		&staged.Candidate.Priority,
		&staged.Candidate.DiscoveredAt,
		&state,
		&staged.SnapshotCount,
		&lastError,
		&staged.CreatedAt,
		&staged.UpdatedAt,
	)
	if err != nil {
		return domain.StagedResult{}, err
	}
	staged.Candidate.SourceType = domain.SourceType(sourceType)
	staged.Candidate.DiscoveredAt = staged.Candidate.DiscoveredAt.UTC()
	staged.State = domain.StagedState(state)
	staged.LastError = derefString(lastError)
	staged.CreatedAt = staged.CreatedAt.UTC()
	staged.UpdatedAt = staged.UpdatedAt.UTC()
	return staged, nil
}

func scanFinal(row interface{ Scan(...any) error }) (domain.FinalResult, error) {
	var (
		fr                 domain.FinalResult
		sourceType         string
		author, language   *string
		hashtags, mentions []byte
		mediaURLs          []byte
	)
	err := row.Scan(
		&fr.ResultID,
		&fr.NormalizedURL,
		&fr.CompetitorID,
		&fr.PlatformID,
		&sourceType,
		&fr.Title,
		&author,
		&fr.PublishedAt,
		&language,
		&hashtags,
		&mentions,
		&fr.Metrics.Views,
		&fr.Metrics.Likes,
		&fr.Metrics.Shares,
		&fr.Metrics.Comments,
		&fr.EngagementRate,
		&fr.ViralScore,
		&fr.ImportanceScore,
		&mediaURLs,
		&fr.SnapshotCount,
		&fr.CanonicalURL,
		&fr.ClusterMember,
		&fr.Similarity,
		&fr.FirstCapturedAt,
		&fr.LastCapturedAt,
	)
	if err != nil {
		return domain.FinalResult{}, err
	}
	fr.SourceType = domain.SourceType(sourceType)
	fr.Author = derefString(author)
	fr.Language = derefString(language)
	fr.PublishedAt = utcPtr(fr.PublishedAt)
	fr.FirstCapturedAt = fr.FirstCapturedAt.UTC()
	fr.LastCapturedAt = fr.LastCapturedAt.UTC()
	if err := decodeStrings(hashtags, &fr.Hashtags); err != nil {
		return domain.FinalResult{}, fmt.Errorf("decode hashtags of %s: %w", fr.ResultID, err)
	}
	if err := decodeStrings(mentions, &fr.Mentions); err != nil {
		return domain.FinalResult{}, fmt.Errorf("decode mentions of %s: %w", fr.ResultID, err)
	}
	if err := decodeStrings(mediaURLs, &fr.MediaURLs); err != nil {
		return domain.FinalResult{}, fmt.Errorf("decode media urls of %s: %w", fr.ResultID, err)
	}
	return fr, nil
}

func decodeStrings(raw []byte, dest *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return err
	}
	if len(values) > 0 {
		*dest = values
	}
	return nil
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func insertStagedTx(ctx context.Context, tx Tx, staged domain.StagedResult) error {
	if strings.TrimSpace(staged.ResultID) == "" {
		return fmt.Errorf("staged result id is required")
	}
	const q = `
INSERT INTO trawl.staged_results (
	result_id,
	raw_url,
	normalized_url,
	source_type,
	competitor_id,
	platform_id,
	priority,
	discovered_at,
	state,
	snapshot_count,
	last_error,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`
	c := staged.Candidate
	_, err := tx.Exec(ctx, q,
		staged.ResultID,
		c.RawURL,
		c.NormalizedURL,
		string(c.SourceType),
		c.CompetitorID,
		c.PlatformID,
		c.Priority,
		c.DiscoveredAt.UTC(),
		string(staged.State),
		staged.SnapshotCount,
		nullableString(staged.LastError),
		staged.CreatedAt.UTC(),
		staged.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert staged result %s: %w", staged.ResultID, err)
	}
	return nil
}

func (p *Pool) GetStaged(ctx context.Context, resultID string) (domain.StagedResult, error) {
	staged, err := scanStaged(p.QueryRow(ctx, `SELECT `+stagedColumns+` FROM trawl.staged_results WHERE result_id = $1`, resultID))
	if IsNoRows(err) {
		return domain.StagedResult{}, fmt.Errorf("staged result %s: %w", resultID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StagedResult{}, classify(fmt.Errorf("get staged result %s: %w", resultID, err))
	}
	return staged, nil
}

func (p *Pool) SetStagedState(ctx context.Context, resultID string, state domain.StagedState, lastError string) error {
	const q = `
UPDATE trawl.staged_results
SET state = $2,
	last_error = $3,
	updated_at = $4
WHERE result_id = $1
`
	tag, err := p.Exec(ctx, q, resultID, string(state), nullableString(lastError), p.now())
	if err != nil {
		return classify(fmt.Errorf("set staged result %s to %s: %w", resultID, state, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("staged result %s: %w", resultID, domain.ErrNotFound)
	}
	return nil
}

// AppendSnapshot assigns the next sequence number for the result and bumps
// its snapshot count.
func (p *Pool) AppendSnapshot(ctx context.Context, snap domain.EngagementSnapshot) (domain.EngagementSnapshot, error) {
	err := p.inTx(ctx, func(tx Tx) error {
		const bump = `
UPDATE trawl.staged_results
SET snapshot_count = snapshot_count + 1,
	updated_at = $2
WHERE result_id = $1
RETURNING snapshot_count
`
		now := p.now()
		if err := tx.QueryRow(ctx, bump, snap.ResultID, now).Scan(&snap.Seq); err != nil {
			if IsNoRows(err) {
				return fmt.Errorf("staged result %s: %w", snap.ResultID, domain.ErrNotFound)
			}
			return fmt.Errorf("bump snapshot count of %s: %w", snap.ResultID, err)
		}
		if snap.CapturedAt.IsZero() {
			snap.CapturedAt = now
		}

		const insert = `
INSERT INTO trawl.engagement_snapshots (result_id, seq, captured_at, views, likes, shares, comments)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
		m := snap.Metrics
		if _, err := tx.Exec(ctx, insert, snap.ResultID, snap.Seq, snap.CapturedAt.UTC(), m.Views, m.Likes, m.Shares, m.Comments); err != nil {
			return fmt.Errorf("insert snapshot %s/%d: %w", snap.ResultID, snap.Seq, err)
		}
		return nil
	})
	if err != nil {
		return domain.EngagementSnapshot{}, err
	}
	return snap, nil
}

func (p *Pool) ListSnapshots(ctx context.Context, resultID string) ([]domain.EngagementSnapshot, error) {
	const q = `
SELECT result_id, seq, captured_at, views, likes, shares, comments
FROM trawl.engagement_snapshots
WHERE result_id = $1
ORDER BY seq
`
	rows, err := p.Query(ctx, q, resultID)
	if err != nil {
		return nil, classify(fmt.Errorf("list snapshots of %s: %w", resultID, err))
	}
	defer rows.Close()

	var snaps []domain.EngagementSnapshot
	for rows.Next() {
		var s domain.EngagementSnapshot
		if err := rows.Scan(&s.ResultID, &s.Seq, &s.CapturedAt, &s.Metrics.Views, &s.Metrics.Likes, &s.Metrics.Shares, &s.Metrics.Comments); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		s.CapturedAt = s.CapturedAt.UTC()
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate snapshots of %s: %w", resultID, err))
	}
	return snaps, nil
}

func (p *Pool) GetFinalResult(ctx context.Context, resultID string) (domain.FinalResult, error) {
	fr, err := scanFinal(p.QueryRow(ctx, `SELECT `+finalColumns+` FROM trawl.final_results WHERE result_id = $1`, resultID))
	if IsNoRows(err) {
		return domain.FinalResult{}, fmt.Errorf("final result %s: %w", resultID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.FinalResult{}, classify(fmt.Errorf("get final result %s: %w", resultID, err))
	}
	return fr, nil
}

// UpsertFinalResult writes fr. The dedup key row is locked before the result
// row so cluster linkage always reflects a concurrent re-parent. Updates keep
// the first capture time and the recorded similarity.
func (p *Pool) UpsertFinalResult(ctx context.Context, fr domain.FinalResult) (domain.FinalResult, error) {
	var out domain.FinalResult
	err := p.inTx(ctx, func(tx Tx) error {
		next := fr

		var (
			keyState     string
			keyCanonical *string
		)
		err := tx.QueryRow(ctx,
			`SELECT content_state, canonical_url FROM trawl.dedup_keys WHERE normalized_url = $1 FOR SHARE`,
			fr.NormalizedURL,
		).Scan(&keyState, &keyCanonical)
		if err != nil && !IsNoRows(err) {
			return fmt.Errorf("lock dedup key %s: %w", fr.NormalizedURL, err)
		}

		existing, err := scanFinal(tx.QueryRow(ctx, `SELECT `+finalColumns+` FROM trawl.final_results WHERE result_id = $1 FOR UPDATE`, fr.ResultID))
		switch {
		case err == nil:
			next.FirstCapturedAt = existing.FirstCapturedAt
			next.Similarity = existing.Similarity
			next.CanonicalURL = existing.CanonicalURL
			next.ClusterMember = existing.ClusterMember
		case !IsNoRows(err):
			return fmt.Errorf("load final result %s: %w", fr.ResultID, err)
		}

		switch domain.ContentState(keyState) {
		case domain.ContentMember:
			next.CanonicalURL = derefString(keyCanonical)
			next.ClusterMember = true
		case domain.ContentCanonical:
			next.CanonicalURL = fr.NormalizedURL
			next.ClusterMember = false
		}
		if next.CanonicalURL == "" {
			next.CanonicalURL = next.NormalizedURL
		}
		if next.FirstCapturedAt.IsZero() {
			next.FirstCapturedAt = next.LastCapturedAt
		}

		q := `
INSERT INTO trawl.final_results (` + finalColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12, $13, $14, $15, $16, $17, $18, $19::jsonb, $20, $21, $22, $23, $24, $25)
ON CONFLICT (result_id) DO UPDATE
SET title = EXCLUDED.title,
	author = EXCLUDED.author,
	published_at = EXCLUDED.published_at,
	language = EXCLUDED.language,
	hashtags = EXCLUDED.hashtags,
	mentions = EXCLUDED.mentions,
	views = EXCLUDED.views,
	likes = EXCLUDED.likes,
	shares = EXCLUDED.shares,
	comments = EXCLUDED.comments,
	engagement_rate = EXCLUDED.engagement_rate,
	viral_score = EXCLUDED.viral_score,
	importance_score = EXCLUDED.importance_score,
	media_urls = EXCLUDED.media_urls,
	snapshot_count = EXCLUDED.snapshot_count,
	canonical_url = EXCLUDED.canonical_url,
	cluster_member = EXCLUDED.cluster_member,
	similarity = EXCLUDED.similarity,
	first_captured_at = EXCLUDED.first_captured_at,
	last_captured_at = EXCLUDED.last_captured_at
RETURNING ` + finalColumns
		m := next.Metrics
		out, err = scanFinal(tx.QueryRow(ctx, q,
			next.ResultID,
			next.NormalizedURL,
			next.CompetitorID,
			next.PlatformID,
			string(next.SourceType),
			next.Title,
			nullableString(next.Author),
			utcPtr(next.PublishedAt),
			nullableString(next.Language),
			encodeStrings(next.Hashtags),
			encodeStrings(next.Mentions),
			m.Views,
			m.Likes,
			m.Shares,
			m.Comments,
			next.EngagementRate,
			next.ViralScore,
			next.ImportanceScore,
			encodeStrings(next.MediaURLs),
			next.SnapshotCount,
			next.CanonicalURL,
			next.ClusterMember,
			next.Similarity,
			next.FirstCapturedAt.UTC(),
			next.LastCapturedAt.UTC(),
		))
		if err != nil {
			return fmt.Errorf("upsert final result %s: %w", fr.ResultID, err)
		}
		return nil
	})
	if err != nil {
		return domain.FinalResult{}, err
	}
	return out, nil
}

func (p *Pool) ListFinalResults(ctx context.Context, filter domain.ResultFilter) ([]domain.FinalResult, error) {
	query, args, err := finalListQuery(filter).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build result query: %w", err)
	}
	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list final results: %w", err))
	}
	defer rows.Close()

	results := make([]domain.FinalResult, 0)
	for rows.Next() {
		fr, err := scanFinal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan final result: %w", err)
		}
		results = append(results, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate final results: %w", err))
	}
	return results, nil
}

// finalListQuery mirrors the listing rules of the embedded store: cluster
// members are hidden unless asked for or a cluster is selected.
func finalListQuery(filter domain.ResultFilter) sq.SelectBuilder {
	b := psql.Select(finalColumns).From("trawl.final_results")
	if filter.CompetitorID != 0 {
		b = b.Where(sq.Eq{"competitor_id": filter.CompetitorID})
	}
	if filter.PlatformID != 0 {
		b = b.Where(sq.Eq{"platform_id": filter.PlatformID})
	}
	if canonical := strings.TrimSpace(filter.CanonicalURL); canonical != "" {
		b = b.Where(sq.Eq{"canonical_url": canonical})
	} else if !filter.IncludeMembers {
		b = b.Where(sq.Eq{"cluster_member": false})
	}
	if filter.Since != nil {
		b = b.Where(sq.GtOrEq{"last_captured_at": filter.Since.UTC()})
	}
	if filter.Until != nil {
		b = b.Where(sq.LtOrEq{"last_captured_at": filter.Until.UTC()})
	}
	b = b.OrderBy("last_captured_at DESC", "result_id")
	if filter.Limit > 0 {
		b = b.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		b = b.Offset(uint64(filter.Offset))
	}
	return b
}

// PurgeArchived deletes archived staged results last updated before cutoff.
// Snapshots of results that never produced a final result go with them.
func (p *Pool) PurgeArchived(ctx context.Context, before time.Time) (int, error) {
	var purged int
	err := p.inTx(ctx, func(tx Tx) error {
		const snaps = `
DELETE FROM trawl.engagement_snapshots s
USING trawl.staged_results r
WHERE s.result_id = r.result_id
  AND r.state IN ('gone', 'failed', 'rejected')
  AND r.updated_at < $1
`
		if _, err := tx.Exec(ctx, snaps, before.UTC()); err != nil {
			return fmt.Errorf("purge snapshots: %w", err)
		}

		const staged = `
DELETE FROM trawl.staged_results
WHERE state IN ('enriched', 'gone', 'failed', 'rejected')
  AND updated_at < $1
`
		tag, err := tx.Exec(ctx, staged, before.UTC())
		if err != nil {
			return fmt.Errorf("purge staged results: %w", err)
		}
		purged = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}
