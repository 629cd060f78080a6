package poll

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/votewave/votewave/pkg/db/models"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint hit.
const uniqueViolation = "23505"

// CommitVote persists a vote and advances both counters as a single atomic
// unit. Exactly one of two concurrent commits for the same token, device or
// idempotency key can succeed; the loser observes models.ErrVoteConflict with
// no partial writes. This transaction is the load-bearing guarantee that
// Poll.votes_count always equals the committed vote rows and the sum of the
// option counters.
func (s *Store) CommitVote(ctx context.Context, v *models.Vote) error {
	err := s.BeginFunc(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO votes (id, poll_id, option_id, token_hash, device_hash, ip_hash, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			v.ID, v.PollID, v.OptionID, v.TokenHash, v.DeviceHash, v.IPHash, v.IdempotencyKey, v.CreatedAt)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE options SET votes_count = votes_count + 1
			WHERE id = $1 AND poll_id = $2`, v.OptionID, v.PollID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("option %s not found for poll %s", v.OptionID, v.PollID)
		}

		tag, err = tx.Exec(ctx, `
			UPDATE polls SET votes_count = votes_count + 1
			WHERE id = $1`, v.PollID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("poll %s not found", v.PollID)
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.ErrVoteConflict
		}
		return fmt.Errorf("commit vote: %w", err)
	}
	return nil
}

// FindVote is the fast-path duplicate pre-check: the earliest vote in this
// poll matching the token hash or the device hash. Its absence or staleness
// never admits a duplicate; the unique indexes close that race in CommitVote.
func (s *Store) FindVote(ctx context.Context, pollID, tokenHash, deviceHash string) (*models.Vote, error) {
	return s.findVote(ctx, `
		SELECT id, poll_id, option_id, token_hash, device_hash, ip_hash, idempotency_key, created_at
		FROM votes
		WHERE poll_id = $1 AND (token_hash = $2 OR device_hash = $3)
		ORDER BY created_at ASC
		LIMIT 1`, pollID, tokenHash, deviceHash)
}

// FindVoteByKey looks up the idempotency ledger.
func (s *Store) FindVoteByKey(ctx context.Context, pollID, idempotencyKey string) (*models.Vote, error) {
	return s.findVote(ctx, `
		SELECT id, poll_id, option_id, token_hash, device_hash, ip_hash, idempotency_key, created_at
		FROM votes
		WHERE poll_id = $1 AND idempotency_key = $2`, pollID, idempotencyKey)
}

func (s *Store) findVote(ctx context.Context, query string, args ...interface{}) (*models.Vote, error) {
	v := &models.Vote{}
	err := s.QueryRow(ctx, query, args...).
		Scan(&v.ID, &v.PollID, &v.OptionID, &v.TokenHash, &v.DeviceHash, &v.IPHash, &v.IdempotencyKey, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find vote: %w", err)
	}
	return v, nil
}

// VoteSamples returns the committed votes of a poll as hash-only samples for
// the anomaly detector and creator analytics, oldest first. Optionally
// bounded to votes at or after since (zero time means all).
func (s *Store) VoteSamples(ctx context.Context, pollID string) ([]models.VoteSample, error) {
	rows, err := s.Query(ctx, `
		SELECT option_id, device_hash, ip_hash, created_at
		FROM votes
		WHERE poll_id = $1
		ORDER BY created_at ASC`, pollID)
	if err != nil {
		return nil, fmt.Errorf("query vote samples: %w", err)
	}
	defer rows.Close()

	var samples []models.VoteSample
	for rows.Next() {
		var sm models.VoteSample
		if err := rows.Scan(&sm.OptionID, &sm.DeviceHash, &sm.IPHash, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote sample: %w", err)
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}
