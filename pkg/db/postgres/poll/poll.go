package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/votewave/votewave/pkg/db/models"
)

// CreatePoll inserts a poll together with its options. Poll CRUD proper
// lives outside the tally engine; the store still has to be able to
// provision polls for the engine to run against.
func (s *Store) CreatePoll(ctx context.Context, p *models.Poll) error {
	return s.BeginFunc(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO polls (id, question, expires_at, hide_results_until_voted, creator_secret_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, p.Question, p.ExpiresAt, p.HideResultsUntilVoted, p.CreatorSecretHash, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert poll: %w", err)
		}
		for _, opt := range p.Options {
			_, err := tx.Exec(ctx, `
				INSERT INTO options (id, poll_id, text, ord)
				VALUES ($1, $2, $3, $4)`,
				opt.ID, p.ID, opt.Text, opt.Order)
			if err != nil {
				return fmt.Errorf("insert option: %w", err)
			}
		}
		return nil
	})
}

// GetPoll loads a poll with its options ordered by display order.
func (s *Store) GetPoll(ctx context.Context, id string) (*models.Poll, error) {
	p := &models.Poll{}
	err := s.QueryRow(ctx, `
		SELECT id, question, expires_at, hide_results_until_voted, votes_count, creator_secret_hash, created_at
		FROM polls WHERE id = $1`, id).
		Scan(&p.ID, &p.Question, &p.ExpiresAt, &p.HideResultsUntilVoted, &p.VotesCount, &p.CreatorSecretHash, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get poll %s: %w", id, err)
	}

	rows, err := s.Query(ctx, `
		SELECT id, poll_id, text, ord, votes_count
		FROM options WHERE poll_id = $1 ORDER BY ord ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get options for poll %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var opt models.Option
		if err := rows.Scan(&opt.ID, &opt.PollID, &opt.Text, &opt.Order, &opt.VotesCount); err != nil {
			return nil, fmt.Errorf("scan option: %w", err)
		}
		p.Options = append(p.Options, opt)
	}
	return p, rows.Err()
}

// TallySnapshot builds the aggregate published to live viewers. Read from the
// counters, which the commit transaction keeps equal to the committed rows.
func (s *Store) TallySnapshot(ctx context.Context, pollID string) (*models.TallySnapshot, error) {
	p, err := s.GetPoll(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return SnapshotOf(p), nil
}

// SnapshotOf computes the tally view of an already loaded poll.
func SnapshotOf(p *models.Poll) *models.TallySnapshot {
	snap := &models.TallySnapshot{
		PollID:     p.ID,
		VotesCount: p.VotesCount,
		Options:    make([]models.OptionTally, 0, len(p.Options)),
		Timestamp:  time.Now().UTC(),
	}
	for _, opt := range p.Options {
		pct := 0.0
		if p.VotesCount > 0 {
			pct = float64(opt.VotesCount) / float64(p.VotesCount) * 100
		}
		snap.Options = append(snap.Options, models.OptionTally{
			ID:         opt.ID,
			Text:       opt.Text,
			VotesCount: opt.VotesCount,
			Percentage: pct,
		})
	}
	return snap
}

// ExpiringWithin returns polls that are still live but expire within d.
func (s *Store) ExpiringWithin(ctx context.Context, now time.Time, d time.Duration) ([]models.Poll, error) {
	rows, err := s.Query(ctx, `
		SELECT id, expires_at FROM polls
		WHERE expires_at >= $1 AND expires_at <= $2`, now, now.Add(d))
	if err != nil {
		return nil, fmt.Errorf("query expiring polls: %w", err)
	}
	defer rows.Close()
	return scanPollStubs(rows)
}

// ExpiredBetween returns polls whose expiry fell inside (from, to].
func (s *Store) ExpiredBetween(ctx context.Context, from, to time.Time) ([]models.Poll, error) {
	rows, err := s.Query(ctx, `
		SELECT id, expires_at FROM polls
		WHERE expires_at >= $1 AND expires_at < $2`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query expired polls: %w", err)
	}
	defer rows.Close()
	return scanPollStubs(rows)
}

// DeleteStaleExpired removes polls that expired and were created before the
// cutoff. Votes and options cascade with the poll. Returns the deleted ids so
// the caller can notify live viewers.
func (s *Store) DeleteStaleExpired(ctx context.Context, now, createdBefore time.Time) ([]string, error) {
	rows, err := s.Query(ctx, `
		DELETE FROM polls
		WHERE expires_at < $1 AND created_at < $2
		RETURNING id`, now, createdBefore)
	if err != nil {
		return nil, fmt.Errorf("delete stale polls: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted poll id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPollStubs(rows pgx.Rows) ([]models.Poll, error) {
	var polls []models.Poll
	for rows.Next() {
		var p models.Poll
		if err := rows.Scan(&p.ID, &p.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan poll stub: %w", err)
		}
		polls = append(polls, p)
	}
	return polls, rows.Err()
}
