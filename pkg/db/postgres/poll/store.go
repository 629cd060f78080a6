// Package poll implements the durable store for polls, options and votes.
// It is the exclusive writer of Vote rows and of the denormalized counters,
// and the storage-level uniqueness constraints here are the single source of
// truth for duplicate detection.
package poll

import (
	"context"
	"fmt"

	"github.com/votewave/votewave/pkg/db/postgres"
	"go.uber.org/zap"
)

// Store wraps the postgres client with the polling schema.
type Store struct {
	postgres.Client
}

// New connects and ensures the schema exists.
func New(ctx context.Context, logger *zap.Logger) (*Store, error) {
	client, err := postgres.New(ctx, logger.With(zap.String("component", "poll-store")))
	if err != nil {
		return nil, err
	}

	s := &Store{Client: client}
	if err := s.InitializeDB(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// InitializeDB ensures the required tables exist. The three unique indexes on
// votes enforce the at-most-one-vote invariants; the counter columns are only
// ever advanced inside CommitVote's transaction.
func (s *Store) InitializeDB(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS polls (
			id TEXT PRIMARY KEY,
			question TEXT NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			hide_results_until_voted BOOLEAN NOT NULL DEFAULT false,
			votes_count BIGINT NOT NULL DEFAULT 0,
			creator_secret_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS options (
			id TEXT PRIMARY KEY,
			poll_id TEXT NOT NULL REFERENCES polls(id) ON DELETE CASCADE,
			text TEXT NOT NULL,
			ord INTEGER NOT NULL DEFAULT 0,
			votes_count BIGINT NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_options_poll ON options(poll_id, ord);

		CREATE TABLE IF NOT EXISTS votes (
			id TEXT PRIMARY KEY,
			poll_id TEXT NOT NULL REFERENCES polls(id) ON DELETE CASCADE,
			option_id TEXT NOT NULL REFERENCES options(id) ON DELETE CASCADE,
			token_hash TEXT NOT NULL,
			device_hash TEXT NOT NULL,
			ip_hash TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS uniq_votes_poll_token ON votes(poll_id, token_hash);
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_votes_poll_device ON votes(poll_id, device_hash);
		CREATE UNIQUE INDEX IF NOT EXISTS uniq_votes_poll_idem ON votes(poll_id, idempotency_key);
		CREATE INDEX IF NOT EXISTS idx_votes_poll_created ON votes(poll_id, created_at);
	`

	if err := s.Exec(ctx, query); err != nil {
		return fmt.Errorf("init polling schema: %w", err)
	}

	s.Logger.Info("Polling schema initialized")
	return nil
}
