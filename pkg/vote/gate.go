// Package vote implements the admission gate: the per-request state machine
// that decides whether a vote is accepted, a duplicate, or rejected, and
// drives the tally store commit. Steps before the commit hold no cross-request
// lock; the storage uniqueness constraints are the only serialization point.
package vote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/votewave/votewave/pkg/db/models"
	"github.com/votewave/votewave/pkg/identity"
	"github.com/votewave/votewave/pkg/insights"
	"go.uber.org/zap"
)

// Store is the tally store surface the gate needs. Implemented by
// pkg/db/postgres/poll.
type Store interface {
	GetPoll(ctx context.Context, id string) (*models.Poll, error)
	FindVote(ctx context.Context, pollID, tokenHash, deviceHash string) (*models.Vote, error)
	FindVoteByKey(ctx context.Context, pollID, idempotencyKey string) (*models.Vote, error)
	CommitVote(ctx context.Context, v *models.Vote) error
	TallySnapshot(ctx context.Context, pollID string) (*models.TallySnapshot, error)
}

// Limiter is the slice of the abuse guard consulted inside admission: the
// per-poll IP velocity budget, consumed only by accepted votes.
type Limiter interface {
	VoteVelocityExceeded(ctx context.Context, ip, pollID string) bool
	RecordAcceptedVote(ctx context.Context, ip, pollID string)
}

// Publisher receives the post-commit tally. Publishing is best-effort and
// must never fail or block the commit path.
type Publisher interface {
	PublishTally(snap *models.TallySnapshot)
}

// Request is one vote attempt after abuse screening and identity resolution.
type Request struct {
	PollID         string
	OptionID       string
	IdempotencyKey string
	Identity       identity.Identity
	IP             string
	// Token is the raw (possibly freshly minted) vote token behind
	// Identity.TokenHash; echoed back so the caller can set the cookie on
	// success.
	Token string
}

// Gate evaluates vote requests.
type Gate struct {
	store     Store
	limiter   Limiter
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

func NewGate(store Store, limiter Limiter, publisher Publisher, logger *zap.Logger) *Gate {
	return &Gate{
		store:     store,
		limiter:   limiter,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Cast runs the admission state machine. It returns a Result for terminal
// vote outcomes (accepted or duplicate) and an error for rejections.
func (g *Gate) Cast(ctx context.Context, req Request) (*Result, error) {
	if req.OptionID == "" {
		return nil, fmt.Errorf("%w: optionId is required", ErrValidation)
	}

	p, err := g.store.GetPoll(ctx, req.PollID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrPollNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if p.Expired(g.now()) {
		return nil, ErrExpired
	}

	opt := p.Option(req.OptionID)
	if opt == nil {
		return nil, fmt.Errorf("%w: invalid option", ErrValidation)
	}

	// Idempotency ledger: a retry of an already committed logical request
	// replays the original outcome without re-evaluating business rules.
	if prior, err := g.store.FindVoteByKey(ctx, req.PollID, req.IdempotencyKey); err == nil {
		return g.replay(ctx, p, prior, req.Token), nil
	} else if !errors.Is(err, models.ErrNotFound) {
		// Ledger unavailable: fall through, the commit-time uniqueness
		// constraint still collapses the retry.
		g.logger.Warn("idempotency lookup failed", zap.Error(err))
	}

	// Fast-path duplicate pre-check. Purely an optimization to skip the
	// transaction under load; the constraints below remain authoritative.
	if prior, err := g.store.FindVote(ctx, req.PollID, req.Identity.TokenHash, req.Identity.DeviceHash); err == nil {
		return g.duplicate(p, prior, req.Identity), nil
	} else if !errors.Is(err, models.ErrNotFound) {
		g.logger.Warn("duplicate pre-check failed", zap.Error(err))
	}

	// Shared-NAT budget: distinct devices behind one IP get a bounded number
	// of accepted votes per poll. No prior choice exists to disclose.
	if g.limiter != nil && g.limiter.VoteVelocityExceeded(ctx, req.IP, req.PollID) {
		return &Result{Duplicate: true, Reason: ReasonIPLimit}, nil
	}

	v := &models.Vote{
		ID:             uuid.NewString(),
		PollID:         req.PollID,
		OptionID:       req.OptionID,
		TokenHash:      req.Identity.TokenHash,
		DeviceHash:     req.Identity.DeviceHash,
		IPHash:         req.Identity.IPHash,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      g.now().UTC(),
	}

	switch err := g.store.CommitVote(ctx, v); {
	case err == nil:
		// committed
	case errors.Is(err, models.ErrVoteConflict):
		// A concurrent request won the race. Re-query the winning row; the
		// storage constraint is the authoritative tie-break.
		return g.resolveConflict(ctx, p, req)
	default:
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if g.limiter != nil {
		g.limiter.RecordAcceptedVote(ctx, req.IP, req.PollID)
	}

	snap := g.snapshot(ctx, req.PollID)
	if g.publisher != nil && snap != nil {
		g.publisher.PublishTally(snap)
	}

	return &Result{
		Accepted:   true,
		YourChoice: &models.Choice{ID: opt.ID, Text: opt.Text},
		Snapshot:   snap,
		Token:      req.Token,
	}, nil
}

// Status answers vote-status lookups with no side effects.
func (g *Gate) Status(ctx context.Context, pollID string, id identity.Identity) (*models.Choice, error) {
	p, err := g.store.GetPoll(ctx, pollID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, ErrPollNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	prior, err := g.store.FindVote(ctx, pollID, id.TokenHash, id.DeviceHash)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return choiceOf(p, prior), nil
}

// resolveConflict maps a storage-level uniqueness violation back to a voter
// outcome. When the winning row carries our idempotency key the conflict was
// a concurrent retry of this same logical request and replays as accepted;
// otherwise it is a duplicate by cookie or device.
func (g *Gate) resolveConflict(ctx context.Context, p *models.Poll, req Request) (*Result, error) {
	if winner, err := g.store.FindVoteByKey(ctx, req.PollID, req.IdempotencyKey); err == nil {
		return g.replay(ctx, p, winner, req.Token), nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	winner, err := g.store.FindVote(ctx, req.PollID, req.Identity.TokenHash, req.Identity.DeviceHash)
	if errors.Is(err, models.ErrNotFound) {
		// The conflicting row is gone or invisible; treat as a retryable
		// internal error rather than inventing an outcome.
		return nil, fmt.Errorf("%w: conflicting vote not found on re-query", ErrInternal)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return g.duplicate(p, winner, req.Identity), nil
}

// replay reconstructs the accepted response of a previously committed vote.
// The tally is re-read, not advanced.
func (g *Gate) replay(ctx context.Context, p *models.Poll, prior *models.Vote, token string) *Result {
	return &Result{
		Accepted:   true,
		YourChoice: choiceOf(p, prior),
		Snapshot:   g.snapshot(ctx, p.ID),
		Token:      token,
	}
}

func (g *Gate) duplicate(p *models.Poll, prior *models.Vote, id identity.Identity) *Result {
	reason := ReasonDevice
	if prior.TokenHash == id.TokenHash {
		reason = ReasonCookie
	}
	return &Result{
		Duplicate:  true,
		Reason:     reason,
		YourChoice: choiceOf(p, prior),
	}
}

// snapshot reads the post-commit tally. A read failure here never rolls back
// the vote; the response simply omits the aggregate.
func (g *Gate) snapshot(ctx context.Context, pollID string) *models.TallySnapshot {
	snap, err := g.store.TallySnapshot(ctx, pollID)
	if err != nil {
		g.logger.Warn("failed to read tally snapshot after commit",
			zap.String("poll_id", pollID), zap.Error(err))
		return nil
	}
	snap.Insight = insights.Primary(snap.Options, snap.VotesCount)
	return snap
}

func choiceOf(p *models.Poll, v *models.Vote) *models.Choice {
	if opt := p.Option(v.OptionID); opt != nil {
		return &models.Choice{ID: opt.ID, Text: opt.Text}
	}
	return &models.Choice{ID: v.OptionID}
}
