package vote_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/votewave/votewave/pkg/db/models"
	"github.com/votewave/votewave/pkg/identity"
	"github.com/votewave/votewave/pkg/vote"
	"go.uber.org/zap/zaptest"
)

// fakeStore mimics the tally store, enforcing the same uniqueness semantics
// under a mutex so concurrency tests exercise the gate's conflict path.
type fakeStore struct {
	mu    sync.Mutex
	polls map[string]*models.Poll
	votes []*models.Vote

	// beforeCommit, when set, runs inside CommitVote before the uniqueness
	// check, simulating a concurrent writer winning the race.
	beforeCommit func()
}

func newFakeStore(polls ...*models.Poll) *fakeStore {
	s := &fakeStore{polls: make(map[string]*models.Poll)}
	for _, p := range polls {
		s.polls[p.ID] = p
	}
	return s
}

func (s *fakeStore) GetPoll(_ context.Context, id string) (*models.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	cp.Options = append([]models.Option(nil), p.Options...)
	return &cp, nil
}

func (s *fakeStore) FindVote(_ context.Context, pollID, tokenHash, deviceHash string) (*models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.votes {
		if v.PollID == pollID && (v.TokenHash == tokenHash || v.DeviceHash == deviceHash) {
			cp := *v
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakeStore) FindVoteByKey(_ context.Context, pollID, key string) (*models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.votes {
		if v.PollID == pollID && v.IdempotencyKey == key {
			cp := *v
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (s *fakeStore) CommitVote(_ context.Context, v *models.Vote) error {
	if s.beforeCommit != nil {
		hook := s.beforeCommit
		s.beforeCommit = nil
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.polls[v.PollID]
	if !ok {
		return fmt.Errorf("poll %s not found", v.PollID)
	}
	for _, existing := range s.votes {
		if existing.PollID != v.PollID {
			continue
		}
		if existing.TokenHash == v.TokenHash || existing.DeviceHash == v.DeviceHash || existing.IdempotencyKey == v.IdempotencyKey {
			return models.ErrVoteConflict
		}
	}

	opt := p.Option(v.OptionID)
	if opt == nil {
		return fmt.Errorf("option %s not found", v.OptionID)
	}

	cp := *v
	s.votes = append(s.votes, &cp)
	opt.VotesCount++
	p.VotesCount++
	return nil
}

func (s *fakeStore) TallySnapshot(_ context.Context, pollID string) (*models.TallySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[pollID]
	if !ok {
		return nil, models.ErrNotFound
	}
	snap := &models.TallySnapshot{PollID: pollID, VotesCount: p.VotesCount, Timestamp: time.Now()}
	for _, opt := range p.Options {
		pct := 0.0
		if p.VotesCount > 0 {
			pct = float64(opt.VotesCount) / float64(p.VotesCount) * 100
		}
		snap.Options = append(snap.Options, models.OptionTally{
			ID: opt.ID, Text: opt.Text, VotesCount: opt.VotesCount, Percentage: pct,
		})
	}
	return snap, nil
}

func (s *fakeStore) voteCount(pollID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.votes {
		if v.PollID == pollID {
			n++
		}
	}
	return n
}

// fakeLimiter keeps per-(ip,poll) accepted-vote budgets in memory.
type fakeLimiter struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

func newFakeLimiter(limit int) *fakeLimiter {
	return &fakeLimiter{limit: limit, counts: make(map[string]int)}
}

func (l *fakeLimiter) VoteVelocityExceeded(_ context.Context, ip, pollID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip+"/"+pollID] >= l.limit
}

func (l *fakeLimiter) RecordAcceptedVote(_ context.Context, ip, pollID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[ip+"/"+pollID]++
}

type capturePublisher struct {
	mu    sync.Mutex
	snaps []*models.TallySnapshot
}

func (p *capturePublisher) PublishTally(snap *models.TallySnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

func livePoll(id string) *models.Poll {
	return &models.Poll{
		ID:        id,
		Question:  "Red or blue?",
		ExpiresAt: time.Now().Add(time.Hour),
		Options: []models.Option{
			{ID: "opt-red", PollID: id, Text: "Red"},
			{ID: "opt-blue", PollID: id, Text: "Blue"},
		},
	}
}

func request(pollID, optionID, token, device, ip string) vote.Request {
	resolver := identity.NewResolver("test-secret", "test-salt")
	return vote.Request{
		PollID:         pollID,
		OptionID:       optionID,
		IdempotencyKey: uuid.NewString(),
		Identity: identity.Identity{
			TokenHash:  resolver.TokenHash(pollID, token),
			DeviceHash: device,
			IPHash:     ip,
		},
		IP:    ip,
		Token: token,
	}
}

func TestCastRejectsInvalidRequests(t *testing.T) {
	store := newFakeStore(livePoll("p1"))
	gate := vote.NewGate(store, newFakeLimiter(3), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("missing option id", func(t *testing.T) {
		_, err := gate.Cast(ctx, request("p1", "", "tok", "dev", "ip"))
		require.ErrorIs(t, err, vote.ErrValidation)
	})

	t.Run("unknown poll", func(t *testing.T) {
		_, err := gate.Cast(ctx, request("missing", "opt-red", "tok", "dev", "ip"))
		require.ErrorIs(t, err, vote.ErrPollNotFound)
	})

	t.Run("option from another poll", func(t *testing.T) {
		_, err := gate.Cast(ctx, request("p1", "opt-other", "tok", "dev", "ip"))
		require.ErrorIs(t, err, vote.ErrValidation)
	})
}

func TestCastRejectsExpiredPoll(t *testing.T) {
	p := livePoll("p1")
	p.ExpiresAt = time.Now().Add(-time.Second)
	gate := vote.NewGate(newFakeStore(p), newFakeLimiter(3), nil, zaptest.NewLogger(t))

	_, err := gate.Cast(context.Background(), request("p1", "opt-red", "tok", "dev", "ip"))
	require.ErrorIs(t, err, vote.ErrExpired)
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	// Voting at exactly the expiry instant must be rejected.
	at := time.Now()
	p := &models.Poll{ID: "p", ExpiresAt: at}
	require.True(t, p.Expired(at))
	require.False(t, p.Expired(at.Add(-time.Nanosecond)))
}

func TestCastAcceptsAndPublishes(t *testing.T) {
	store := newFakeStore(livePoll("p1"))
	pub := &capturePublisher{}
	gate := vote.NewGate(store, newFakeLimiter(3), pub, zaptest.NewLogger(t))

	res, err := gate.Cast(context.Background(), request("p1", "opt-red", "tok-d", "dev-d", "ip-1"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.False(t, res.Duplicate)
	require.Equal(t, "Red", res.YourChoice.Text)
	require.Equal(t, "tok-d", res.Token)
	require.NotNil(t, res.Snapshot)
	require.Equal(t, int64(1), res.Snapshot.VotesCount)
	require.Equal(t, 1, pub.count())
}

func TestCastDuplicateByDeviceThenCookie(t *testing.T) {
	store := newFakeStore(livePoll("p1"))
	gate := vote.NewGate(store, newFakeLimiter(3), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := gate.Cast(ctx, request("p1", "opt-red", "tok-a", "dev-a", "ip-1"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	t.Run("same device, fresh cookie", func(t *testing.T) {
		res, err := gate.Cast(ctx, request("p1", "opt-blue", "tok-b", "dev-a", "ip-1"))
		require.NoError(t, err)
		require.True(t, res.Duplicate)
		require.Equal(t, vote.ReasonDevice, res.Reason)
		// The original choice is returned, never the retried one.
		require.Equal(t, "Red", res.YourChoice.Text)
	})

	t.Run("same cookie, different device hash", func(t *testing.T) {
		res, err := gate.Cast(ctx, request("p1", "opt-blue", "tok-a", "dev-z", "ip-1"))
		require.NoError(t, err)
		require.True(t, res.Duplicate)
		require.Equal(t, vote.ReasonCookie, res.Reason)
		require.Equal(t, "Red", res.YourChoice.Text)
	})

	require.Equal(t, 1, store.voteCount("p1"))
}

func TestCastIdempotentReplay(t *testing.T) {
	store := newFakeStore(livePoll("p1"))
	gate := vote.NewGate(store, newFakeLimiter(3), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	req := request("p1", "opt-red", "tok-a", "dev-a", "ip-1")
	first, err := gate.Cast(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// Replaying the same logical request any number of times yields exactly
	// one committed vote and the same choice.
	for i := 0; i < 3; i++ {
		res, err := gate.Cast(ctx, req)
		require.NoError(t, err)
		require.True(t, res.Accepted)
		require.Equal(t, first.YourChoice, res.YourChoice)
		require.Equal(t, int64(1), res.Snapshot.VotesCount)
	}
	require.Equal(t, 1, store.voteCount("p1"))
}

func TestCastIPVelocityLimit(t *testing.T) {
	store := newFakeStore(livePoll("p1"))
	gate := vote.NewGate(store, newFakeLimiter(3), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := gate.Cast(ctx, request("p1", "opt-red",
			fmt.Sprintf("tok-%d", i), fmt.Sprintf("dev-%d", i), "shared-ip"))
		require.NoError(t, err)
		require.True(t, res.Accepted, "vote %d should be accepted", i+1)
	}

	res, err := gate.Cast(ctx, request("p1", "opt-red", "tok-4", "dev-4", "shared-ip"))
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, vote.ReasonIPLimit, res.Reason)
	require.Nil(t, res.YourChoice, "ip_limit must not disclose a choice")
	require.Equal(t, 3, store.voteCount("p1"))
}

func TestCastConflictTieBreak(t *testing.T) {
	store := newFakeStore(livePoll("p1"))
	gate := vote.NewGate(store, newFakeLimiter(10), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	// A concurrent request with the same device wins between the fast-path
	// pre-check and the commit. The gate must fold the storage conflict into
	// a duplicate carrying the winner's choice.
	winner := request("p1", "opt-blue", "tok-w", "dev-race", "ip-w")
	store.beforeCommit = func() {
		_, err := gate.Cast(ctx, winner)
		require.NoError(t, err)
	}

	res, err := gate.Cast(ctx, request("p1", "opt-red", "tok-l", "dev-race", "ip-l"))
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, vote.ReasonDevice, res.Reason)
	require.Equal(t, "Blue", res.YourChoice.Text)
	require.Equal(t, 1, store.voteCount("p1"))
}

func TestCastConcurrentSameDevice(t *testing.T) {
	store := newFakeStore(livePoll("p1"))
	gate := vote.NewGate(store, newFakeLimiter(10), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*vote.Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = gate.Cast(ctx, request("p1", "opt-red",
				fmt.Sprintf("tok-%d", i), "dev-shared", "ip-1"))
		}(i)
	}
	wg.Wait()

	accepted, duplicates := 0, 0
	for i, res := range results {
		require.NoError(t, errs[i])
		if res.Accepted {
			accepted++
		}
		if res.Duplicate {
			duplicates++
			require.Equal(t, vote.ReasonDevice, res.Reason)
			require.Equal(t, "Red", res.YourChoice.Text)
		}
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, 1, duplicates)
	require.Equal(t, 1, store.voteCount("p1"))
}

func TestCastFiftyConcurrentDevices(t *testing.T) {
	store := newFakeStore(livePoll("p1"))
	gate := vote.NewGate(store, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	const voters = 50
	var wg sync.WaitGroup
	results := make([]*vote.Result, voters)
	errs := make([]error, voters)

	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			option := "opt-red"
			if i%2 == 1 {
				option = "opt-blue"
			}
			results[i], errs[i] = gate.Cast(ctx, request("p1", option,
				fmt.Sprintf("tok-%d", i), fmt.Sprintf("dev-%d", i), fmt.Sprintf("ip-%d", i)))
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		require.NoError(t, errs[i])
		require.True(t, res.Accepted, "voter %d", i)
		require.False(t, res.Duplicate)
	}

	p, err := store.GetPoll(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(voters), p.VotesCount)

	var sum int64
	for _, opt := range p.Options {
		sum += opt.VotesCount
	}
	require.Equal(t, p.VotesCount, sum, "option counters must sum to the poll counter")
	require.Equal(t, voters, store.voteCount("p1"))
}

func TestStatus(t *testing.T) {
	store := newFakeStore(livePoll("p1"))
	gate := vote.NewGate(store, newFakeLimiter(3), nil, zaptest.NewLogger(t))
	ctx := context.Background()

	req := request("p1", "opt-blue", "tok-s", "dev-s", "ip-s")

	choice, err := gate.Status(ctx, "p1", req.Identity)
	require.NoError(t, err)
	require.Nil(t, choice)

	_, err = gate.Cast(ctx, req)
	require.NoError(t, err)

	choice, err = gate.Status(ctx, "p1", req.Identity)
	require.NoError(t, err)
	require.NotNil(t, choice)
	require.Equal(t, "Blue", choice.Text)

	_, err = gate.Status(ctx, "missing", req.Identity)
	require.ErrorIs(t, err, vote.ErrPollNotFound)
}
