// Package abuse provides the sliding-window rate limiter and suspicious
// activity scorer that screens requests before they reach vote admission.
// Every counter is best-effort: if the cache is unavailable the guard allows
// the request, so it can never become a single point of failure for voting.
package abuse

import (
	"context"
	"fmt"
	"time"

	"github.com/votewave/votewave/pkg/utils"
	"go.uber.org/zap"
)

// Counters is the windowed counter store the guard runs against. Implemented
// by pkg/redis; tests use an in-memory fake.
type Counters interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	GetCount(ctx context.Context, key string) (int64, error)
}

// Config holds the window sizes and thresholds, all overridable via env.
type Config struct {
	RapidWindow      time.Duration
	RapidLimit       int64
	SuspiciousWindow time.Duration
	SuspiciousLimit  int64
	MinUALength      int
	VelocityWindow   time.Duration
	VelocityLimit    int64
	ConnWindow       time.Duration
	ConnLimit        int64
}

func ConfigFromEnv() Config {
	return Config{
		RapidWindow:      utils.EnvDuration("RAPID_WINDOW", 10*time.Second),
		RapidLimit:       utils.EnvInt64("RAPID_LIMIT", 5),
		SuspiciousWindow: utils.EnvDuration("SUSPICIOUS_WINDOW", time.Hour),
		SuspiciousLimit:  utils.EnvInt64("SUSPICIOUS_LIMIT", 10),
		MinUALength:      utils.EnvInt("MIN_UA_LENGTH", 10),
		VelocityWindow:   utils.EnvDuration("VOTE_VELOCITY_WINDOW", time.Hour),
		VelocityLimit:    utils.EnvInt64("VOTE_VELOCITY_LIMIT", 3),
		ConnWindow:       utils.EnvDuration("SOCKET_CONN_WINDOW", time.Minute),
		ConnLimit:        utils.EnvInt64("SOCKET_CONN_LIMIT", 20),
	}
}

// Guard screens requests by IP, independent of poll identity.
type Guard struct {
	counters Counters
	cfg      Config
	logger   *zap.Logger
}

// NewGuard builds a guard. A nil counter store degrades every check to
// "allow".
func NewGuard(counters Counters, cfg Config, logger *zap.Logger) *Guard {
	return &Guard{counters: counters, cfg: cfg, logger: logger}
}

// CheckRapidFire counts the request against the short rapid-fire window.
// Returns false when the caller should be rejected as rate limited.
func (g *Guard) CheckRapidFire(ctx context.Context, ip string) bool {
	if g.counters == nil {
		return true
	}
	n, err := g.counters.IncrWindow(ctx, fmt.Sprintf("rapid:%s", ip), g.cfg.RapidWindow)
	if err != nil {
		g.logger.Warn("rapid-fire counter unavailable, allowing", zap.Error(err))
		return true
	}
	return n <= g.cfg.RapidLimit
}

// CheckSuspicious scores requests whose user agent is missing or implausibly
// short. Only such requests consume suspicion budget.
func (g *Guard) CheckSuspicious(ctx context.Context, ip, userAgent string) bool {
	if g.counters == nil {
		return true
	}
	if len(userAgent) >= g.cfg.MinUALength {
		return true
	}
	n, err := g.counters.IncrWindow(ctx, fmt.Sprintf("suspicious:%s", ip), g.cfg.SuspiciousWindow)
	if err != nil {
		g.logger.Warn("suspicion counter unavailable, allowing", zap.Error(err))
		return true
	}
	return n <= g.cfg.SuspiciousLimit
}

// VoteVelocityExceeded reports whether the IP has already used its accepted
// vote budget for the poll. Read-only; the budget is consumed through
// RecordAcceptedVote so rejected attempts do not count.
func (g *Guard) VoteVelocityExceeded(ctx context.Context, ip, pollID string) bool {
	if g.counters == nil {
		return false
	}
	n, err := g.counters.GetCount(ctx, velocityKey(ip, pollID))
	if err != nil {
		g.logger.Warn("vote velocity counter unavailable, allowing", zap.Error(err))
		return false
	}
	return n >= g.cfg.VelocityLimit
}

// RecordAcceptedVote consumes velocity budget after a successful commit.
func (g *Guard) RecordAcceptedVote(ctx context.Context, ip, pollID string) {
	if g.counters == nil {
		return
	}
	if _, err := g.counters.IncrWindow(ctx, velocityKey(ip, pollID), g.cfg.VelocityWindow); err != nil {
		g.logger.Warn("failed to record vote velocity", zap.Error(err))
	}
}

// CheckConnection rate limits realtime channel connections per IP.
func (g *Guard) CheckConnection(ctx context.Context, ip string) bool {
	if g.counters == nil {
		return true
	}
	n, err := g.counters.IncrWindow(ctx, fmt.Sprintf("socket_conn:%s", ip), g.cfg.ConnWindow)
	if err != nil {
		g.logger.Warn("connection counter unavailable, allowing", zap.Error(err))
		return true
	}
	return n <= g.cfg.ConnLimit
}

func velocityKey(ip, pollID string) string {
	return fmt.Sprintf("velocity:%s:%s", ip, pollID)
}
