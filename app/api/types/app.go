package types

import (
	"context"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/votewave/votewave/pkg/abuse"
	"github.com/votewave/votewave/pkg/broadcast"
	"github.com/votewave/votewave/pkg/db/models"
	"github.com/votewave/votewave/pkg/identity"
	"github.com/votewave/votewave/pkg/redis"
	"github.com/votewave/votewave/pkg/vote"
	"go.uber.org/zap"
)

// Store is the poll storage surface the app depends on. Satisfied by
// pkg/db/postgres/poll; handler tests run against an in-memory
// implementation.
type Store interface {
	vote.Store

	VoteSamples(ctx context.Context, pollID string) ([]models.VoteSample, error)
	ExpiringWithin(ctx context.Context, now time.Time, d time.Duration) ([]models.Poll, error)
	ExpiredBetween(ctx context.Context, from, to time.Time) ([]models.Poll, error)
	DeleteStaleExpired(ctx context.Context, now, createdBefore time.Time) ([]string, error)
	Ping(ctx context.Context) error
	Close()
}

// App holds every service handle, constructed once and passed by reference.
// Nothing in the process reaches these through ambient global state.
type App struct {
	Store    Store
	Redis    *redis.Client
	Hub      *broadcast.Hub
	Fanout   *broadcast.Fanout
	Gate     *vote.Gate
	Guard    *abuse.Guard
	Resolver *identity.Resolver

	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests.
	Server *http.Server
	Cron   *cron.Cron
}

// Start runs the server, the expiry scheduler and the tally relay until the
// context is cancelled, then shuts down gracefully.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()

	if a.Cron != nil {
		a.Cron.Start()
	}
	if a.Fanout != nil {
		go a.Fanout.Run(ctx)
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	a.Hub.Close()
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("Failed to close Redis connection", zap.Error(err))
		}
	}
	a.Store.Close()

	a.Logger.Info("Shutdown complete")
}
