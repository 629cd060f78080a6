package api

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/votewave/votewave/app/api/types"
	"github.com/votewave/votewave/pkg/abuse"
	"github.com/votewave/votewave/pkg/broadcast"
	"github.com/votewave/votewave/pkg/db/postgres/poll"
	"github.com/votewave/votewave/pkg/identity"
	"github.com/votewave/votewave/pkg/logging"
	"github.com/votewave/votewave/pkg/redis"
	"github.com/votewave/votewave/pkg/utils"
	"github.com/votewave/votewave/pkg/vote"
	"go.uber.org/zap"
)

// Initialize constructs the application: every dependency is built here once
// and handed to the components that use it.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	store, storeErr := poll.New(ctx, logger)
	if storeErr != nil {
		logger.Fatal("Unable to initialize poll store", zap.Error(storeErr))
	}

	// Redis backs the abuse counters and the cross-instance tally relay.
	// It is optional: without it rate limiting degrades to allow and
	// fan-out narrows to this process, but voting stays correct.
	var redisClient *redis.Client
	if utils.Env("REDIS_ENABLED", "true") == "true" {
		redisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - rate limiting degrades to allow", zap.Error(err))
			redisClient = nil
		}
	} else {
		logger.Info("Redis disabled - rate limiting and cross-instance fan-out unavailable")
	}

	var counters abuse.Counters
	if redisClient != nil {
		counters = redisClient
	}
	guard := abuse.NewGuard(counters, abuse.ConfigFromEnv(), logger)

	hub := broadcast.NewHub(logger)
	fanout := broadcast.NewFanout(hub, redisClient, logger)

	app := &types.App{
		Store:    store,
		Redis:    redisClient,
		Hub:      hub,
		Fanout:   fanout,
		Gate:     vote.NewGate(store, guard, fanout, logger),
		Guard:    guard,
		Resolver: identity.NewResolverFromEnv(),
		Logger:   logger,
	}

	app.Cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := app.Cron.AddFunc("@every 1m", func() { app.SweepExpiry(ctx) }); err != nil {
		logger.Fatal("Unable to schedule expiry sweep", zap.Error(err))
	}

	return app
}
