package broadcast

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/votewave/votewave/pkg/db/models"
	redisc "github.com/votewave/votewave/pkg/redis"
	"go.uber.org/zap"
)

const tallyChannelPrefix = "votewave:tally:"

// relayClient is the slice of the Redis client the relay runs against.
type relayClient interface {
	Publish(ctx context.Context, channel string, message interface{})
	PSubscribe(ctx context.Context, patterns ...string) *goredis.PubSub
}

// envelope is the wire form of a tally event relayed between instances.
type envelope struct {
	Origin   string                `json:"origin"`
	Snapshot *models.TallySnapshot `json:"snapshot"`
}

// Fanout is the commit-side publisher: it delivers to the local hub and, when
// Redis is configured, relays the snapshot to sibling instances. Every remote
// leg is best-effort; a Redis outage only narrows fan-out to this process.
type Fanout struct {
	hub    *Hub
	redis  relayClient
	origin string
	logger *zap.Logger
}

func NewFanout(hub *Hub, redis *redisc.Client, logger *zap.Logger) *Fanout {
	f := &Fanout{
		hub:    hub,
		origin: uuid.NewString(),
		logger: logger,
	}
	if redis != nil {
		f.redis = redis
	}
	return f
}

// PublishTally pushes the snapshot to local sessions and onto the relay
// channel. Never blocks on remote delivery and never returns an error to the
// commit path.
func (f *Fanout) PublishTally(snap *models.TallySnapshot) {
	if snap == nil {
		return
	}
	f.hub.PublishTally(snap)

	if f.redis == nil {
		return
	}
	// The relay leg runs off the caller's goroutine: a degraded Redis slows
	// sibling delivery, never the commit response.
	go func() {
		payload, err := json.Marshal(envelope{Origin: f.origin, Snapshot: snap})
		if err != nil {
			f.logger.Warn("failed to encode tally envelope", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.redis.Publish(ctx, tallyChannelPrefix+snap.PollID, payload)
	}()
}

// Run consumes relayed tally events from sibling instances and re-broadcasts
// them locally, reconnecting with backoff until the context is cancelled.
// Events originated by this instance are skipped so local sessions stay
// at-most-once.
func (f *Fanout) Run(ctx context.Context) {
	if f.redis == nil {
		return
	}

	backoff := time.Second
	for ctx.Err() == nil {
		if err := f.consume(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("tally relay subscription lost, retrying",
				zap.Duration("backoff", backoff), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *Fanout) consume(ctx context.Context) error {
	pubsub := f.redis.PSubscribe(ctx, tallyChannelPrefix+"*")
	defer func() {
		if err := pubsub.Close(); err != nil {
			f.logger.Warn("error closing relay subscription", zap.Error(err))
		}
	}()

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.logger.Warn("failed to decode tally envelope",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if env.Origin == f.origin || env.Snapshot == nil {
				continue
			}
			if !strings.HasPrefix(msg.Channel, tallyChannelPrefix) {
				continue
			}
			f.hub.PublishTally(env.Snapshot)
		}
	}
}
