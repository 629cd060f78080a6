package broadcast

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/votewave/votewave/pkg/db/models"
	"go.uber.org/zap/zaptest"
)

// stalledRelay simulates a degraded Redis: Publish blocks until released.
type stalledRelay struct {
	calls   chan string
	release chan struct{}
}

func (r *stalledRelay) Publish(_ context.Context, channel string, _ interface{}) {
	r.calls <- channel
	<-r.release
}

func (r *stalledRelay) PSubscribe(context.Context, ...string) *goredis.PubSub {
	panic("not used")
}

func TestPublishTallyDoesNotWaitOnRelay(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	defer hub.Close()

	sess := NewSession("s", 8)
	hub.Subscribe("poll-1", sess)

	relay := &stalledRelay{calls: make(chan string, 1), release: make(chan struct{})}
	defer close(relay.release)

	f := &Fanout{
		hub:    hub,
		redis:  relay,
		origin: "origin-a",
		logger: zaptest.NewLogger(t),
	}

	returned := make(chan struct{})
	go func() {
		f.PublishTally(&models.TallySnapshot{PollID: "poll-1", VotesCount: 1})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("PublishTally blocked on the relay")
	}

	// Local delivery is unaffected by the stalled relay.
	select {
	case ev := <-sess.Events():
		require.Equal(t, "vote_update", ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("local session never received the tally")
	}

	// The relay still gets the snapshot, on the poll-scoped channel.
	select {
	case channel := <-relay.calls:
		require.Equal(t, tallyChannelPrefix+"poll-1", channel)
	case <-time.After(2 * time.Second):
		t.Fatal("relay was never invoked")
	}
}

func TestPublishTallyWithoutRelay(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	defer hub.Close()

	sess := NewSession("s", 8)
	hub.Subscribe("poll-1", sess)

	f := NewFanout(hub, nil, zaptest.NewLogger(t))
	f.PublishTally(&models.TallySnapshot{PollID: "poll-1", VotesCount: 2})

	select {
	case ev := <-sess.Events():
		require.Equal(t, "vote_update", ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("local session never received the tally")
	}
	f.PublishTally(nil)
}
