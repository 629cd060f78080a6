package controller

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/votewave/votewave/pkg/analytics"
	"github.com/votewave/votewave/pkg/broadcast"
	"github.com/votewave/votewave/pkg/db/models"
	pollstore "github.com/votewave/votewave/pkg/db/postgres/poll"
	"github.com/votewave/votewave/pkg/identity"
	"github.com/votewave/votewave/pkg/insights"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the frontend origin once it is fixed
		return true
	},
}

// ClientMessage represents messages sent by WebSocket clients.
//
// Protocol:
//
//	{"type": "join-poll", "pollId": "...", "creatorSecret": "..."}
//	{"type": "leave-poll", "pollId": "..."}
//	{"type": "request-analytics", "pollId": "...", "creatorSecret": "...", "timeframe": "24h"}
//	{"type": "ping"}
//
// Server events: poll-data, vote_update, viewer-joined, viewer-left,
// poll-analytics, poll-expiring, poll-expired, poll-deleted, pong, error.
type ClientMessage struct {
	Type          string `json:"type"`
	PollID        string `json:"pollId"`
	CreatorSecret string `json:"creatorSecret"`
	Timeframe     string `json:"timeframe"`
}

// HandleWebSocket upgrades the connection and runs the realtime protocol.
// Each inbound event is handled by the single reader goroutine, so per-
// connection state (joined rooms) needs no locking; outgoing traffic flows
// through the session's buffered channel and one writer goroutine.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ip := clientIP(r)
	if !c.App.Guard.CheckConnection(ctx, ip) {
		http.Error(w, "Too many connections from this IP", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	sess := broadcast.NewSession(uuid.NewString(), 256)
	defer sess.Close()

	c.App.Logger.Info("WebSocket client connected",
		zap.String("session_id", sess.ID),
		zap.String("remote_addr", r.RemoteAddr))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.recoverPanic(cancel, "websocket writer")
		c.writeEvents(ctx, conn, sess)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.recoverPanic(cancel, "websocket pinger")
		c.sendPings(ctx, conn)
	}()

	// Reader blocks until the connection closes or the context is cancelled.
	joined := c.readClientMessages(ctx, conn, sess)

	// Connection closed - leave every room and notify remaining viewers.
	for pollID := range joined {
		count := c.App.Hub.Unsubscribe(pollID, sess)
		c.App.Hub.Broadcast(pollID, broadcast.Event{
			Type:    "viewer-left",
			Payload: map[string]interface{}{"viewerCount": count},
		})
	}

	cancel()
	wg.Wait()

	c.App.Logger.Info("WebSocket client disconnected", zap.String("session_id", sess.ID))
}

func (c *Controller) recoverPanic(cancel context.CancelFunc, where string) {
	if rec := recover(); rec != nil {
		c.App.Logger.Error("Panic in websocket goroutine",
			zap.String("goroutine", where),
			zap.Any("panic", rec),
			zap.String("stack", string(debug.Stack())))
		cancel()
	}
}

// writeEvents drains the session's event stream into the connection.
func (c *Controller) writeEvents(ctx context.Context, conn *websocket.Conn, sess *broadcast.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sess.Events():
			if err := conn.WriteJSON(ev); err != nil {
				c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
				return
			}
		}
	}
}

// sendPings keeps the connection alive; the client's pong resets the read
// deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// readClientMessages dispatches inbound events until the connection closes.
// Returns the set of polls the session had joined.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, sess *broadcast.Session) map[string]bool {
	joined := make(map[string]bool)

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.App.Logger.Debug("WebSocket read error", zap.Error(err))
			}
			return joined
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		switch msg.Type {
		case "join-poll":
			c.handleJoinPoll(ctx, sess, joined, msg)
		case "leave-poll":
			c.handleLeavePoll(sess, joined, msg.PollID)
		case "request-analytics":
			c.handleRequestAnalytics(ctx, sess, msg)
		case "ping":
			sess.TrySend(broadcast.Event{Type: "pong", Payload: map[string]interface{}{"timestamp": time.Now().UnixMilli()}})
		default:
			sess.TrySend(broadcast.Event{Type: "error", Payload: map[string]string{"message": "unknown event: " + msg.Type}})
		}
	}
}

func (c *Controller) handleJoinPoll(ctx context.Context, sess *broadcast.Session, joined map[string]bool, msg ClientMessage) {
	if msg.PollID == "" {
		sess.TrySend(broadcast.Event{Type: "error", Payload: map[string]string{"message": "Invalid poll ID"}})
		return
	}

	p, err := c.App.Store.GetPoll(ctx, msg.PollID)
	if errors.Is(err, models.ErrNotFound) {
		sess.TrySend(broadcast.Event{Type: "error", Payload: map[string]string{"message": "Poll not found"}})
		return
	}
	if err != nil {
		c.App.Logger.Error("join-poll: failed to load poll", zap.String("poll_id", msg.PollID), zap.Error(err))
		sess.TrySend(broadcast.Event{Type: "error", Payload: map[string]string{"message": "Failed to join poll"}})
		return
	}

	isCreator := identity.VerifyCreatorSecret(p.CreatorSecretHash, msg.CreatorSecret)

	count := c.App.Hub.Subscribe(msg.PollID, sess)
	joined[msg.PollID] = true

	snap := pollstore.SnapshotOf(p)
	sess.TrySend(broadcast.Event{Type: "poll-data", Payload: map[string]interface{}{
		"id":                    p.ID,
		"question":              p.Question,
		"expiresAt":             p.ExpiresAt,
		"hideResultsUntilVoted": p.HideResultsUntilVoted,
		"votesCount":            p.VotesCount,
		"isExpired":             p.Expired(time.Now()),
		"isCreator":             isCreator,
		"options":               snap.Options,
		"insight":               insights.Primary(snap.Options, snap.VotesCount),
	}})

	if isCreator {
		c.sendAnalytics(ctx, sess, msg.PollID, "24h")
	}

	c.App.Hub.BroadcastExcept(msg.PollID, sess, broadcast.Event{
		Type:    "viewer-joined",
		Payload: map[string]interface{}{"viewerCount": count},
	})
}

func (c *Controller) handleLeavePoll(sess *broadcast.Session, joined map[string]bool, pollID string) {
	if pollID == "" || !joined[pollID] {
		return
	}
	delete(joined, pollID)
	count := c.App.Hub.Unsubscribe(pollID, sess)
	c.App.Hub.Broadcast(pollID, broadcast.Event{
		Type:    "viewer-left",
		Payload: map[string]interface{}{"viewerCount": count},
	})
}

func (c *Controller) handleRequestAnalytics(ctx context.Context, sess *broadcast.Session, msg ClientMessage) {
	if msg.PollID == "" || msg.CreatorSecret == "" {
		sess.TrySend(broadcast.Event{Type: "error", Payload: map[string]string{"message": "Missing required fields"}})
		return
	}
	p, err := c.App.Store.GetPoll(ctx, msg.PollID)
	if err != nil || !identity.VerifyCreatorSecret(p.CreatorSecretHash, msg.CreatorSecret) {
		sess.TrySend(broadcast.Event{Type: "error", Payload: map[string]string{"message": "Unauthorized"}})
		return
	}
	timeframe := msg.Timeframe
	if timeframe == "" {
		timeframe = "24h"
	}
	c.sendAnalytics(ctx, sess, msg.PollID, timeframe)
}

// sendAnalytics delivers the creator-only series and anomaly report.
func (c *Controller) sendAnalytics(ctx context.Context, sess *broadcast.Session, pollID, timeframe string) {
	samples, err := c.App.Store.VoteSamples(ctx, pollID)
	if err != nil {
		c.App.Logger.Error("failed to load vote samples", zap.String("poll_id", pollID), zap.Error(err))
		sess.TrySend(broadcast.Event{Type: "error", Payload: map[string]string{"message": "Failed to get analytics"}})
		return
	}
	sess.TrySend(broadcast.Event{Type: "poll-analytics", Payload: map[string]interface{}{
		"analytics": analytics.BuildSeries(samples, timeframe, time.Now()),
		"anomalies": analytics.DetectAnomalies(samples),
	}})
}
