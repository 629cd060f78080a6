package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/votewave/votewave/pkg/db/models"
	pollstore "github.com/votewave/votewave/pkg/db/postgres/poll"
	"github.com/votewave/votewave/pkg/identity"
	"github.com/votewave/votewave/pkg/insights"
	"github.com/votewave/votewave/pkg/utils"
	"github.com/votewave/votewave/pkg/vote"
	"go.uber.org/zap"
)

// castVoteRequest is the body of POST /polls/{id}.
type castVoteRequest struct {
	OptionID    string           `json:"optionId"`
	Fingerprint identity.Signals `json:"fingerprint"`
}

// HandleCastVote admits a vote: abuse screening, identity resolution, then
// the admission gate. The vote token cookie is set only on success.
func (c *Controller) HandleCastVote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pollID := mux.Vars(r)["id"]
	ip := clientIP(r)
	userAgent := r.UserAgent()

	if !c.App.Guard.CheckSuspicious(ctx, ip, userAgent) {
		writeError(w, http.StatusTooManyRequests, "Suspicious activity detected. Please try again later.")
		return
	}
	if !c.App.Guard.CheckRapidFire(ctx, ip) {
		writeError(w, http.StatusTooManyRequests, "Too many rapid requests. Please slow down.")
		return
	}

	var req castVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.OptionID == "" {
		writeError(w, http.StatusBadRequest, "Option ID is required")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	token, minted, err := c.voteToken(r, pollID)
	if err != nil {
		c.App.Logger.Error("failed to mint vote token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to cast vote")
		return
	}

	signals := req.Fingerprint
	signals.VoteToken = token
	signals.UserAgent = userAgent
	signals.IP = ip

	result, err := c.App.Gate.Cast(ctx, vote.Request{
		PollID:         pollID,
		OptionID:       req.OptionID,
		IdempotencyKey: idempotencyKey,
		Identity:       c.App.Resolver.Resolve(pollID, signals),
		IP:             ip,
		Token:          token,
	})
	if err != nil {
		c.writeCastError(w, pollID, err)
		return
	}

	if result.Duplicate {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      "You have already voted in this poll",
			"reason":     result.Reason,
			"yourChoice": result.YourChoice,
		})
		return
	}

	if minted || result.Token != "" {
		c.setVoteCookie(w, r, pollID, result.Token)
	}

	body := map[string]interface{}{
		"success":    true,
		"message":    "Vote cast successfully",
		"yourChoice": result.YourChoice,
	}
	if result.Snapshot != nil {
		body["poll"] = map[string]interface{}{
			"id":         pollID,
			"votesCount": result.Snapshot.VotesCount,
			"options":    result.Snapshot.Options,
		}
		if result.Snapshot.Insight != "" {
			body["insight"] = result.Snapshot.Insight
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleVoteStatus answers "has this browser/device voted" with no side
// effects, using the same identity derivation as admission.
func (c *Controller) HandleVoteStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pollID := mux.Vars(r)["id"]

	var signals identity.Signals
	if r.Method == http.MethodPost && r.Body != nil {
		var req castVoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			signals = req.Fingerprint
		}
	}
	if cookie, err := r.Cookie(voteCookieName(pollID)); err == nil {
		signals.VoteToken = cookie.Value
	}
	signals.UserAgent = r.UserAgent()
	signals.IP = clientIP(r)

	choice, err := c.App.Gate.Status(ctx, pollID, c.App.Resolver.Resolve(pollID, signals))
	if errors.Is(err, vote.ErrPollNotFound) {
		writeError(w, http.StatusNotFound, "Poll not found")
		return
	}
	if err != nil {
		c.App.Logger.Error("vote status lookup failed", zap.String("poll_id", pollID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to check vote status")
		return
	}

	if choice == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"hasVoted": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hasVoted": true, "yourChoice": choice})
}

// HandleGetPoll returns the poll snapshot. When the poll hides results until
// the viewer has voted, counts are withheld for non-voters while it is live.
func (c *Controller) HandleGetPoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pollID := mux.Vars(r)["id"]

	p, err := c.App.Store.GetPoll(ctx, pollID)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Poll not found")
		return
	}
	if err != nil {
		c.App.Logger.Error("failed to load poll", zap.String("poll_id", pollID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load poll")
		return
	}

	now := time.Now()
	snap := pollstore.SnapshotOf(p)
	snap.Insight = insights.Primary(snap.Options, snap.VotesCount)

	hidden := false
	if p.HideResultsUntilVoted && !p.Expired(now) {
		var signals identity.Signals
		if cookie, err := r.Cookie(voteCookieName(pollID)); err == nil {
			signals.VoteToken = cookie.Value
		}
		signals.UserAgent = r.UserAgent()
		signals.IP = clientIP(r)
		choice, err := c.App.Gate.Status(ctx, pollID, c.App.Resolver.Resolve(pollID, signals))
		if err != nil || choice == nil {
			hidden = true
		}
	}
	if hidden {
		for i := range snap.Options {
			snap.Options[i].VotesCount = 0
			snap.Options[i].Percentage = 0
		}
		snap.Insight = ""
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                    p.ID,
		"question":              p.Question,
		"expiresAt":             p.ExpiresAt,
		"isExpired":             p.Expired(now),
		"hideResultsUntilVoted": p.HideResultsUntilVoted,
		"resultsHidden":         hidden,
		"votesCount":            snap.VotesCount,
		"options":               snap.Options,
		"insight":               snap.Insight,
	})
}

func (c *Controller) writeCastError(w http.ResponseWriter, pollID string, err error) {
	switch {
	case errors.Is(err, vote.ErrValidation):
		writeError(w, http.StatusBadRequest, "Invalid option")
	case errors.Is(err, vote.ErrPollNotFound):
		writeError(w, http.StatusNotFound, "Poll not found")
	case errors.Is(err, vote.ErrExpired):
		writeError(w, http.StatusGone, "Poll has expired")
	default:
		c.App.Logger.Error("failed to cast vote", zap.String("poll_id", pollID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to cast vote")
	}
}

func voteCookieName(pollID string) string {
	return "vote_" + pollID
}

// voteToken returns the cookie-carried vote token, minting a fresh one when
// the browser has none. A minted token only becomes a cookie after commit.
func (c *Controller) voteToken(r *http.Request, pollID string) (token string, minted bool, err error) {
	if cookie, cerr := r.Cookie(voteCookieName(pollID)); cerr == nil && cookie.Value != "" {
		return cookie.Value, false, nil
	}
	token, err = identity.MintToken()
	return token, true, err
}

func (c *Controller) setVoteCookie(w http.ResponseWriter, r *http.Request, pollID, token string) {
	ttl := utils.EnvDuration("VOTE_TOKEN_TTL", 7*24*time.Hour)
	http.SetCookie(w, &http.Cookie{
		Name:     voteCookieName(pollID),
		Value:    token,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
