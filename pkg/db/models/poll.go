package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrVoteConflict is returned by the tally store when a concurrent commit won
// the race on one of the vote uniqueness constraints (token, device or
// idempotency key). The caller must re-query the winning row; the conflict is
// never surfaced to the voter as an error.
var ErrVoteConflict = errors.New("vote conflict")

// Poll is the aggregate a vote is cast against. VotesCount is denormalized
// and advanced only inside the tally store's commit transaction, so it always
// equals the number of committed Vote rows for the poll.
type Poll struct {
	ID                    string    `json:"id"`
	Question              string    `json:"question"`
	ExpiresAt             time.Time `json:"expiresAt"`
	HideResultsUntilVoted bool      `json:"hideResultsUntilVoted"`
	VotesCount            int64     `json:"votesCount"`
	CreatorSecretHash     string    `json:"-"`
	CreatedAt             time.Time `json:"createdAt"`

	Options []Option `json:"options,omitempty"`
}

// Expired reports whether the poll can no longer accept votes. A vote at
// exactly the expiry instant is rejected.
func (p *Poll) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Option finds an option of the poll by id, or nil.
func (p *Poll) Option(id string) *Option {
	for i := range p.Options {
		if p.Options[i].ID == id {
			return &p.Options[i]
		}
	}
	return nil
}

// Option is a single answer of a poll.
type Option struct {
	ID         string `json:"id"`
	PollID     string `json:"pollId"`
	Text       string `json:"text"`
	Order      int    `json:"order"`
	VotesCount int64  `json:"votesCount"`
}

// Vote is immutable once created; there is no update or delete path outside
// of the cascade when a poll is removed.
type Vote struct {
	ID             string    `json:"id"`
	PollID         string    `json:"pollId"`
	OptionID       string    `json:"optionId"`
	TokenHash      string    `json:"-"`
	DeviceHash     string    `json:"-"`
	IPHash         string    `json:"-"`
	IdempotencyKey string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Choice is the option a voter picked, as reported back to them.
type Choice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// OptionTally is one option's slice of the live tally.
type OptionTally struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	VotesCount int64   `json:"votesCount"`
	Percentage float64 `json:"percentage"`
}

// TallySnapshot is the full aggregate state published to live viewers after
// every committed vote, and sent as poll-data on join.
type TallySnapshot struct {
	PollID     string        `json:"pollId"`
	VotesCount int64         `json:"votesCount"`
	Options    []OptionTally `json:"options"`
	Insight    string        `json:"insight,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// VoteSample is the projection of a committed vote consumed by the anomaly
// detector and the creator analytics. Hashes only, never raw signals.
type VoteSample struct {
	OptionID   string    `json:"optionId"`
	DeviceHash string    `json:"deviceHash"`
	IPHash     string    `json:"ipHash"`
	CreatedAt  time.Time `json:"createdAt"`
}
