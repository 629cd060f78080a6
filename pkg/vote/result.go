package vote

import (
	"errors"

	"github.com/votewave/votewave/pkg/db/models"
)

// Terminal rejection errors of the admission state machine. A duplicate is
// not among them: it is a correct outcome, reported through Result.
var (
	// ErrValidation covers a missing or foreign option id and malformed input.
	ErrValidation = errors.New("validation error")
	// ErrPollNotFound means the poll does not exist (or was deleted).
	ErrPollNotFound = errors.New("poll not found")
	// ErrExpired means the poll is past its expiry instant.
	ErrExpired = errors.New("poll expired")
	// ErrInternal wraps storage failures. The gate fails closed here: a vote
	// that could not be committed is rejected rather than admitted, since
	// admitting it would break the counter invariant.
	ErrInternal = errors.New("internal error")
)

// Duplicate reasons, reported to the voter on 409 responses.
const (
	ReasonCookie  = "cookie"
	ReasonDevice  = "device"
	ReasonIPLimit = "ip_limit"
)

// Result is the terminal state of an admitted or duplicate vote request.
type Result struct {
	// Accepted is true when this request committed a new vote. A replayed
	// idempotent retry of a committed vote also reports Accepted so the
	// retry response matches the original.
	Accepted bool

	// Duplicate is set when the voter already has a vote in this poll.
	Duplicate bool
	// Reason is one of ReasonCookie, ReasonDevice, ReasonIPLimit.
	Reason string

	// YourChoice is the option this voter's vote counts toward. Nil for
	// ip_limit duplicates, where no prior choice may be disclosed.
	YourChoice *models.Choice

	// Snapshot is the live tally after this request. Nil when the poll
	// hides results and disclosure is not warranted by this outcome.
	Snapshot *models.TallySnapshot

	// Token is the vote token the response cookie must carry, set only on
	// accepted outcomes.
	Token string
}
