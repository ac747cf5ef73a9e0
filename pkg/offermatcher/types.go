package offermatcher

import (
	"time"

	"github.com/clusterfabric/offermatcher/internal/common/taskcontext"
)

// Offer is a bundle of resources published by the cluster manager for
// potential task placement, valid until the deadline passed to
// Manager.MatchOffer along with it. The core never interprets Id beyond using it as a
// map key and an echo value in the reply.
type Offer struct {
	Id        string
	Resources []Resource
}

// TaskSource is the one-shot commit/reject capability attached to a
// TaskPlacement. The Manager calls Reject at most once per placement, when
// it declines to commit it (token/cap exhaustion). It never calls Commit:
// committing a placement once the offer source has acted on the Manager's
// reply is outside the core's contract (see MatchedTasks).
type TaskSource interface {
	// Reject is called at most once, when the Manager declines this
	// placement for token or cap exhaustion. Placements in a reply that
	// arrives after its offer has finished are dropped without a Reject call.
	Reject()
}

// TaskPlacement is a prospective task description together with its
// one-shot commit/reject capability.
type TaskPlacement struct {
	Resources []Resource
	Source    TaskSource
}

// MatchedTasks is a matcher's reply to a single ProcessOffer call, or the
// Manager's final aggregated reply to a MatchOffer request. OfferId always
// identifies which offer this reply concerns.
type MatchedTasks struct {
	OfferId string
	Tasks   []TaskPlacement
}

// Matcher is a per-application decision module that, given an offer,
// proposes task placements against its remaining resources. Matchers are
// identified by ID rather than Go identity, per the recommendation that
// implementers key matcher-set membership on a stable identifier supplied
// by the matcher rather than pointer/interface identity.
type Matcher interface {
	// ID returns a stable identifier for this matcher. AddOrUpdateMatcher
	// treats two matchers with the same ID as the same matcher.
	ID() string

	// ProcessOffer asynchronously produces a MatchedTasks reply for offer,
	// which must arrive (successfully or with an error) before deadline
	// where possible; the Manager does not impose its own per-matcher
	// timeout beyond the offer-wide deadline, but also does not wait past
	// it, so a slow matcher only loses its own chance to place tasks.
	ProcessOffer(ctx *taskcontext.Context, deadline time.Time, offer Offer) (MatchedTasks, error)
}
