package offermatcher

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/clusterfabric/offermatcher/internal/common/collections"
	"github.com/clusterfabric/offermatcher/internal/common/taskcontext"
)

// ManagerConfig is the Manager's static configuration.
type ManagerConfig struct {
	// MaxTasksPerOffer is a hard cap on placements accepted for a single
	// offer, regardless of how many tokens remain.
	MaxTasksPerOffer int
}

// Validate reports every problem with config at once, rather than only the
// first one found.
func (config ManagerConfig) Validate() error {
	var result *multierror.Error
	if config.MaxTasksPerOffer <= 0 {
		result = multierror.Append(result, errors.New("MaxTasksPerOffer must be positive"))
	}
	return result.ErrorOrNil()
}

// Manager is the offer-matcher dispatcher: for
// each incoming offer it runs a rotating fan-out over the registered
// matchers, accumulating task placements until resource, deadline, or
// token budgets are exhausted, then returns the aggregated result to the
// offer's caller.
//
// Manager is a single-writer actor: all mutable state (launchTokens,
// matchers, offers) is owned exclusively by the goroutine running Run, and
// is only ever touched from inside its message loop. Every exported method
// sends a message on an internal channel and, where a reply is expected,
// blocks on a per-call reply channel; this reproduces a mailbox with
// several message kinds without requiring an actor framework.
type Manager struct {
	clock   clock.WithTickerAndDelayedExecution
	config  ManagerConfig
	metrics *Metrics
	wanted  func(bool)

	setTokens     chan int64
	addTokens     chan int64
	addMatcher    chan addMatcherMsg
	removeMatcher chan removeMatcherMsg
	matchOffer    chan matchOfferMsg
	matchedTasks  chan matchedTasksMsg
	snapshot      chan chan Snapshot
}

// Snapshot is a read-only view of the Manager's state at a single instant,
// useful for a debug endpoint or tests. It is not a live reference: the
// counts are valid only as of the moment the snapshot was taken.
type Snapshot struct {
	LaunchTokens   int64
	Matchers       int
	OffersInFlight int
}

type addMatcherMsg struct {
	matcher Matcher
	reply   chan Matcher
}

type removeMatcherMsg struct {
	matcher Matcher
	reply   chan Matcher
}

type matchOfferMsg struct {
	ctx      *taskcontext.Context
	deadline time.Time
	offer    Offer
	reply    chan MatchedTasks
}

type matchedTasksMsg struct {
	offerId string
	matcher Matcher
	tasks   []TaskPlacement
	err     error
}

// offerData is the Manager's per-in-flight-offer state. It is replaced
// wholesale in the offers map on every mutation rather than mutated through
// an alias held elsewhere, so there is never aliasing outside the Manager.
type offerData struct {
	ctx          *taskcontext.Context
	offer        Offer
	deadline     time.Time
	reply        chan MatchedTasks
	matcherQueue []Matcher
	tasks        []TaskPlacement
	startedAt    time.Time
}

// NewManager constructs a Manager. WantedOffersObserver (may be nil) is
// invoked from inside the actor loop every time the wanted-offers signal is
// (re-)computed; duplicate values may be delivered and the observer must
// treat them as idempotent.
func NewManager(config ManagerConfig, clk clock.WithTickerAndDelayedExecution, metrics *Metrics, wantedOffersObserver func(bool)) *Manager {
	if wantedOffersObserver == nil {
		wantedOffersObserver = func(bool) {}
	}
	return &Manager{
		clock:         clk,
		config:        config,
		metrics:       metrics,
		wanted:        wantedOffersObserver,
		setTokens:     make(chan int64),
		addTokens:     make(chan int64),
		addMatcher:    make(chan addMatcherMsg),
		removeMatcher: make(chan removeMatcherMsg),
		matchOffer:    make(chan matchOfferMsg),
		matchedTasks:  make(chan matchedTasksMsg, 64),
		snapshot:      make(chan chan Snapshot),
	}
}

// Run executes the Manager's message loop until ctx is cancelled. It should
// be run in its own goroutine; every other method on Manager is safe to
// call concurrently with Run and with each other.
func (m *Manager) Run(ctx *taskcontext.Context) error {
	launchTokens := int64(0)
	matchers := make(map[string]Matcher)
	offers := make(map[string]*offerData)

	emitWanted := func() {
		m.wanted(len(matchers) > 0 && launchTokens > 0)
		if m.metrics != nil {
			m.metrics.launchTokens.Set(float64(launchTokens))
			m.metrics.matchers.Set(float64(len(matchers)))
			m.metrics.offersInFlight.Set(float64(len(offers)))
			if len(matchers) > 0 && launchTokens > 0 {
				m.metrics.wantedOffers.Set(1)
			} else {
				m.metrics.wantedOffers.Set(0)
			}
		}
	}

	finish := func(offerId string) {
		data, ok := offers[offerId]
		if !ok {
			return
		}
		delete(offers, offerId)
		if m.metrics != nil {
			m.metrics.matchOfferTimes.Observe(m.clock.Since(data.startedAt).Seconds())
			m.metrics.offersInFlight.Set(float64(len(offers)))
		}
		data.reply <- MatchedTasks{OfferId: offerId, Tasks: data.tasks}
	}

	dispatchNext := func(offerId string) {
		data, ok := offers[offerId]
		if !ok {
			return
		}
		if !m.clock.Now().Before(data.deadline) {
			data.ctx.Log.Warn("offer deadline reached, finishing with accumulated placements")
			finish(offerId)
			return
		}
		if len(data.tasks) >= m.config.MaxTasksPerOffer {
			finish(offerId)
			return
		}
		if launchTokens <= 0 {
			finish(offerId)
			return
		}
		if len(data.matcherQueue) == 0 {
			finish(offerId)
			return
		}

		next := data.matcherQueue[0]
		data.matcherQueue = data.matcherQueue[1:]
		offers[offerId] = data

		m.dispatchQuery(data.ctx, next, data.deadline, data.offer, offerId)
	}

	scheduleTimeout := func(offerId string, deadline time.Time) {
		delay := deadline.Sub(m.clock.Now())
		if delay < 0 {
			delay = 0
		}
		m.clock.AfterFunc(delay, func() {
			select {
			case m.matchedTasks <- matchedTasksMsg{offerId: offerId}:
			case <-ctx.Done():
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-m.setTokens:
			if n < 0 {
				n = 0
			}
			launchTokens = n
			emitWanted()

		case delta := <-m.addTokens:
			launchTokens += delta
			if launchTokens < 0 {
				launchTokens = 0
			}
			emitWanted()

		case msg := <-m.addMatcher:
			matchers[msg.matcher.ID()] = msg.matcher
			for id, data := range offers {
				data.matcherQueue = append(data.matcherQueue, msg.matcher)
				offers[id] = data
			}
			emitWanted()
			msg.reply <- msg.matcher

		case msg := <-m.removeMatcher:
			delete(matchers, msg.matcher.ID())
			for id, data := range offers {
				data.matcherQueue = collections.Remove(data.matcherQueue, msg.matcher, func(a, b Matcher) bool {
					return a.ID() == b.ID()
				})
				offers[id] = data
			}
			emitWanted()
			msg.reply <- msg.matcher

		case msg := <-m.matchOffer:
			if !(len(matchers) > 0 && launchTokens > 0) {
				msg.reply <- MatchedTasks{OfferId: msg.offer.Id}
				continue
			}

			queue := make([]Matcher, 0, len(matchers))
			for _, matcher := range matchers {
				queue = append(queue, matcher)
			}
			collections.Shuffle(queue)

			offerCtx := taskcontext.WithLogField(msg.ctx, "offerId", msg.offer.Id)
			offers[msg.offer.Id] = &offerData{
				ctx:          offerCtx,
				offer:        msg.offer,
				deadline:     msg.deadline,
				reply:        msg.reply,
				matcherQueue: queue,
				startedAt:    m.clock.Now(),
			}
			if m.metrics != nil {
				m.metrics.offersInFlight.Set(float64(len(offers)))
			}
			scheduleTimeout(msg.offer.Id, msg.deadline)
			dispatchNext(msg.offer.Id)

		case msg := <-m.matchedTasks:
			m.handleMatchedTasks(ctx, offers, &launchTokens, msg)
			emitWanted()
			dispatchNext(msg.offerId)

		case reply := <-m.snapshot:
			reply <- Snapshot{
				LaunchTokens:   launchTokens,
				Matchers:       len(matchers),
				OffersInFlight: len(offers),
			}
		}
	}
}

// dispatchQuery launches matcher.ProcessOffer in its own goroutine and posts
// the outcome back onto the actor's matchedTasks channel tagged with
// offerId. It never touches Manager state directly: it is fire-and-forget
// from the actor's perspective, exactly as described for matcher queries
// and the deadline timer.
func (m *Manager) dispatchQuery(ctx *taskcontext.Context, matcher Matcher, deadline time.Time, offer Offer, offerId string) {
	matcherCtx := taskcontext.WithLogField(ctx, "matcherId", matcher.ID())
	go func() {
		reply, err := matcher.ProcessOffer(matcherCtx, deadline, offer)
		select {
		case m.matchedTasks <- matchedTasksMsg{offerId: offerId, matcher: matcher, tasks: reply.Tasks, err: err}:
		case <-matcherCtx.Done():
		}
	}()
}

// handleMatchedTasks processes a single MatchedTasks reply (or matcher
// error, mapped to an empty reply) against the current state of offers. It
// is the only place accepted placements consume launch tokens, and the only
// place placements are rejected on the token/cap-exhaustion path.
func (m *Manager) handleMatchedTasks(ctx *taskcontext.Context, offers map[string]*offerData, launchTokens *int64, msg matchedTasksMsg) {
	data, ok := offers[msg.offerId]
	if !ok {
		// Late reply after timeout/exhaustion: logged and dropped, per the
		// documented contract that matchers are responsible for
		// self-rejecting placements they never see committed. The deadline
		// self-message (nil matcher) for an already finished offer is
		// dropped without a log line.
		if msg.matcher != nil {
			ctx.Log.WithField("offerId", msg.offerId).WithField("matcherId", msg.matcher.ID()).Warn("dropping matcher reply for an offer no longer in flight")
		}
		return
	}

	if err := msg.err; err != nil {
		data.ctx.Log.WithError(errors.Cause(err)).Warn("matcher failed, treating as empty reply")
		msg.tasks = nil
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				data.ctx.Log.Errorf("recovered panic while processing matched tasks: %v", r)
			}
		}()

		added := msg.tasks
		remainingCapacity := m.config.MaxTasksPerOffer - len(data.tasks)
		k := minInt(int(*launchTokens), len(added))
		k = minInt(k, remainingCapacity)
		if k < 0 {
			k = 0
		}

		accepted := added[:k]
		rejected := added[k:]

		for _, placement := range rejected {
			if placement.Source != nil {
				placement.Source.Reject()
			}
		}
		if m.metrics != nil {
			m.metrics.rejectedTasks.Add(float64(len(rejected)))
			m.metrics.acceptedTasks.Add(float64(len(accepted)))
		}

		if len(accepted) > 0 {
			consumed := SumResources(resourcesOf(accepted))
			data.offer.Resources = SubtractResources(data.offer.Resources, consumed)
			data.tasks = append(data.tasks, accepted...)
			*launchTokens -= int64(len(accepted))
		}

		// A matcher that produced at least one accepted task is re-queued
		// at the tail, giving it another chance this round; a matcher that
		// produced nothing is dropped for the rest of this offer's round.
		// msg.matcher is nil for the deadline timeout's self-message.
		if len(accepted) > 0 && msg.matcher != nil {
			data.matcherQueue = append(data.matcherQueue, msg.matcher)
		}

		offers[msg.offerId] = data
	}()
}

func resourcesOf(placements []TaskPlacement) [][]Resource {
	out := make([][]Resource, len(placements))
	for i, p := range placements {
		out[i] = p.Resources
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SetLaunchTokens replaces the token counter with n, clamped to be
// non-negative.
func (m *Manager) SetLaunchTokens(ctx context.Context, n int64) {
	select {
	case m.setTokens <- n:
	case <-ctx.Done():
	}
}

// AddLaunchTokens adds delta to the token counter, clamping the result to
// be non-negative. External callers should pass delta >= 0; a negative
// delta is accepted but can never drive the total below zero.
func (m *Manager) AddLaunchTokens(ctx context.Context, delta int64) {
	select {
	case m.addTokens <- delta:
	case <-ctx.Done():
	}
}

// AddOrUpdateMatcher registers matcher, or replaces the matcher previously
// registered under the same ID. If offers are currently in flight, matcher
// is appended to each of their remaining matcher queues so it participates
// in the ongoing round. It returns matcher once the update has been
// applied.
func (m *Manager) AddOrUpdateMatcher(ctx context.Context, matcher Matcher) Matcher {
	reply := make(chan Matcher, 1)
	select {
	case m.addMatcher <- addMatcherMsg{matcher: matcher, reply: reply}:
	case <-ctx.Done():
		return nil
	}
	select {
	case m := <-reply:
		return m
	case <-ctx.Done():
		return nil
	}
}

// RemoveMatcher unregisters matcher. In-flight offers keep whatever
// placements it already contributed, but it is dropped from their
// remaining queues; queries already dispatched to it are not cancelled.
func (m *Manager) RemoveMatcher(ctx context.Context, matcher Matcher) Matcher {
	reply := make(chan Matcher, 1)
	select {
	case m.removeMatcher <- removeMatcherMsg{matcher: matcher, reply: reply}:
	case <-ctx.Done():
		return nil
	}
	select {
	case m := <-reply:
		return m
	case <-ctx.Done():
		return nil
	}
}

// Snapshot returns a point-in-time view of the Manager's token count,
// matcher count, and in-flight offer count. It is intended for a debug
// endpoint or tests, not for decisions on the matching hot path.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, bool) {
	reply := make(chan Snapshot, 1)
	select {
	case m.snapshot <- reply:
	case <-ctx.Done():
		return Snapshot{}, false
	}
	select {
	case s := <-reply:
		return s, true
	case <-ctx.Done():
		return Snapshot{}, false
	}
}

// MatchOffer requests matching for offer, which must be replied to by
// deadline. If offers are not currently wanted, the Manager replies
// immediately with an empty placement set. Exactly one MatchedTasks reply
// is produced per call, unless ctx is cancelled first.
func (m *Manager) MatchOffer(ctx *taskcontext.Context, deadline time.Time, offer Offer) (MatchedTasks, error) {
	reply := make(chan MatchedTasks, 1)
	select {
	case m.matchOffer <- matchOfferMsg{ctx: ctx, deadline: deadline, offer: offer, reply: reply}:
	case <-ctx.Done():
		return MatchedTasks{}, ctx.Err()
	}
	select {
	case result := <-reply:
		return result, nil
	case <-ctx.Done():
		return MatchedTasks{}, ctx.Err()
	}
}
