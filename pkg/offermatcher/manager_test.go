package offermatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/clusterfabric/offermatcher/internal/common/taskcontext"
)

func testLogEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

// fakeTaskSource records how many times Reject was called.
type fakeTaskSource struct {
	mu       sync.Mutex
	rejected int
}

func (f *fakeTaskSource) Reject() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected++
}

func (f *fakeTaskSource) wasRejected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejected > 0
}

// fakeMatcher replies synchronously (from within ProcessOffer) with a fixed
// set of placements, each consuming a fixed amount of "cpus", the first
// time it is asked, and with nothing on every subsequent call — mirroring a
// matcher that has a fixed batch of tasks ready and nothing left to offer
// once it has proposed them. It can optionally block on a channel before
// its first reply, to exercise timeout paths.
type fakeMatcher struct {
	id          string
	numTasks    int
	cpusPerTask float64
	block       chan struct{} // if non-nil, the first ProcessOffer call waits on this before replying
	invoked     chan struct{} // if non-nil, closed (once) right before the first call blocks/replies
	invokedOnce sync.Once

	mu      sync.Mutex
	calls   int
	sources []*fakeTaskSource
}

func (f *fakeMatcher) ID() string { return f.id }

func (f *fakeMatcher) ProcessOffer(_ *taskcontext.Context, _ time.Time, offer Offer) (MatchedTasks, error) {
	f.mu.Lock()
	first := f.calls == 0
	f.calls++
	f.mu.Unlock()

	if !first {
		return MatchedTasks{OfferId: offer.Id}, nil
	}

	if f.invoked != nil {
		f.invokedOnce.Do(func() { close(f.invoked) })
	}
	if f.block != nil {
		<-f.block
	}
	tasks := make([]TaskPlacement, f.numTasks)
	f.mu.Lock()
	for i := range tasks {
		cpus := f.cpusPerTask
		src := &fakeTaskSource{}
		f.sources = append(f.sources, src)
		tasks[i] = TaskPlacement{
			Resources: []Resource{{Name: "cpus", Role: "*", Scalar: &cpus}},
			Source:    src,
		}
	}
	f.mu.Unlock()
	return MatchedTasks{OfferId: offer.Id, Tasks: tasks}, nil
}

// proposedSources returns every fakeTaskSource this matcher has ever handed
// to the Manager, in proposal order.
func (f *fakeMatcher) proposedSources() []*fakeTaskSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTaskSource(nil), f.sources...)
}

func testOffer(id string, cpus float64) Offer {
	v := cpus
	return Offer{Id: id, Resources: []Resource{{Name: "cpus", Role: "*", Scalar: &v}}}
}

func newTestManager(t *testing.T, maxTasksPerOffer int) (*Manager, *clock.FakeClock, func()) {
	t.Helper()
	fakeClock := clock.NewFakeClock(time.Now())
	mgr := NewManager(ManagerConfig{MaxTasksPerOffer: maxTasksPerOffer}, fakeClock, nil, nil)

	runCtx, cancel := context.WithCancel(context.Background())
	tctx := taskcontext.New(runCtx, testLogEntry())
	go func() { _ = mgr.Run(tctx) }()

	return mgr, fakeClock, cancel
}

func TestManagerConfigValidateRejectsNonPositiveCap(t *testing.T) {
	err := ManagerConfig{MaxTasksPerOffer: 0}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxTasksPerOffer")
}

func TestManagerConfigValidateAcceptsSaneConfig(t *testing.T) {
	assert.NoError(t, ManagerConfig{MaxTasksPerOffer: 10}.Validate())
}

func TestS1SingleMatcherAbundantResources(t *testing.T) {
	mgr, _, cancel := newTestManager(t, 5)
	defer cancel()

	ctx := context.Background()
	mgr.SetLaunchTokens(ctx, 10)

	m1 := &fakeMatcher{id: "m1", numTasks: 3, cpusPerTask: 1}
	mgr.AddOrUpdateMatcher(ctx, m1)

	tctx := taskcontext.New(context.Background(), testLogEntry())
	result, err := mgr.MatchOffer(tctx, time.Now().Add(time.Second), testOffer("offer-1", 10))
	require.NoError(t, err)
	assert.Len(t, result.Tasks, 3)

	// Token conservation and resource conservation: 10 tokens minus 3
	// accepted placements leaves 7; the committed placements' resources
	// sum to exactly what was subtracted from the offer.
	snap, ok := mgr.Snapshot(context.Background())
	require.True(t, ok)
	assert.EqualValues(t, 7, snap.LaunchTokens)

	consumed := SumResources(resourcesOf(result.Tasks))
	remaining := SubtractResources(testOffer("offer-1", 10).Resources, consumed)
	var cpusLeft float64
	for _, r := range remaining {
		if r.Name == "cpus" {
			cpusLeft = *r.Scalar
		}
	}
	assert.Equal(t, float64(7), cpusLeft)
}

func TestS2TokenExhaustion(t *testing.T) {
	mgr, _, cancel := newTestManager(t, 100)
	defer cancel()

	ctx := context.Background()
	mgr.SetLaunchTokens(ctx, 2)

	m1 := &fakeMatcher{id: "m1", numTasks: 5, cpusPerTask: 1}
	mgr.AddOrUpdateMatcher(ctx, m1)

	tctx := taskcontext.New(context.Background(), testLogEntry())
	result, err := mgr.MatchOffer(tctx, time.Now().Add(time.Second), testOffer("offer-1", 10))
	require.NoError(t, err)
	require.Len(t, result.Tasks, 2)

	for i, task := range result.Tasks {
		src := task.Source.(*fakeTaskSource)
		assert.False(t, src.wasRejected(), "task %d should be accepted, not rejected", i)
	}

	// Reject symmetry: every placement m1 proposed is either in the
	// committed set or was rejected — never both, never neither.
	committed := map[*fakeTaskSource]bool{}
	for _, task := range result.Tasks {
		committed[task.Source.(*fakeTaskSource)] = true
	}
	proposed := m1.proposedSources()
	require.Len(t, proposed, 5)
	rejectedCount := 0
	for _, src := range proposed {
		if committed[src] {
			assert.False(t, src.wasRejected(), "committed placement must not also be rejected")
		} else {
			assert.True(t, src.wasRejected(), "non-committed placement must be rejected")
			rejectedCount++
		}
	}
	assert.Equal(t, 3, rejectedCount)

	snap, ok := mgr.Snapshot(context.Background())
	require.True(t, ok)
	assert.EqualValues(t, 0, snap.LaunchTokens)
}

func TestSnapshotReportsMatcherAndTokenCounts(t *testing.T) {
	mgr, _, cancel := newTestManager(t, 10)
	defer cancel()

	ctx := context.Background()
	mgr.SetLaunchTokens(ctx, 5)
	mgr.AddOrUpdateMatcher(ctx, &fakeMatcher{id: "m1", numTasks: 0})
	mgr.AddOrUpdateMatcher(ctx, &fakeMatcher{id: "m2", numTasks: 0})

	snap, ok := mgr.Snapshot(ctx)
	require.True(t, ok)
	assert.EqualValues(t, 5, snap.LaunchTokens)
	assert.Equal(t, 2, snap.Matchers)
	assert.Equal(t, 0, snap.OffersInFlight)
}

func TestS3MaxTasksPerOfferCap(t *testing.T) {
	mgr, _, cancel := newTestManager(t, 4)
	defer cancel()

	ctx := context.Background()
	mgr.SetLaunchTokens(ctx, 100)

	m1 := &fakeMatcher{id: "m1", numTasks: 10, cpusPerTask: 1}
	mgr.AddOrUpdateMatcher(ctx, m1)

	tctx := taskcontext.New(context.Background(), testLogEntry())
	result, err := mgr.MatchOffer(tctx, time.Now().Add(time.Second), testOffer("offer-1", 100))
	require.NoError(t, err)
	assert.Len(t, result.Tasks, 4)

	committed := map[*fakeTaskSource]bool{}
	for _, task := range result.Tasks {
		committed[task.Source.(*fakeTaskSource)] = true
	}
	proposed := m1.proposedSources()
	require.Len(t, proposed, 10)
	rejectedCount := 0
	for _, src := range proposed {
		if !committed[src] {
			assert.True(t, src.wasRejected(), "non-committed placement must be rejected")
			rejectedCount++
		}
	}
	assert.Equal(t, 6, rejectedCount)
}

func TestS4DeadlineExpiry(t *testing.T) {
	mgr, fakeClock, cancel := newTestManager(t, 10)
	defer cancel()

	ctx := context.Background()
	mgr.SetLaunchTokens(ctx, 10)

	invoked := make(chan struct{})
	block := make(chan struct{})
	// Only one matcher is registered: with more than one in the rotation,
	// which one is dispatched first is randomized by the shuffle, so a
	// deterministic "the slow one goes first" test needs just the one.
	m1 := &fakeMatcher{id: "slow", numTasks: 1, cpusPerTask: 1, block: block, invoked: invoked}
	mgr.AddOrUpdateMatcher(ctx, m1)

	deadline := fakeClock.Now().Add(10 * time.Millisecond)
	tctx := taskcontext.New(context.Background(), testLogEntry())

	resultCh := make(chan MatchedTasks, 1)
	go func() {
		result, err := mgr.MatchOffer(tctx, deadline, testOffer("offer-1", 10))
		require.NoError(t, err)
		resultCh <- result
	}()

	<-invoked // m1's ProcessOffer has started and is now blocked
	fakeClock.Step(20 * time.Millisecond)

	select {
	case result := <-resultCh:
		assert.Empty(t, result.Tasks, "reply should contain whatever was accumulated before the deadline, here nothing")
	case <-time.After(2 * time.Second):
		t.Fatal("MatchOffer did not return at the deadline")
	}

	// The late reply from m1 arrives after the offer is gone; it must be
	// dropped without panicking the manager.
	close(block)
	time.Sleep(10 * time.Millisecond)
}

func TestS5MatcherChurnMidFlight(t *testing.T) {
	mgr, _, cancel := newTestManager(t, 10)
	defer cancel()

	ctx := context.Background()
	mgr.SetLaunchTokens(ctx, 10)

	invoked := make(chan struct{})
	block := make(chan struct{})
	m1 := &fakeMatcher{id: "m1", numTasks: 1, cpusPerTask: 1, block: block, invoked: invoked}
	mgr.AddOrUpdateMatcher(ctx, m1)

	tctx := taskcontext.New(context.Background(), testLogEntry())
	resultCh := make(chan MatchedTasks, 1)
	go func() {
		result, err := mgr.MatchOffer(tctx, time.Now().Add(5*time.Second), testOffer("offer-1", 10))
		require.NoError(t, err)
		resultCh <- result
	}()

	<-invoked // m1 is now mid-flight and blocked

	mPrime := &fakeMatcher{id: "m-prime", numTasks: 1, cpusPerTask: 1}
	mgr.AddOrUpdateMatcher(ctx, mPrime)

	close(block) // let m1 reply; manager should then dispatch to m-prime

	select {
	case result := <-resultCh:
		assert.Len(t, result.Tasks, 2, "both m1 and the mid-flight-added m-prime should have contributed")
	case <-time.After(2 * time.Second):
		t.Fatal("MatchOffer did not complete")
	}
}

func TestTokenConservationAcrossOffers(t *testing.T) {
	mgr, _, cancel := newTestManager(t, 100)
	defer cancel()

	ctx := context.Background()
	mgr.SetLaunchTokens(ctx, 5)

	m1 := &fakeMatcher{id: "m1", numTasks: 3, cpusPerTask: 1}
	m2 := &fakeMatcher{id: "m2", numTasks: 3, cpusPerTask: 1}
	mgr.AddOrUpdateMatcher(ctx, m1)
	mgr.AddOrUpdateMatcher(ctx, m2)

	tctx := taskcontext.New(context.Background(), testLogEntry())
	r1, err := mgr.MatchOffer(tctx, time.Now().Add(time.Second), testOffer("offer-1", 100))
	require.NoError(t, err)
	r2, err := mgr.MatchOffer(tctx, time.Now().Add(time.Second), testOffer("offer-2", 100))
	require.NoError(t, err)

	assert.LessOrEqual(t, len(r1.Tasks)+len(r2.Tasks), 5, "token conservation: total accepted tasks must not exceed the token budget")
}

func TestAddOrUpdateMatcherAcknowledgesByIdentity(t *testing.T) {
	mgr, _, cancel := newTestManager(t, 10)
	defer cancel()
	ctx := context.Background()

	m1 := &fakeMatcher{id: "m1", numTasks: 0}
	got := mgr.AddOrUpdateMatcher(ctx, m1)
	assert.Equal(t, m1, got)
}

func TestNoOffersWantedWithoutTokensRepliesEmptyImmediately(t *testing.T) {
	mgr, _, cancel := newTestManager(t, 10)
	defer cancel()
	ctx := context.Background()

	m1 := &fakeMatcher{id: "m1", numTasks: 3, cpusPerTask: 1}
	mgr.AddOrUpdateMatcher(ctx, m1)
	// No tokens set: wanted-offers is false.

	tctx := taskcontext.New(context.Background(), testLogEntry())
	result, err := mgr.MatchOffer(tctx, time.Now().Add(time.Second), testOffer("offer-1", 10))
	require.NoError(t, err)
	assert.Empty(t, result.Tasks)
}

func TestWantedOffersObserverReflectsTokensAndMatchers(t *testing.T) {
	var mu sync.Mutex
	var last bool
	var calls int
	fakeClock := clock.NewFakeClock(time.Now())
	mgr := NewManager(ManagerConfig{MaxTasksPerOffer: 10}, fakeClock, nil, func(wanted bool) {
		mu.Lock()
		defer mu.Unlock()
		last = wanted
		calls++
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(taskcontext.New(runCtx, testLogEntry())) }()

	ctx := context.Background()
	mgr.AddOrUpdateMatcher(ctx, &fakeMatcher{id: "m1"})

	mu.Lock()
	assert.False(t, last, "no tokens yet, so offers should not be wanted")
	mu.Unlock()

	mgr.SetLaunchTokens(ctx, 5)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last
	}, time.Second, time.Millisecond, "wanted-offers should become true once both matchers and tokens are present")
}
