package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-sous/internal/history"
	"github.com/loqalabs/loqa-sous/internal/voice"
)

var errDuplicate = errors.New("Duplicate DailyIframe instances are not allowed")

type engines struct {
	mu   sync.Mutex
	list []*voice.MockEngine
	init func(*voice.MockEngine)
}

func (e *engines) add(m *voice.MockEngine) {
	if e.init != nil {
		e.init(m)
	}
	e.mu.Lock()
	e.list = append(e.list, m)
	e.mu.Unlock()
}

func (e *engines) get(i int) *voice.MockEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list[i]
}

func (e *engines) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.list)
}

func newTestGuard(t *testing.T, init func(*voice.MockEngine)) (*Guard, *engines, *history.Store) {
	t.Helper()
	created := &engines{init: init}
	store := history.New()
	g := NewGuard(Options{
		Factory:    voice.MockFactory(created.add),
		History:    store,
		Classifier: MarkerClassifier{Markers: []string{"Duplicate DailyIframe"}},
		Policy:     Policy{MaxAutoRecoveries: 1},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	return g, created, store
}

func TestGuardStartActivates(t *testing.T) {
	g, created, _ := newTestGuard(t, nil)

	outcome, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
	assert.Equal(t, StateActive, g.Machine().State())

	engine := created.get(0)
	assert.Equal(t, 1, engine.StopCount(), "defensive stop precedes acquisition")
	assert.Len(t, engine.Starts(), 1)
}

func TestGuardSettlesBeforeAcquiring(t *testing.T) {
	g, created, _ := newTestGuard(t, nil)
	g.settle = 500 * time.Millisecond
	var slept []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		assert.Equal(t, 1, created.get(0).StopCount())
		assert.Empty(t, created.get(0).Starts())
		slept = append(slept, d)
		return nil
	}

	_, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, slept)
}

func TestGuardSecondStartIsIgnored(t *testing.T) {
	var release func()
	g, created, _ := newTestGuard(t, func(m *voice.MockEngine) { release = m.HoldStarts() })

	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := g.Start(context.Background(), voice.StartConfig{})
		done <- outcome
	}()
	require.Eventually(t, func() bool {
		return created.count() == 1 && len(created.get(0).Starts()) == 1
	}, time.Second, 5*time.Millisecond)

	outcome, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	release()
	assert.Equal(t, OutcomeStarted, <-done)

	outcome, err = g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	engine := created.get(0)
	assert.Len(t, engine.Starts(), 1)
	assert.Equal(t, 1, created.count())
	assert.Equal(t, 1, engine.ListenerCount())
}

func TestGuardStopDuringStartingCancels(t *testing.T) {
	g, created, _ := newTestGuard(t, func(m *voice.MockEngine) { m.HoldStarts() })

	done := make(chan error, 1)
	var outcome Outcome
	go func() {
		var err error
		outcome, err = g.Start(context.Background(), voice.StartConfig{})
		done <- err
	}()
	require.Eventually(t, func() bool {
		return created.count() == 1 && len(created.get(0).Starts()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.Stop(context.Background()))
	require.NoError(t, <-done)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Equal(t, StateIdle, g.Machine().State())
}

func TestGuardStopReleasesActiveSession(t *testing.T) {
	g, created, _ := newTestGuard(t, nil)

	require.NoError(t, g.Stop(context.Background()), "stop while idle is a no-op")

	_, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	require.NoError(t, g.Stop(context.Background()))
	assert.Equal(t, StateIdle, g.Machine().State())
	assert.Equal(t, 2, created.get(0).StopCount())

	_, err = g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, created.count(), "the handle is reused across sessions")
	assert.Equal(t, 1, created.get(0).ListenerCount())
}

func TestGuardRecoversFromDuplicateResource(t *testing.T) {
	g, created, _ := newTestGuard(t, nil)
	engine, err := g.EnsureInstance(context.Background())
	require.NoError(t, err)
	engine.(*voice.MockEngine).FailNextStart(errDuplicate)

	outcome, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecovered, outcome)
	assert.Equal(t, StateIdle, g.Machine().State())
	require.Equal(t, 2, created.count())
	assert.True(t, created.get(0).Closed())
	assert.False(t, created.get(1).Closed())

	attempts, last := g.Recovery().Attempts()
	assert.Equal(t, 1, attempts)
	assert.False(t, last.IsZero())

	outcome, err = g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
	attempts, _ = g.Recovery().Attempts()
	assert.Zero(t, attempts, "activation resets the recovery budget")
}

func TestGuardEscalatesRepeatedDuplicate(t *testing.T) {
	g, created, _ := newTestGuard(t, func(m *voice.MockEngine) { m.FailNextStart(errDuplicate) })

	outcome, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecovered, outcome)

	outcome, err = g.Start(context.Background(), voice.StartConfig{})
	assert.Equal(t, OutcomeFailed, outcome)
	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
	assert.True(t, acqErr.Escalated)
	assert.ErrorIs(t, err, errDuplicate)
	assert.Equal(t, StateError, g.Machine().State())
	assert.Equal(t, 2, created.count(), "only one forced reinitialization")

	_, err = g.Start(context.Background(), voice.StartConfig{})
	var illegal *IllegalTransitionError
	assert.True(t, errors.As(err, &illegal), "error state needs a reset")

	require.NoError(t, g.Reset())
	assert.Equal(t, StateIdle, g.Machine().State())
}

func TestGuardBudgetRefillsAfterActivation(t *testing.T) {
	g, created, _ := newTestGuard(t, nil)
	first, err := g.EnsureInstance(context.Background())
	require.NoError(t, err)
	first.(*voice.MockEngine).FailNextStart(errDuplicate)

	outcome, _ := g.Start(context.Background(), voice.StartConfig{})
	require.Equal(t, OutcomeRecovered, outcome)
	outcome, _ = g.Start(context.Background(), voice.StartConfig{})
	require.Equal(t, OutcomeStarted, outcome)
	require.NoError(t, g.Stop(context.Background()))

	created.get(1).FailNextStart(errDuplicate)
	outcome, err = g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecovered, outcome)
	assert.Equal(t, 3, created.count())
}

func TestGuardOtherFailureSurfaces(t *testing.T) {
	g, created, _ := newTestGuard(t, func(m *voice.MockEngine) { m.FailNextStart(errors.New("microphone denied")) })

	outcome, err := g.Start(context.Background(), voice.StartConfig{})
	assert.Equal(t, OutcomeFailed, outcome)
	var acqErr *AcquisitionError
	require.True(t, errors.As(err, &acqErr))
	assert.Equal(t, FailureOther, acqErr.Kind)
	assert.False(t, acqErr.Escalated)
	assert.Equal(t, StateError, g.Machine().State())
	assert.Equal(t, 1, created.count())
	assert.False(t, created.get(0).Closed())
}

func TestGuardRoutesUtterancesToHistory(t *testing.T) {
	g, created, store := newTestGuard(t, nil)
	_, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)

	engine := created.get(0)
	engine.Emit(voice.Event{Kind: voice.EventUtterance, Role: history.RoleUser, Text: "done with step one"})
	engine.Emit(voice.Event{Kind: voice.EventUtterance, Role: history.RoleAssistant, Text: "Step 2: Drain."})
	engine.Emit(voice.Event{Kind: voice.EventUtterance, Role: history.RoleUser, Text: ""})

	turns := store.Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, history.RoleUser, turns[0].Role)
	assert.Equal(t, "Step 2: Drain.", turns[1].Content)
}

func TestGuardEngineEndedReturnsToIdle(t *testing.T) {
	g, created, _ := newTestGuard(t, nil)
	_, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)

	created.get(0).Emit(voice.Event{Kind: voice.EventEnded})
	assert.Equal(t, StateIdle, g.Machine().State())
}

func TestGuardEngineErrorTriggersRecovery(t *testing.T) {
	g, created, _ := newTestGuard(t, nil)
	_, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)

	created.get(0).Emit(voice.Event{Kind: voice.EventError, Err: errDuplicate})
	require.Eventually(t, func() bool {
		return g.Machine().State() == StateIdle && created.count() == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, created.get(0).Closed())
}

func TestGuardDropsEventsFromDiscardedEngine(t *testing.T) {
	g, created, store := newTestGuard(t, nil)
	_, err := g.EnsureInstance(context.Background())
	require.NoError(t, err)
	g.ForceDestroy()

	created.get(0).Emit(voice.Event{Kind: voice.EventUtterance, Role: history.RoleUser, Text: "stale"})
	assert.True(t, store.IsEmpty())
}

func TestGuardClosedRejectsStart(t *testing.T) {
	g, _, _ := newTestGuard(t, nil)
	require.NoError(t, g.Close(context.Background()))

	outcome, err := g.Start(context.Background(), voice.StartConfig{})
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, ErrGuardClosed)
}

func TestMarkerClassifier(t *testing.T) {
	c := MarkerClassifier{Markers: []string{"Duplicate DailyIframe"}}
	assert.Equal(t, FailureDuplicateResource, c.Classify(errDuplicate))
	assert.Equal(t, FailureOther, c.Classify(errors.New("timeout")))
	assert.Equal(t, FailureOther, c.Classify(nil))
	assert.Equal(t, FailureOther, MarkerClassifier{}.Classify(errDuplicate))
}

func TestGuardStopCancelsOnlyTheAcquisitionItInterrupts(t *testing.T) {
	var release func()
	g, created, _ := newTestGuard(t, func(m *voice.MockEngine) { release = m.HoldStarts() })

	type result struct {
		outcome Outcome
		err     error
	}
	first := make(chan result, 1)
	go func() {
		outcome, err := g.Start(context.Background(), voice.StartConfig{})
		first <- result{outcome, err}
	}()
	require.Eventually(t, func() bool {
		return created.count() == 1 && len(created.get(0).Starts()) == 1
	}, time.Second, 5*time.Millisecond)

	// A second start slips in while the stop is still notifying observers.
	second := make(chan result, 1)
	var once sync.Once
	g.Machine().Observe(func(tr Transition) {
		if tr.From != StateStarting || tr.To != StateIdle {
			return
		}
		once.Do(func() {
			go func() {
				outcome, err := g.Start(context.Background(), voice.StartConfig{})
				second <- result{outcome, err}
			}()
			assert.Eventually(t, func() bool {
				return len(created.get(0).Starts()) == 2
			}, time.Second, 5*time.Millisecond)
		})
	})

	require.NoError(t, g.Stop(context.Background()))

	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeCancelled, r.outcome)
	assert.Equal(t, StateStarting, g.Machine().State(), "the newer start keeps its acquisition")

	release()
	r = <-second
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeStarted, r.outcome)
	assert.Equal(t, StateActive, g.Machine().State())

	require.NoError(t, g.Stop(context.Background()))
	assert.Equal(t, StateIdle, g.Machine().State())
}

// quietEngine acknowledges starts without emitting Started and runs
// onStart just before returning.
type quietEngine struct {
	mu      sync.Mutex
	stops   int
	onStart func()
}

func (q *quietEngine) Start(context.Context, voice.StartConfig) error {
	if q.onStart != nil {
		q.onStart()
	}
	return nil
}

func (q *quietEngine) Stop(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stops++
	return nil
}

func (q *quietEngine) OnEvent(func(voice.Event)) {}

func (q *quietEngine) Close() error { return nil }

func (q *quietEngine) stopCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stops
}

func TestGuardStopAfterEngineAcknowledgedReleasesCall(t *testing.T) {
	engine := &quietEngine{}
	g := NewGuard(Options{
		Factory: func(context.Context) (voice.Engine, error) { return engine, nil },
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { _ = g.Close(context.Background()) })
	engine.onStart = func() {
		assert.NoError(t, g.Stop(context.Background()))
	}

	outcome, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Equal(t, StateIdle, g.Machine().State())
	assert.Equal(t, 2, engine.stopCount(), "defensive stop, then release of the late call")
}

func TestGuardIgnoredStartBuildsNothing(t *testing.T) {
	g, created, _ := newTestGuard(t, nil)
	_, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	g.ForceDestroy()

	outcome, err := g.Start(context.Background(), voice.StartConfig{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, 1, created.count())
	assert.Equal(t, 1, g.Created())
}

func TestGuardBuildsEngineOnceWithoutHoldingLock(t *testing.T) {
	gate := make(chan struct{})
	var calls atomic.Int32
	engine := voice.NewMockEngine()
	g := NewGuard(Options{
		Factory: func(context.Context) (voice.Engine, error) {
			calls.Add(1)
			<-gate
			return engine, nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { _ = g.Close(context.Background()) })

	got := make(chan voice.Engine, 2)
	for i := 0; i < 2; i++ {
		go func() {
			e, err := g.EnsureInstance(context.Background())
			assert.NoError(t, err)
			got <- e
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, g.Created(), "guard stays usable while the factory runs")

	close(gate)
	assert.Same(t, engine, <-got)
	assert.Same(t, engine, <-got)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, engine.ListenerCount())
}
