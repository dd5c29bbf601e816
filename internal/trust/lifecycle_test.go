package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLifecycle(t *testing.T) (*Lifecycle, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	return NewLifecycle(WithLifecycleClock(clock.Now)), clock
}

func activate(t *testing.T, l *Lifecycle) {
	t.Helper()
	require.NoError(t, l.ApplyTransition(Transition{Target: StateEstablishing, Reason: "registered"}))
	require.NoError(t, l.ApplyTransition(Transition{Target: StateActive, Reason: "verified"}))
}

func TestLifecycle_InitialState(t *testing.T) {
	l, clock := newTestLifecycle(t)
	assert.Equal(t, StateInitial, l.CurrentState())
	assert.Equal(t, clock.now, l.StateEnteredAt())
	assert.Empty(t, l.History())
	assert.False(t, l.IsValidForTrust())
}

func TestCanTransition_EdgeTable(t *testing.T) {
	allowed := map[State][]State{
		StateInitial:      {StateEstablishing, StateGracePeriod},
		StateEstablishing: {StateActive, StateRevoked, StateGracePeriod},
		StateActive:       {StateSuspended, StateReviewing, StateRevoked, StateExpired, StateGracePeriod},
		StateSuspended:    {StateActive, StateReviewing, StateRevoked, StateGracePeriod},
		StateReviewing:    {StateActive, StateSuspended, StateRevoked, StateGracePeriod},
		StateRevoked:      {StateGracePeriod},
		StateExpired:      {StateGracePeriod},
		StateGracePeriod:  {StateActive, StateExpired, StateGracePeriod},
	}

	for from := StateInitial; from <= StateGracePeriod; from++ {
		for to := StateInitial; to <= StateGracePeriod; to++ {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestLifecycle_ApplyTransition_RecordsLeftState(t *testing.T) {
	l, clock := newTestLifecycle(t)
	start := clock.now

	clock.Advance(time.Minute)
	err := l.ApplyTransition(Transition{
		Target:   StateEstablishing,
		Reason:   "registered",
		Metadata: map[string]any{"source": "api"},
	})
	require.NoError(t, err)

	assert.Equal(t, StateEstablishing, l.CurrentState())
	assert.Equal(t, clock.now, l.StateEnteredAt())

	history := l.History()
	require.Len(t, history, 1)
	assert.Equal(t, StateInitial, history[0].State)
	assert.Equal(t, start, history[0].EnteredAt)
	assert.Equal(t, clock.now, history[0].ExitedAt)
	assert.Equal(t, "registered", history[0].Reason)
	assert.Equal(t, "api", history[0].Metadata["source"])
}

func TestLifecycle_ApplyTransition_IgnoresPastTime(t *testing.T) {
	l, clock := newTestLifecycle(t)
	require.NoError(t, l.ApplyTransition(Transition{Target: StateEstablishing}))
	establishedAt := clock.now

	clock.Advance(time.Hour)
	require.NoError(t, l.ApplyTransition(Transition{Target: StateActive, At: clock.now.Add(-60 * 24 * time.Hour)}))

	assert.Equal(t, clock.now, l.StateEnteredAt())
	assert.Zero(t, l.CurrentStateDuration())

	history := l.History()
	require.Len(t, history, 2)
	assert.Equal(t, establishedAt, history[1].EnteredAt)
	assert.Equal(t, clock.now, history[1].ExitedAt)
	for _, h := range history {
		assert.False(t, h.ExitedAt.Before(h.EnteredAt), "%s exits before it was entered", h.State)
	}
}

func TestLifecycle_InvalidTransitionLeavesStateUntouched(t *testing.T) {
	l, _ := newTestLifecycle(t)
	enteredAt := l.StateEnteredAt()

	err := l.ApplyTransition(Transition{Target: StateActive})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	assert.Equal(t, StateInitial, l.CurrentState())
	assert.Equal(t, enteredAt, l.StateEnteredAt())
	assert.Empty(t, l.History())
}

func TestLifecycle_ValidTransitionGrowsHistoryByOne(t *testing.T) {
	l, _ := newTestLifecycle(t)
	path := []State{StateEstablishing, StateActive, StateSuspended, StateReviewing, StateActive, StateGracePeriod, StateExpired}
	for i, s := range path {
		require.NoError(t, l.ApplyTransition(Transition{Target: s}))
		assert.Len(t, l.History(), i+1)
	}
}

func TestLifecycle_IsValidForTrust(t *testing.T) {
	l, _ := newTestLifecycle(t)
	activate(t, l)
	assert.True(t, l.IsValidForTrust())
	assert.True(t, l.IsActive())

	require.NoError(t, l.ApplyTransition(Transition{Target: StateGracePeriod}))
	assert.True(t, l.IsValidForTrust())
	assert.False(t, l.IsActive())

	require.NoError(t, l.ApplyTransition(Transition{Target: StateExpired}))
	assert.False(t, l.IsValidForTrust())
}

func TestLifecycle_ScheduleTransition(t *testing.T) {
	l, clock := newTestLifecycle(t)
	activate(t, l)

	err := l.ScheduleTransition(Transition{Target: StateSuspended, At: clock.now})
	assert.ErrorIs(t, err, ErrInvalidStateTransition, "time must be strictly in the future")

	err = l.ScheduleTransition(Transition{Target: StateEstablishing, At: clock.now.Add(time.Hour)})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	due := clock.now.Add(time.Hour)
	require.NoError(t, l.ScheduleTransition(Transition{Target: StateSuspended, Reason: "audit", At: due}))
	assert.Equal(t, StateActive, l.CurrentState())
	next, ok := l.NextTransition()
	require.True(t, ok)
	assert.Equal(t, StateSuspended, next.Target)

	state, applied, err := l.CheckPendingTransitions()
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StateActive, state)

	clock.Advance(time.Hour)
	state, applied, err = l.CheckPendingTransitions()
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, StateSuspended, state)
	assert.Equal(t, due, l.StateEnteredAt())
	_, ok = l.NextTransition()
	assert.False(t, ok)
}

func TestLifecycle_ApplyClearsScheduledTransition(t *testing.T) {
	l, clock := newTestLifecycle(t)
	activate(t, l)

	require.NoError(t, l.ScheduleTransition(Transition{Target: StateExpired, At: clock.now.Add(time.Hour)}))
	require.NoError(t, l.ApplyTransition(Transition{Target: StateReviewing}))

	_, ok := l.NextTransition()
	assert.False(t, ok)

	clock.Advance(2 * time.Hour)
	_, applied, err := l.CheckPendingTransitions()
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, StateReviewing, l.CurrentState())
}

func TestLifecycle_StateMetadataAndDuration(t *testing.T) {
	l, clock := newTestLifecycle(t)
	l.SetStateMetadata("note", "pending kyc")
	assert.Equal(t, "pending kyc", l.StateMetadata()["note"])

	clock.Advance(90 * time.Second)
	assert.Equal(t, 90*time.Second, l.CurrentStateDuration())

	require.NoError(t, l.ApplyTransition(Transition{Target: StateEstablishing}))
	assert.Empty(t, l.StateMetadata())
}

func TestLifecycle_SnapshotRestore(t *testing.T) {
	l, clock := newTestLifecycle(t)
	activate(t, l)
	require.NoError(t, l.ScheduleTransition(Transition{Target: StateReviewing, At: clock.now.Add(time.Hour)}))
	l.SetStateMetadata("k", "v")

	restored, err := RestoreLifecycle(l.Snapshot(), WithLifecycleClock(clock.Now))
	require.NoError(t, err)
	assert.Equal(t, l.CurrentState(), restored.CurrentState())
	assert.Equal(t, l.StateEnteredAt(), restored.StateEnteredAt())
	assert.Equal(t, l.History(), restored.History())
	assert.Equal(t, "v", restored.StateMetadata()["k"])
	next, ok := restored.NextTransition()
	require.True(t, ok)
	assert.Equal(t, StateReviewing, next.Target)

	_, err = RestoreLifecycle(Snapshot{Current: State(42)})
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestState_TextRoundTrip(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("grace_period")))
	assert.Equal(t, StateGracePeriod, s)

	text, err := StateReviewing.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "reviewing", string(text))

	assert.ErrorIs(t, s.UnmarshalText([]byte("dormant")), ErrUnknownState)
}
