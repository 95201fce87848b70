package accumulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition_HappyPath(t *testing.T) {
	s := Status{Phase: PhaseIdle}

	s, ok := Transition(s, Event{Kind: EventFetchStarted})
	assert.True(t, ok)
	assert.Equal(t, PhaseLoading, s.Phase)
	assert.Equal(t, 0, s.Offset())

	s, ok = Transition(s, Event{Kind: EventPageLoaded, Count: 2, Total: 5, HasMore: true})
	assert.True(t, ok)
	assert.Equal(t, PhaseLoadedPartial, s.Phase)
	assert.Equal(t, 2, s.Offset())
	assert.Equal(t, int64(5), s.Total)

	s, _ = Transition(s, Event{Kind: EventFetchStarted})
	s, _ = Transition(s, Event{Kind: EventPageLoaded, Count: 2, Total: 5, HasMore: true})
	s, _ = Transition(s, Event{Kind: EventFetchStarted})
	s, ok = Transition(s, Event{Kind: EventPageLoaded, Count: 1, Total: 5, HasMore: false})
	assert.True(t, ok)
	assert.Equal(t, PhaseLoadedComplete, s.Phase)
	assert.Equal(t, 5, s.Loaded)
}

func TestTransition_RejectsDuplicateAndFinishedFetches(t *testing.T) {
	loading, _ := Transition(Status{Phase: PhaseIdle}, Event{Kind: EventFetchStarted})
	again, ok := Transition(loading, Event{Kind: EventFetchStarted})
	assert.False(t, ok)
	assert.Equal(t, loading, again)

	done := Status{Phase: PhaseLoadedComplete, Loaded: 3, Total: 3}
	_, ok = Transition(done, Event{Kind: EventFetchStarted})
	assert.False(t, ok)

	_, ok = Transition(Status{Phase: PhaseIdle}, Event{Kind: EventPageLoaded, Count: 1})
	assert.False(t, ok)
}

func TestTransition_CancelAndFailureRestore(t *testing.T) {
	partial := Status{Phase: PhaseLoadedPartial, Loaded: 4, Total: 10}
	loading, _ := Transition(partial, Event{Kind: EventFetchStarted})

	cancelled, ok := Transition(loading, Event{Kind: EventFetchCancelled})
	assert.True(t, ok)
	assert.Equal(t, PhaseLoadedPartial, cancelled.Phase)
	assert.Equal(t, 4, cancelled.Loaded)
	assert.Empty(t, cancelled.Err)

	failed, ok := Transition(loading, Event{Kind: EventFetchFailed, Err: "boom"})
	assert.True(t, ok)
	assert.Equal(t, PhaseLoadedPartial, failed.Phase)
	assert.Equal(t, "boom", failed.Err)

	first, _ := Transition(Status{Phase: PhaseIdle}, Event{Kind: EventFetchStarted})
	back, _ := Transition(first, Event{Kind: EventFetchCancelled})
	assert.Equal(t, PhaseIdle, back.Phase)
}

func TestTransition_EmptyPageCompletes(t *testing.T) {
	loading, _ := Transition(Status{Phase: PhaseIdle}, Event{Kind: EventFetchStarted})
	s, _ := Transition(loading, Event{Kind: EventPageLoaded, Count: 0, Total: 0, HasMore: true})
	assert.Equal(t, PhaseLoadedComplete, s.Phase)
}

func TestTransition_Reset(t *testing.T) {
	s, ok := Transition(Status{Phase: PhaseLoadedComplete, Loaded: 9, Total: 9}, Event{Kind: EventReset})
	assert.True(t, ok)
	assert.Equal(t, Status{Phase: PhaseIdle}, s)
}
