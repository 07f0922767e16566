package rank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestItemIDUnmarshalAcceptsStringsAndIntegers(t *testing.T) {
	t.Parallel()

	var ids []ItemID
	require.NoError(t, json.Unmarshal([]byte(`[1, "kw-2", 30]`), &ids))
	require.Equal(t, []ItemID{"1", "kw-2", "30"}, ids)

	var id ItemID
	require.Error(t, json.Unmarshal([]byte(`1.5`), &id))
	require.Error(t, json.Unmarshal([]byte(`null`), &id))
	require.Error(t, json.Unmarshal([]byte(`{}`), &id))
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateAcquiring, true},
		{StatePending, StateRunning, false},
		{StatePending, StateTimedOut, true},
		{StateAcquiring, StateRunning, true},
		{StateAcquiring, StateTimedOut, true},
		{StateAcquiring, StateSucceeded, false},
		{StateRunning, StateSucceeded, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateTimedOut, true},
		{StateRunning, StateAcquiring, false},
		{StateSucceeded, StateFailed, false},
		{StateTimedOut, StateRunning, false},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err     error
		kind    Kind
		outcome Outcome
	}{
		{fmt.Errorf("wait: %w", ErrAcquisitionTimeout), KindAcquisitionTimeout, OutcomeTimedOut},
		{fmt.Errorf("run: %w", context.DeadlineExceeded), KindExecutionTimeout, OutcomeTimedOut},
		{ErrExecutionTimeout, KindExecutionTimeout, OutcomeTimedOut},
		{ErrBatchDeadlineExceeded, KindBatchDeadlineExceeded, OutcomeTimedOut},
		{ErrBatchCancelled, KindBatchCancelled, OutcomeFailed},
		{fmt.Errorf("visit: %w", ErrSessionBroken), KindSessionBroken, OutcomeFailed},
		{errors.New("boom"), KindExecutionFailure, OutcomeFailed},
	}
	for _, tc := range tests {
		require.Equal(t, tc.kind, KindOf(tc.err), tc.err.Error())
		res := Failure("7", tc.err)
		require.Equal(t, tc.outcome, res.Outcome)
		require.Equal(t, tc.err.Error(), res.Reason)
	}
}

func TestCountsAdd(t *testing.T) {
	t.Parallel()

	c := Counts{Total: 3, Pending: 3}
	c.Add(OutcomeSucceeded)
	c.Add(OutcomeTimedOut)
	c.Add(OutcomeFailed)
	require.Equal(t, Counts{Total: 3, Succeeded: 1, TimedOut: 1, Failed: 1}, c)
	require.Equal(t, StateTimedOut, StateFor(OutcomeTimedOut))
}
