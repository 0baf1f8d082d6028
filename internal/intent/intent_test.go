package intent

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/massamba-mbaye/mobile-money-gateway/internal/provider"
)

func TestApplySuccessCompletes(t *testing.T) {
	it := Intent{Status: StatusPendingConfirmation, AmountMinor: 5000}
	ev := Event{Status: provider.StatusSuccess, ProviderTxnID: "TX-1", AmountMinor: 5000, AmountKnown: true}

	outcome, err := Apply(it, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
}

func TestApplyAmountMismatch(t *testing.T) {
	it := Intent{Status: StatusPendingConfirmation, AmountMinor: 5000}
	ev := Event{Status: provider.StatusSuccess, AmountMinor: 4999, AmountKnown: true}

	outcome, err := Apply(it, ev)
	require.ErrorIs(t, err, ErrAmountMismatch)
	require.Equal(t, OutcomeIgnored, outcome)
}

func TestApplyMissingAmountStrict(t *testing.T) {
	it := Intent{Status: StatusPendingConfirmation, AmountMinor: 5000}
	ev := Event{Status: provider.StatusSuccess, RequireAmount: true}

	_, err := Apply(it, ev)
	require.ErrorIs(t, err, ErrAmountMismatch)

	// the operator omits the amount on some notifications; they still settle
	ev.RequireAmount = false
	outcome, err := Apply(it, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)
}

func TestApplyDuplicateSuccess(t *testing.T) {
	it := Intent{Status: StatusCompleted, ProviderTxnID: "TX-1", AmountMinor: 5000}
	ev := Event{Status: provider.StatusSuccess, ProviderTxnID: "TX-1", AmountMinor: 5000, AmountKnown: true}

	outcome, err := Apply(it, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeDuplicate, outcome)
}

func TestApplySuccessConflicts(t *testing.T) {
	completed := Intent{Status: StatusCompleted, ProviderTxnID: "TX-1", AmountMinor: 5000}
	ev := Event{Status: provider.StatusSuccess, ProviderTxnID: "TX-OTHER", AmountMinor: 5000, AmountKnown: true}

	_, err := Apply(completed, ev)
	require.ErrorIs(t, err, ErrStateConflict)

	failed := Intent{Status: StatusFailed, AmountMinor: 5000}
	_, err = Apply(failed, Event{Status: provider.StatusSuccess, AmountMinor: 5000, AmountKnown: true})
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestApplyStaleEventsIgnored(t *testing.T) {
	completed := Intent{Status: StatusCompleted, ProviderTxnID: "TX-1"}

	outcome, err := Apply(completed, Event{Status: provider.StatusFailed})
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)

	outcome, err = Apply(completed, Event{Status: provider.StatusPending})
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)

	outcome, err = Apply(Intent{Status: StatusPendingConfirmation}, Event{Status: provider.StatusUnknown})
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)
}

func TestApplyFailureAndPending(t *testing.T) {
	it := Intent{Status: StatusPendingConfirmation}

	outcome, err := Apply(it, Event{Status: provider.StatusFailed, FailureReason: "insufficient funds"})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	outcome, err = Apply(it, Event{Status: provider.StatusPending})
	require.NoError(t, err)
	require.Equal(t, OutcomeOnHold, outcome)
}
