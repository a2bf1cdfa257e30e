package workflow

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finguard/internal/domain"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from domain.Status
		ev   Event
		want domain.Status
	}{
		{domain.StatusPending, EventBegin, domain.StatusInReview},
		{domain.StatusInReview, EventAdvance, domain.StatusInReview},
		{domain.StatusEscalated, EventAdvance, domain.StatusInReview},
		{domain.StatusInReview, EventEscalate, domain.StatusEscalated},
		{domain.StatusEscalated, EventEscalate, domain.StatusEscalated},
		{domain.StatusEscalated, EventComplete, domain.StatusApproved},
		{domain.StatusInReview, EventReject, domain.StatusRejected},
		{domain.StatusPending, EventCancel, domain.StatusCancelled},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.ev)
		require.NoError(t, err, "%s on %s", tc.ev, tc.from)
		assert.Equal(t, tc.want, got)
	}

	_, err := Next(domain.StatusPending, EventComplete)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	_, err = Next(domain.StatusInReview, EventBegin)
	require.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestEveryEventHasAuditType(t *testing.T) {
	for _, ev := range Events() {
		assert.NotEmpty(t, AuditType(ev), ev)
	}
}

var allStatuses = []domain.Status{
	domain.StatusPending, domain.StatusInReview, domain.StatusEscalated,
	domain.StatusApproved, domain.StatusRejected, domain.StatusCancelled,
}

func TestTerminalStatusesAcceptNoEvent(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("terminal statuses are absorbing", prop.ForAll(
		func(si, ei int) bool {
			from := allStatuses[si]
			ev := Events()[ei]
			_, err := Next(from, ev)
			if from.Terminal() {
				return errors.Is(err, domain.ErrInvalidStateTransition)
			}
			return true
		},
		gen.IntRange(0, len(allStatuses)-1),
		gen.IntRange(0, len(Events())-1),
	))

	properties.Property("random walks never leave a terminal status", prop.ForAll(
		func(walk []int) bool {
			status := domain.StatusPending
			for _, i := range walk {
				next, err := Next(status, Events()[i])
				if err != nil {
					continue
				}
				if status.Terminal() {
					return false
				}
				status = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(Events())-1)),
	))

	properties.TestingRun(t)
}
