package campaign

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{StatusDraft, StatusScheduled, StatusSent, StatusCancelled}

func TestTransitionTable(t *testing.T) {
	legal := map[Status]map[Status]bool{
		StatusDraft:     {StatusScheduled: true, StatusCancelled: true},
		StatusScheduled: {StatusSent: true, StatusCancelled: true},
	}
	now := time.Date(2025, 10, 2, 12, 0, 0, 0, time.UTC)

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			from, to := from, to
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				c := Campaign{ID: 1, Status: from}
				before := c

				err := Transition(&c, to, now)
				if legal[from][to] {
					require.NoError(t, err)
					assert.Equal(t, to, c.Status)
					assert.Equal(t, now, c.UpdatedAt)
					return
				}

				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				var te *InvalidTransitionError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, from, te.From)
				assert.Equal(t, to, te.To)
				assert.Equal(t, before, c, "campaign must be unchanged")
			})
		}
	}
}

func TestTransition_SentStampsSentAt(t *testing.T) {
	now := time.Now().UTC()
	c := Campaign{Status: StatusScheduled}

	require.NoError(t, Transition(&c, StatusSent, now))
	require.NotNil(t, c.SentAt)
	assert.Equal(t, now, *c.SentAt)
}

func TestTransition_SentToCancelled(t *testing.T) {
	sentAt := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Campaign{ID: 7, Status: StatusSent, SentAt: &sentAt}

	err := Transition(&c, StatusCancelled, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "sent -> cancelled")
	assert.Equal(t, StatusSent, c.Status)
	assert.Equal(t, sentAt, *c.SentAt)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusDraft.Terminal())
	assert.False(t, StatusScheduled.Terminal())
	assert.True(t, StatusSent.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, Status("bogus").Valid())
}

func TestCampaignEditable(t *testing.T) {
	assert.True(t, Campaign{Status: StatusDraft}.Editable())
	assert.True(t, Campaign{Status: StatusScheduled}.Editable())
	assert.False(t, Campaign{Status: StatusSent}.Editable())
	assert.False(t, Campaign{Status: StatusCancelled}.Editable())
}
